package sla

import (
	"math"
	"time"

	"github.com/spec-kit/ticketflow/internal/domain"
)

// Kind names a deadline.
type Kind string

const (
	KindResponse   Kind = "response"
	KindResolution Kind = "resolution"
	KindEscalation Kind = "escalation"
)

// Status classifies a deadline against a reference time.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusBreached Status = "breached"
)

// DefaultWarningRatio puts a deadline in warning for the last 10% of its window.
const DefaultWarningRatio = 0.1

// Input is the slice of ticket history the tracker depends on.
type Input struct {
	CreatedAt       time.Time
	Priority        domain.TicketPriority
	Category        string
	Status          domain.TicketStatus
	FirstResponseAt *time.Time
	ResolvedAt      *time.Time
}

// InputFromTicket extracts tracker input from a ticket.
func InputFromTicket(t domain.Ticket) Input {
	return Input{
		CreatedAt:       t.CreatedAt,
		Priority:        t.Priority,
		Category:        t.Category,
		Status:          t.Status,
		FirstResponseAt: t.FirstResponseAt,
		ResolvedAt:      t.ResolvedAt,
	}
}

// Deadline is one computed deadline and its status.
type Deadline struct {
	Kind   Kind       `json:"kind"`
	At     time.Time  `json:"deadline"`
	Status Status     `json:"status"`
	Frozen *time.Time `json:"frozen_at,omitempty"`
}

// Snapshot is the derived SLA view of a ticket. It is never stored.
type Snapshot struct {
	Response   Deadline `json:"response"`
	Resolution Deadline `json:"resolution"`
	Escalation Deadline `json:"escalation"`
}

// Deadlines returns the three deadlines in a fixed order.
func (s Snapshot) Deadlines() []Deadline {
	return []Deadline{s.Response, s.Resolution, s.Escalation}
}

// Breached returns the deadlines whose status is breached.
func (s Snapshot) Breached() []Deadline {
	var out []Deadline
	for _, d := range s.Deadlines() {
		if d.Status == StatusBreached {
			out = append(out, d)
		}
	}
	return out
}

// Tracker computes SLA snapshots.
type Tracker struct {
	policies     *PolicyTable
	warningRatio float64
}

// NewTracker builds a tracker. A nil table uses the defaults; a ratio outside (0,1) uses DefaultWarningRatio.
func NewTracker(policies *PolicyTable, warningRatio float64) *Tracker {
	if policies == nil {
		policies = DefaultPolicyTable()
	}
	if warningRatio <= 0 || warningRatio >= 1 {
		warningRatio = DefaultWarningRatio
	}
	return &Tracker{policies: policies, warningRatio: warningRatio}
}

// Compute derives all deadlines for in as seen at now.
//
// The response deadline is judged at the first staff response once one exists.
// Resolution and escalation are judged at the first entry into resolved or
// closed while the ticket stays in that set, so they stop moving after resolution.
func (t *Tracker) Compute(in Input, now time.Time) Snapshot {
	targets := t.policies.Lookup(in.Priority, in.Category)

	var terminalAt *time.Time
	if in.Status.Terminal() && in.ResolvedAt != nil {
		terminalAt = in.ResolvedAt
	}

	return Snapshot{
		Response:   t.evaluate(KindResponse, in.CreatedAt, targets.Response, now, in.FirstResponseAt),
		Resolution: t.evaluate(KindResolution, in.CreatedAt, targets.Resolution, now, terminalAt),
		Escalation: t.evaluate(KindEscalation, in.CreatedAt, targets.Escalation, now, terminalAt),
	}
}

func (t *Tracker) evaluate(kind Kind, createdAt time.Time, window time.Duration, now time.Time, frozenAt *time.Time) Deadline {
	deadline := createdAt.Add(window)
	ref := now
	if frozenAt != nil {
		ref = *frozenAt
	}
	return Deadline{
		Kind:   kind,
		At:     deadline,
		Status: t.classify(deadline, window, ref),
		Frozen: frozenAt,
	}
}

func (t *Tracker) classify(deadline time.Time, window time.Duration, ref time.Time) Status {
	if !ref.Before(deadline) {
		return StatusBreached
	}
	lead := time.Duration(math.Round(float64(window) * t.warningRatio))
	if deadline.Sub(ref) <= lead {
		return StatusWarning
	}
	return StatusOK
}

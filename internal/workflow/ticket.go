package workflow

import (
	"strings"
	"time"

	"github.com/spec-kit/ticketflow/internal/domain"
)

var staff = []domain.Role{domain.RoleAgent, domain.RoleAdmin}

// TicketRules is the ticket transition table.
func TicketRules() *Table[domain.TicketStatus] {
	t := NewTable[domain.TicketStatus]()
	t.Allow(Rule{Roles: staff}, domain.TicketStatusOpen, domain.TicketStatusNew)
	t.Allow(Rule{Roles: staff}, domain.TicketStatusInProgress, domain.TicketStatusOpen)
	t.Allow(Rule{Roles: staff}, domain.TicketStatusOpen, domain.TicketStatusInProgress)
	t.Allow(Rule{Roles: staff, RequiresComment: true}, domain.TicketStatusPendingCustomer,
		domain.TicketStatusOpen, domain.TicketStatusInProgress)
	t.Allow(Rule{Roles: staff, RequiresComment: true}, domain.TicketStatusResolved,
		domain.TicketStatusOpen, domain.TicketStatusInProgress)
	t.Allow(Rule{Roles: staff}, domain.TicketStatusClosed, domain.TicketStatusResolved)
	t.Allow(Rule{Roles: staff}, domain.TicketStatusOpen,
		domain.TicketStatusResolved, domain.TicketStatusClosed, domain.TicketStatusPendingCustomer)
	t.Allow(Rule{Roles: staff}, domain.TicketStatusInProgress, domain.TicketStatusPendingCustomer)
	t.Redirect(domain.TicketStatusNew, domain.TicketStatusPendingCustomer, domain.TicketStatusOpen)
	return t
}

// TicketResult is the outcome of an accepted ticket request.
type TicketResult struct {
	Ticket       domain.Ticket
	Steps        []Step[domain.TicketStatus]
	Comment      *domain.Comment
	AutoAssigned bool
}

// Changed reports whether the request moved the ticket's status.
func (r TicketResult) Changed() bool { return len(r.Steps) > 0 }

// TicketEngine evaluates ticket requests against TicketRules.
type TicketEngine struct {
	table *Table[domain.TicketStatus]
}

// NewTicketEngine returns an engine over the standard rules.
func NewTicketEngine() *TicketEngine {
	return &TicketEngine{table: TicketRules()}
}

// Transition evaluates a state change request. On rejection the input ticket
// is untouched and the error is a *Rejection.
func (e *TicketEngine) Transition(t domain.Ticket, actor domain.Actor, target domain.TicketStatus, comment string, now time.Time) (TicketResult, error) {
	if !target.Valid() {
		return TicketResult{}, reject(ReasonInvalidTransition, t.Status, target)
	}
	steps, err := e.table.Plan(t.Status, target, actor.Role, comment)
	if err != nil {
		return TicketResult{}, err
	}
	// Requesters and viewers never change state, whatever the table says.
	if !actor.Role.IsStaff() {
		return TicketResult{}, reject(ReasonRoleForbidden, t.Status, target)
	}

	next := t.Clone()
	res := TicketResult{Steps: steps}
	for _, step := range steps {
		if applyTicketStep(&next, step, actor, now) {
			res.AutoAssigned = true
		}
	}
	markFirstResponse(&next, actor, now)
	if body := strings.TrimSpace(comment); body != "" {
		c := appendComment(&next.Comments, actor, body, now)
		res.Comment = &c
	}
	next.UpdatedAt = now
	res.Ticket = next
	return res, nil
}

// Comment appends a human comment. A staff comment on a new or open ticket
// also moves it to in_progress; a new ticket passes through open, so each
// hop is a declared edge and a recorded step.
func (e *TicketEngine) Comment(t domain.Ticket, actor domain.Actor, body string, now time.Time) (TicketResult, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return TicketResult{}, &Rejection{Reason: ReasonCommentRequired}
	}
	if !actor.Role.Valid() {
		return TicketResult{}, &Rejection{Reason: ReasonRoleForbidden}
	}

	next := t.Clone()
	var res TicketResult
	if actor.Role.IsStaff() && (t.Status == domain.TicketStatusNew || t.Status == domain.TicketStatusOpen) {
		steps, err := e.progressPath(t.Status, actor.Role, body)
		if err != nil {
			return TicketResult{}, err
		}
		for _, step := range steps {
			if applyTicketStep(&next, step, actor, now) {
				res.AutoAssigned = true
			}
		}
		res.Steps = steps
	}
	markFirstResponse(&next, actor, now)
	c := appendComment(&next.Comments, actor, body, now)
	res.Comment = &c
	next.UpdatedAt = now
	res.Ticket = next
	return res, nil
}

// progressPath plans from -> in_progress through the rules table, hopping
// via open when the ticket is still new.
func (e *TicketEngine) progressPath(from domain.TicketStatus, role domain.Role, comment string) ([]Step[domain.TicketStatus], error) {
	var path []Step[domain.TicketStatus]
	if from == domain.TicketStatusNew {
		steps, err := e.table.Plan(from, domain.TicketStatusOpen, role, comment)
		if err != nil {
			return nil, err
		}
		path = append(path, steps...)
		from = domain.TicketStatusOpen
	}
	steps, err := e.table.Plan(from, domain.TicketStatusInProgress, role, comment)
	if err != nil {
		return nil, err
	}
	return append(path, steps...), nil
}

// applyTicketStep moves t along step and reports whether the actor was auto-assigned.
func applyTicketStep(t *domain.Ticket, step Step[domain.TicketStatus], actor domain.Actor, now time.Time) bool {
	t.Status = step.To
	if step.To.Terminal() {
		if t.ResolvedAt == nil {
			ts := now
			t.ResolvedAt = &ts
		}
	} else {
		t.ResolvedAt = nil
	}
	if step.To == domain.TicketStatusInProgress && t.AssigneeID == nil && actor.ID != "" {
		id := actor.ID
		t.AssigneeID = &id
		return true
	}
	return false
}

func markFirstResponse(t *domain.Ticket, actor domain.Actor, now time.Time) {
	if t.FirstResponseAt == nil && actor.Role.IsStaff() {
		ts := now
		t.FirstResponseAt = &ts
	}
}

func appendComment(history *[]domain.Comment, actor domain.Actor, body string, now time.Time) domain.Comment {
	c := domain.Comment{
		AuthorID:   actor.ID,
		AuthorRole: actor.Role,
		Body:       body,
		CreatedAt:  now,
	}
	*history = append(*history, c)
	return c
}

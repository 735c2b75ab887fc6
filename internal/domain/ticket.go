package domain

import (
	"slices"
	"time"
)

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusNew             TicketStatus = "new"
	TicketStatusOpen            TicketStatus = "open"
	TicketStatusInProgress      TicketStatus = "in_progress"
	TicketStatusPendingCustomer TicketStatus = "pending_customer"
	TicketStatusResolved        TicketStatus = "resolved"
	TicketStatusClosed          TicketStatus = "closed"
)

// Valid reports whether s is a declared ticket status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusNew, TicketStatusOpen, TicketStatusInProgress,
		TicketStatusPendingCustomer, TicketStatusResolved, TicketStatusClosed:
		return true
	}
	return false
}

// Terminal reports whether the ticket no longer accrues SLA time.
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusResolved || s == TicketStatusClosed
}

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	TicketPriorityLow      TicketPriority = "low"
	TicketPriorityNormal   TicketPriority = "normal"
	TicketPriorityHigh     TicketPriority = "high"
	TicketPriorityUrgent   TicketPriority = "urgent"
	TicketPriorityCritical TicketPriority = "critical"
)

// Valid reports whether p is a declared priority.
func (p TicketPriority) Valid() bool {
	switch p {
	case TicketPriorityLow, TicketPriorityNormal, TicketPriorityHigh,
		TicketPriorityUrgent, TicketPriorityCritical:
		return true
	}
	return false
}

// Ticket is the aggregate for support requests.
type Ticket struct {
	ID              int64
	TenantID        string
	Number          string
	Title           string
	Description     string
	Status          TicketStatus
	Priority        TicketPriority
	Category        string
	RequesterID     string
	AssigneeID      *string
	Comments        []Comment
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FirstResponseAt *time.Time
	// ResolvedAt is the first entry into the terminal set; cleared on reopen.
	ResolvedAt *time.Time
	// BreachNotified lists SLA deadline kinds already announced.
	BreachNotified []string
	Version        int64
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (t Ticket) Clone() Ticket {
	out := t
	out.AssigneeID = clonePtr(t.AssigneeID)
	out.FirstResponseAt = clonePtr(t.FirstResponseAt)
	out.ResolvedAt = clonePtr(t.ResolvedAt)
	out.Comments = slices.Clone(t.Comments)
	out.BreachNotified = slices.Clone(t.BreachNotified)
	return out
}

// BreachAnnounced reports whether a breach of the given deadline kind was published.
func (t Ticket) BreachAnnounced(kind string) bool {
	return slices.Contains(t.BreachNotified, kind)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

package domain

import (
	"slices"
	"time"
)

// ServiceOrderStatus enumerates lifecycle states for service orders.
type ServiceOrderStatus string

const (
	ServiceOrderDraft      ServiceOrderStatus = "draft"
	ServiceOrderScheduled  ServiceOrderStatus = "scheduled"
	ServiceOrderInProgress ServiceOrderStatus = "in_progress"
	ServiceOrderOnHold     ServiceOrderStatus = "on_hold"
	ServiceOrderCompleted  ServiceOrderStatus = "completed"
	ServiceOrderCancelled  ServiceOrderStatus = "cancelled"
	ServiceOrderInvoiced   ServiceOrderStatus = "invoiced"
	ServiceOrderClosed     ServiceOrderStatus = "closed"
)

// Valid reports whether s is a declared service order status.
func (s ServiceOrderStatus) Valid() bool {
	switch s {
	case ServiceOrderDraft, ServiceOrderScheduled, ServiceOrderInProgress, ServiceOrderOnHold,
		ServiceOrderCompleted, ServiceOrderCancelled, ServiceOrderInvoiced, ServiceOrderClosed:
		return true
	}
	return false
}

// AcceptsActivities reports whether work can still be logged against the order.
func (s ServiceOrderStatus) AcceptsActivities() bool {
	switch s {
	case ServiceOrderCancelled, ServiceOrderInvoiced, ServiceOrderClosed:
		return false
	}
	return true
}

// ActivityType classifies logged work.
type ActivityType string

const (
	ActivityDiagnostic    ActivityType = "diagnostic"
	ActivityRepair        ActivityType = "repair"
	ActivityInstallation  ActivityType = "installation"
	ActivityTesting       ActivityType = "testing"
	ActivityDocumentation ActivityType = "documentation"
	ActivityTravel        ActivityType = "travel"
	ActivityWaiting       ActivityType = "waiting"
	ActivityTraining      ActivityType = "training"
	ActivityConsultation  ActivityType = "consultation"
	ActivityOther         ActivityType = "other"
)

// Valid reports whether t is a declared activity type.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityDiagnostic, ActivityRepair, ActivityInstallation, ActivityTesting,
		ActivityDocumentation, ActivityTravel, ActivityWaiting, ActivityTraining,
		ActivityConsultation, ActivityOther:
		return true
	}
	return false
}

// MaxActivityMinutes bounds a single activity entry to one day.
const MaxActivityMinutes = 24 * 60

// Activity is a unit of work logged against a service order.
type Activity struct {
	Type        ActivityType `json:"type"`
	Description string       `json:"description"`
	Minutes     int          `json:"minutes"`
	Billable    bool         `json:"billable"`
	ActorID     string       `json:"actor_id"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ServiceOrder is field work derived from, or later linked to, a ticket.
type ServiceOrder struct {
	ID               int64
	TenantID         string
	Number           string
	TicketID         *int64
	Description      string
	Status           ServiceOrderStatus
	Activities       []Activity
	Comments         []Comment
	EstimatedMinutes int
	ActualMinutes    int
	BillableMinutes  int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int64
}

// Clone returns a deep copy of the order.
func (o ServiceOrder) Clone() ServiceOrder {
	out := o
	out.TicketID = clonePtr(o.TicketID)
	out.StartedAt = clonePtr(o.StartedAt)
	out.CompletedAt = clonePtr(o.CompletedAt)
	out.Activities = slices.Clone(o.Activities)
	out.Comments = slices.Clone(o.Comments)
	return out
}

package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticketflow/internal/domain"
)

// EventType enumerates outbox event identifiers.
type EventType string

const (
	EventTicketCreated       EventType = "ticket.created"
	EventTicketStatusChanged EventType = "ticket.status_changed"
	EventTicketCommented     EventType = "ticket.commented"
	EventTicketSLABreached   EventType = "ticket.sla_breached"

	EventServiceOrderCreated       EventType = "service_order.created"
	EventServiceOrderStatusChanged EventType = "service_order.status_changed"
	EventServiceOrderActivityAdded EventType = "service_order.activity_added"
	EventServiceOrderLinked        EventType = "service_order.linked"
)

// Actor encapsulates actor metadata for an event.
type Actor struct {
	ID   string      `json:"id"`
	Role domain.Role `json:"role"`
}

// ActorOf converts a domain actor.
func ActorOf(a domain.Actor) Actor {
	return Actor{ID: a.ID, Role: a.Role}
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	TicketID    int64                 `json:"ticket_id"`
	Number      string                `json:"number"`
	Title       string                `json:"title"`
	Priority    domain.TicketPriority `json:"priority"`
	Category    string                `json:"category,omitempty"`
	RequesterID string                `json:"requester_id"`
	Actor       Actor                 `json:"actor"`
	OccurredAt  time.Time             `json:"occurred_at"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	TicketID   int64               `json:"ticket_id"`
	Number     string              `json:"number"`
	OldStatus  domain.TicketStatus `json:"old_status"`
	NewStatus  domain.TicketStatus `json:"new_status"`
	AssigneeID *string             `json:"assignee_id,omitempty"`
	Comment    string              `json:"comment,omitempty"`
	Actor      Actor               `json:"actor"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// TicketCommentedPayload payload.
type TicketCommentedPayload struct {
	TicketID    int64               `json:"ticket_id"`
	Number      string              `json:"number"`
	Status      domain.TicketStatus `json:"status"`
	BodyPreview string              `json:"body_preview"`
	Actor       Actor               `json:"actor"`
	OccurredAt  time.Time           `json:"occurred_at"`
}

// TicketSLABreachedPayload payload.
type TicketSLABreachedPayload struct {
	TicketID   int64                 `json:"ticket_id"`
	Number     string                `json:"number"`
	Kind       string                `json:"kind"`
	Deadline   time.Time             `json:"deadline"`
	Priority   domain.TicketPriority `json:"priority"`
	Status     domain.TicketStatus   `json:"status"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// ServiceOrderCreatedPayload payload.
type ServiceOrderCreatedPayload struct {
	OrderID          int64     `json:"order_id"`
	Number           string    `json:"number"`
	TicketID         *int64    `json:"ticket_id,omitempty"`
	EstimatedMinutes int       `json:"estimated_minutes"`
	Actor            Actor     `json:"actor"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// ServiceOrderStatusChangedPayload payload.
type ServiceOrderStatusChangedPayload struct {
	OrderID    int64                     `json:"order_id"`
	Number     string                    `json:"number"`
	OldStatus  domain.ServiceOrderStatus `json:"old_status"`
	NewStatus  domain.ServiceOrderStatus `json:"new_status"`
	Comment    string                    `json:"comment,omitempty"`
	Actor      Actor                     `json:"actor"`
	OccurredAt time.Time                 `json:"occurred_at"`
}

// ServiceOrderActivityAddedPayload payload.
type ServiceOrderActivityAddedPayload struct {
	OrderID       int64               `json:"order_id"`
	Number        string              `json:"number"`
	ActivityType  domain.ActivityType `json:"activity_type"`
	Minutes       int                 `json:"minutes"`
	Billable      bool                `json:"billable"`
	ActualMinutes int                 `json:"actual_minutes"`
	Actor         Actor               `json:"actor"`
	OccurredAt    time.Time           `json:"occurred_at"`
}

// ServiceOrderLinkedPayload payload.
type ServiceOrderLinkedPayload struct {
	OrderID    int64     `json:"order_id"`
	Number     string    `json:"number"`
	TicketID   int64     `json:"ticket_id"`
	Actor      Actor     `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New builds an unsaved outbox event. The store assigns the sequence number.
func New(tenantID string, eventType EventType, aggregateType string, aggregateID int64, payload any, at time.Time) (domain.OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return domain.OutboxEvent{
		EventID:       uuid.NewString(),
		TenantID:      tenantID,
		EventType:     string(eventType),
		AggregateType: aggregateType,
		AggregateID:   strconv.FormatInt(aggregateID, 10),
		Payload:       raw,
		CreatedAt:     at,
		DispatchState: domain.DispatchPending,
		AvailableAt:   at,
	}, nil
}

// Preview trims a comment body for event payloads.
func Preview(body string, max int) string {
	r := []rune(body)
	if len(r) <= max {
		return body
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

package domain

import (
	"encoding/json"
	"time"
)

// DispatchState tracks an outbox event's progress toward subscribers.
type DispatchState string

const (
	DispatchPending        DispatchState = "pending"
	DispatchDispatched     DispatchState = "dispatched"
	DispatchFailedTerminal DispatchState = "failed_terminal"
)

// Aggregate type tags recorded on outbox events.
const (
	AggregateTicket       = "ticket"
	AggregateServiceOrder = "service_order"
)

// OutboxEvent is a durable domain event written with the change that caused it.
// Type and payload never change after the write; only dispatch bookkeeping does.
type OutboxEvent struct {
	ID            int64
	EventID       string
	TenantID      string
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       json.RawMessage
	CreatedAt     time.Time
	DispatchState DispatchState
	ClaimedBy     string
	LeaseUntil    *time.Time
	AvailableAt   time.Time
	Failures      int
	LastError     string
	DispatchedAt  *time.Time
}

package repository

import (
	"context"
	"time"

	"github.com/spec-kit/ticketflow/internal/domain"
)

// TxManager runs fn in a single atomic unit of work. Repositories called with
// the ctx passed to fn participate in that unit of work.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TicketRepository encapsulates ticket persistence.
type TicketRepository interface {
	// Create assigns ID, Number and Version=1.
	Create(ctx context.Context, ticket *domain.Ticket) error
	Get(ctx context.Context, id int64) (*domain.Ticket, error)
	// Update writes ticket when the stored version equals expectedVersion and
	// bumps ticket.Version; otherwise it returns domain.ErrVersionConflict.
	Update(ctx context.Context, ticket *domain.Ticket, expectedVersion int64) error
	// ListActive pages through non-terminal tickets by ascending ID.
	ListActive(ctx context.Context, afterID int64, limit int) ([]domain.Ticket, error)
}

// ServiceOrderRepository encapsulates service order persistence.
type ServiceOrderRepository interface {
	// Create assigns ID, Number (OS-{tenant}-{year}-{seq}) and Version=1.
	Create(ctx context.Context, order *domain.ServiceOrder) error
	Get(ctx context.Context, id int64) (*domain.ServiceOrder, error)
	Update(ctx context.Context, order *domain.ServiceOrder, expectedVersion int64) error
}

// ClaimRequest parameterises an outbox claim.
type ClaimRequest struct {
	WorkerID string
	Limit    int
	Now      time.Time
	LeaseTTL time.Duration
}

// OutboxRepository is the durable event log and the dispatcher's work queue.
type OutboxRepository interface {
	// Append assigns sequence IDs in order. It must run inside the unit of
	// work that mutated the aggregate.
	Append(ctx context.Context, events ...*domain.OutboxEvent) error
	Get(ctx context.Context, id int64) (*domain.OutboxEvent, error)
	// ClaimBatch leases up to Limit pending, available events that are
	// unclaimed or whose lease expired, in sequence order.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]domain.OutboxEvent, error)
	// MarkDispatched completes an event held by workerID.
	MarkDispatched(ctx context.Context, id int64, workerID string, at time.Time) error
	// Release drops workerID's lease and defers the event until availableAt.
	Release(ctx context.Context, id int64, workerID string, availableAt time.Time) error
	// RecordFailure counts a processing failure; at maxFailures the event
	// becomes failed_terminal. It reports whether that happened.
	RecordFailure(ctx context.Context, id int64, workerID, reason string, maxFailures int, availableAt time.Time) (bool, error)
	// ExtendLease pushes the lease of every listed event still held by
	// workerID out to until, and returns the ids it extended.
	ExtendLease(ctx context.Context, ids []int64, workerID string, until time.Time) ([]int64, error)
	// ReleaseAll drops every lease held by workerID.
	ReleaseAll(ctx context.Context, workerID string) (int64, error)
	ListByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]domain.OutboxEvent, error)
}

// DeliveryRepository tracks per (event, endpoint) delivery state.
type DeliveryRepository interface {
	// Ensure returns the delivery for the pair, creating it if absent.
	// Concurrent callers converge on one row.
	Ensure(ctx context.Context, eventID int64, endpointID string, now time.Time) (*domain.WebhookDelivery, error)
	ListByEvent(ctx context.Context, eventID int64) ([]domain.WebhookDelivery, error)
	// RecordAttempt persists the outcome of an attempt. The stored row must
	// still be pending with attempt_count equal to prevAttempts, otherwise
	// ErrConflict is returned and nothing is written.
	RecordAttempt(ctx context.Context, delivery *domain.WebhookDelivery, prevAttempts int) error
	Stats(ctx context.Context, endpointID string) (domain.DeliveryStats, error)
}

// EndpointRepository is the webhook endpoint registry.
type EndpointRepository interface {
	Create(ctx context.Context, endpoint *domain.WebhookEndpoint) error
	Get(ctx context.Context, id string) (*domain.WebhookEndpoint, error)
	ListByTenant(ctx context.Context, tenantID string) ([]domain.WebhookEndpoint, error)
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
	// ListActive returns active endpoints in tenantID whose filter matches eventType.
	ListActive(ctx context.Context, tenantID, eventType string) ([]domain.WebhookEndpoint, error)
}

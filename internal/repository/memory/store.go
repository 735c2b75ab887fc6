// Package memory is an in-process implementation of the repository ports with
// the same atomicity, versioning and lease semantics as the Postgres store.
// It backs unit tests and single-node development runs.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/repository"
)

type pairKey struct {
	eventID    int64
	endpointID string
}

type orderCounterKey struct {
	tenantID string
	year     int
}

type state struct {
	tickets        map[int64]domain.Ticket
	orders         map[int64]domain.ServiceOrder
	outbox         []domain.OutboxEvent
	deliveries     map[string]domain.WebhookDelivery
	deliveryByPair map[pairKey]string
	endpoints      map[string]domain.WebhookEndpoint
	ticketSeq      int64
	orderSeq       int64
	ticketCounters map[string]int64
	orderCounters  map[orderCounterKey]int64
}

func newState() *state {
	return &state{
		tickets:        make(map[int64]domain.Ticket),
		orders:         make(map[int64]domain.ServiceOrder),
		deliveries:     make(map[string]domain.WebhookDelivery),
		deliveryByPair: make(map[pairKey]string),
		endpoints:      make(map[string]domain.WebhookEndpoint),
		ticketCounters: make(map[string]int64),
		orderCounters:  make(map[orderCounterKey]int64),
	}
}

// clone copies the maps; stored values are replaced, never mutated in place,
// so a shallow copy of each map is enough for rollback.
func (s *state) clone() *state {
	return &state{
		tickets:        maps.Clone(s.tickets),
		orders:         maps.Clone(s.orders),
		outbox:         slices.Clone(s.outbox),
		deliveries:     maps.Clone(s.deliveries),
		deliveryByPair: maps.Clone(s.deliveryByPair),
		endpoints:      maps.Clone(s.endpoints),
		ticketSeq:      s.ticketSeq,
		orderSeq:       s.orderSeq,
		ticketCounters: maps.Clone(s.ticketCounters),
		orderCounters:  maps.Clone(s.orderCounters),
	}
}

type txKey struct{}

// Store holds all in-memory state behind one mutex.
type Store struct {
	mu sync.Mutex
	st *state
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{st: newState()}
}

// WithinTx runs fn against a private copy of the state and publishes it only
// if fn succeeds. Nested calls join the outer unit of work.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*state); ok {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, work)); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) do(ctx context.Context, fn func(st *state) error) error {
	if st, ok := ctx.Value(txKey{}).(*state); ok {
		return fn(st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// Tickets returns the ticket repository view.
func (s *Store) Tickets() repository.TicketRepository { return ticketRepo{s} }

// ServiceOrders returns the service order repository view.
func (s *Store) ServiceOrders() repository.ServiceOrderRepository { return orderRepo{s} }

// Outbox returns the outbox repository view.
func (s *Store) Outbox() repository.OutboxRepository { return outboxRepo{s} }

// Deliveries returns the delivery repository view.
func (s *Store) Deliveries() repository.DeliveryRepository { return deliveryRepo{s} }

// Endpoints returns the endpoint registry view.
func (s *Store) Endpoints() repository.EndpointRepository { return endpointRepo{s} }

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticketflow/internal/clock"
	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/events"
	"github.com/spec-kit/ticketflow/internal/observability"
	"github.com/spec-kit/ticketflow/internal/repository"
	"github.com/spec-kit/ticketflow/internal/workflow"
)

// ServiceOrderService coordinates service order workflows.
type ServiceOrderService struct {
	tx       repository.TxManager
	orders   repository.ServiceOrderRepository
	tickets  repository.TicketRepository
	outbox   repository.OutboxRepository
	engine   *workflow.ServiceOrderEngine
	clock    clock.Clock
	notifier events.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// ServiceOrderDependencies bundles collaborators for service order service.
type ServiceOrderDependencies struct {
	TxManager        repository.TxManager
	ServiceOrderRepo repository.ServiceOrderRepository
	TicketRepo       repository.TicketRepository
	OutboxRepo       repository.OutboxRepository
	Clock            clock.Clock
	Notifier         events.Notifier
	Metrics          *observability.Metrics
	Logger           *zap.Logger
}

// ServiceOrderCreateInput describes service order creation payload.
type ServiceOrderCreateInput struct {
	TicketID         *int64
	Description      string
	EstimatedMinutes int
}

// NewServiceOrderService constructs the service.
func NewServiceOrderService(deps ServiceOrderDependencies) *ServiceOrderService {
	s := &ServiceOrderService{
		tx:       deps.TxManager,
		orders:   deps.ServiceOrderRepo,
		tickets:  deps.TicketRepo,
		outbox:   deps.OutboxRepo,
		engine:   workflow.NewServiceOrderEngine(),
		clock:    deps.Clock,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.notifier == nil {
		s.notifier = events.NoopNotifier()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("service_orders")
	return s
}

// CreateServiceOrder opens an order in draft, optionally linked to a ticket.
func (s *ServiceOrderService) CreateServiceOrder(ctx context.Context, actor domain.Actor, input ServiceOrderCreateInput) (*domain.ServiceOrder, error) {
	if !actor.Role.IsStaff() {
		return nil, &workflow.Rejection{Reason: workflow.ReasonRoleForbidden}
	}
	if input.EstimatedMinutes < 0 {
		return nil, fmt.Errorf("%w: estimated minutes must not be negative", domain.ErrValidation)
	}

	now := s.clock.Now()
	order := &domain.ServiceOrder{
		TenantID:         actor.TenantID,
		TicketID:         input.TicketID,
		Description:      strings.TrimSpace(input.Description),
		Status:           domain.ServiceOrderDraft,
		EstimatedMinutes: input.EstimatedMinutes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if order.TicketID != nil {
			if err := s.checkTicket(ctx, actor, *order.TicketID); err != nil {
				return err
			}
		}
		if err := s.orders.Create(ctx, order); err != nil {
			return fmt.Errorf("create service order: %w", err)
		}
		event, err := events.New(order.TenantID, events.EventServiceOrderCreated, domain.AggregateServiceOrder, order.ID, events.ServiceOrderCreatedPayload{
			OrderID:          order.ID,
			Number:           order.Number,
			TicketID:         order.TicketID,
			EstimatedMinutes: order.EstimatedMinutes,
			Actor:            events.ActorOf(actor),
			OccurredAt:       now,
		}, now)
		if err != nil {
			return err
		}
		return s.outbox.Append(ctx, &event)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(domain.AggregateServiceOrder, "created")
	s.notify(ctx)
	return order, nil
}

// GetServiceOrder loads an order visible to actor.
func (s *ServiceOrderService) GetServiceOrder(ctx context.Context, actor domain.Actor, id int64) (*domain.ServiceOrder, error) {
	return s.load(ctx, actor, id)
}

// RequestTransition moves an order toward target.
func (s *ServiceOrderService) RequestTransition(ctx context.Context, actor domain.Actor, id int64, target domain.ServiceOrderStatus, comment string) (*domain.ServiceOrder, error) {
	return s.mutate(ctx, actor, id, "service order transition", func(current domain.ServiceOrder, now time.Time) (domain.ServiceOrder, domain.OutboxEvent, error) {
		res, err := s.engine.Transition(current, actor, target, comment, now)
		if err != nil {
			return domain.ServiceOrder{}, domain.OutboxEvent{}, s.rejected(err)
		}
		payload := events.ServiceOrderStatusChangedPayload{
			OrderID:    current.ID,
			Number:     current.Number,
			OldStatus:  res.Step.From,
			NewStatus:  res.Step.To,
			Actor:      events.ActorOf(actor),
			OccurredAt: now,
		}
		if res.Comment != nil {
			payload.Comment = res.Comment.Body
		}
		event, err := events.New(current.TenantID, events.EventServiceOrderStatusChanged, domain.AggregateServiceOrder, current.ID, payload, now)
		return res.Order, event, err
	})
}

// AddActivity logs work against an order.
func (s *ServiceOrderService) AddActivity(ctx context.Context, actor domain.Actor, id int64, input workflow.ActivityInput) (*domain.ServiceOrder, error) {
	return s.mutate(ctx, actor, id, "service order activity", func(current domain.ServiceOrder, now time.Time) (domain.ServiceOrder, domain.OutboxEvent, error) {
		next, act, err := s.engine.AddActivity(current, actor, input, now)
		if err != nil {
			return domain.ServiceOrder{}, domain.OutboxEvent{}, s.rejected(err)
		}
		event, err := events.New(current.TenantID, events.EventServiceOrderActivityAdded, domain.AggregateServiceOrder, current.ID, events.ServiceOrderActivityAddedPayload{
			OrderID:       current.ID,
			Number:        current.Number,
			ActivityType:  act.Type,
			Minutes:       act.Minutes,
			Billable:      act.Billable,
			ActualMinutes: next.ActualMinutes,
			Actor:         events.ActorOf(actor),
			OccurredAt:    now,
		}, now)
		return next, event, err
	})
}

// LinkTicket attaches a standalone order to a ticket. An order is linked at most once.
func (s *ServiceOrderService) LinkTicket(ctx context.Context, actor domain.Actor, id, ticketID int64) (*domain.ServiceOrder, error) {
	if !actor.Role.IsStaff() {
		return nil, &workflow.Rejection{Reason: workflow.ReasonRoleForbidden}
	}
	if err := s.checkTicket(ctx, actor, ticketID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, id, "service order link", func(current domain.ServiceOrder, now time.Time) (domain.ServiceOrder, domain.OutboxEvent, error) {
		if current.TicketID != nil {
			return domain.ServiceOrder{}, domain.OutboxEvent{}, fmt.Errorf("%w: service order already linked to ticket %d", domain.ErrConflict, *current.TicketID)
		}
		next := current.Clone()
		next.TicketID = &ticketID
		next.UpdatedAt = now
		event, err := events.New(current.TenantID, events.EventServiceOrderLinked, domain.AggregateServiceOrder, current.ID, events.ServiceOrderLinkedPayload{
			OrderID:    current.ID,
			Number:     current.Number,
			TicketID:   ticketID,
			Actor:      events.ActorOf(actor),
			OccurredAt: now,
		}, now)
		return next, event, err
	})
}

type orderMutation func(current domain.ServiceOrder, now time.Time) (domain.ServiceOrder, domain.OutboxEvent, error)

// mutate runs the load, decide, conditional write cycle with conflict retries.
func (s *ServiceOrderService) mutate(ctx context.Context, actor domain.Actor, id int64, op string, decide orderMutation) (*domain.ServiceOrder, error) {
	var out *domain.ServiceOrder
	onConflict := func(attempt int) {
		s.metrics.RecordVersionConflict(domain.AggregateServiceOrder)
		s.logger.Info("version conflict, re-evaluating", zap.Int64("order_id", id), zap.Int("attempt", attempt))
	}
	err := withConflictRetry(op, onConflict, func() error {
		current, err := s.load(ctx, actor, id)
		if err != nil {
			return err
		}
		next, event, err := decide(*current, s.clock.Now())
		if err != nil {
			return err
		}
		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := s.orders.Update(ctx, &next, current.Version); err != nil {
				if errors.Is(err, domain.ErrVersionConflict) {
					return err
				}
				return fmt.Errorf("update service order: %w", err)
			}
			if err := s.outbox.Append(ctx, &event); err != nil {
				return fmt.Errorf("append outbox: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(domain.AggregateServiceOrder, "accepted")
	s.notify(ctx)
	return out, nil
}

func (s *ServiceOrderService) load(ctx context.Context, actor domain.Actor, id int64) (*domain.ServiceOrder, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.TenantID != actor.TenantID {
		return nil, domain.ErrNotFound
	}
	return order, nil
}

func (s *ServiceOrderService) checkTicket(ctx context.Context, actor domain.Actor, ticketID int64) error {
	ticket, err := s.tickets.Get(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("ticket %d: %w", ticketID, err)
	}
	if ticket.TenantID != actor.TenantID {
		return fmt.Errorf("ticket %d: %w", ticketID, domain.ErrNotFound)
	}
	return nil
}

func (s *ServiceOrderService) rejected(err error) error {
	var rejection *workflow.Rejection
	if errors.As(err, &rejection) {
		s.metrics.RecordTransition(domain.AggregateServiceOrder, string(rejection.Reason))
		s.logger.Debug("request rejected", zap.String("reason", string(rejection.Reason)),
			zap.String("from", rejection.From), zap.String("to", rejection.To))
	}
	return err
}

func (s *ServiceOrderService) notify(ctx context.Context) {
	if err := s.notifier.Notify(ctx); err != nil {
		s.logger.Warn("dispatcher wakeup failed", zap.Error(err))
	}
}

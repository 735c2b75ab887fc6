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
	"github.com/spec-kit/ticketflow/internal/sla"
	"github.com/spec-kit/ticketflow/internal/workflow"
)

const commentPreviewLength = 140

// TicketService coordinates ticket workflows.
type TicketService struct {
	tx       repository.TxManager
	tickets  repository.TicketRepository
	outbox   repository.OutboxRepository
	engine   *workflow.TicketEngine
	tracker  *sla.Tracker
	clock    clock.Clock
	notifier events.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// TicketDependencies bundles collaborators for ticket service.
type TicketDependencies struct {
	TxManager  repository.TxManager
	TicketRepo repository.TicketRepository
	OutboxRepo repository.OutboxRepository
	Tracker    *sla.Tracker
	Clock      clock.Clock
	Notifier   events.Notifier
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// TicketCreateInput describes ticket creation payload.
type TicketCreateInput struct {
	Title       string
	Description string
	Priority    domain.TicketPriority
	Category    string
	// RequesterID lets staff file a ticket on behalf of someone else.
	RequesterID string
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	s := &TicketService{
		tx:       deps.TxManager,
		tickets:  deps.TicketRepo,
		outbox:   deps.OutboxRepo,
		engine:   workflow.NewTicketEngine(),
		tracker:  deps.Tracker,
		clock:    deps.Clock,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
	if s.tracker == nil {
		s.tracker = sla.NewTracker(nil, sla.DefaultWarningRatio)
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
	s.logger = s.logger.Named("tickets")
	return s
}

// CreateTicket opens a ticket in the new state.
func (s *TicketService) CreateTicket(ctx context.Context, actor domain.Actor, input TicketCreateInput) (*domain.Ticket, error) {
	if actor.Role == domain.RoleViewer || !actor.Role.Valid() {
		return nil, &workflow.Rejection{Reason: workflow.ReasonRoleForbidden}
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title required", domain.ErrValidation)
	}
	priority := input.Priority
	if priority == "" {
		priority = domain.TicketPriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", domain.ErrValidation, priority)
	}
	requester := actor.ID
	if actor.Role.IsStaff() && strings.TrimSpace(input.RequesterID) != "" {
		requester = strings.TrimSpace(input.RequesterID)
	}

	now := s.clock.Now()
	ticket := &domain.Ticket{
		TenantID:    actor.TenantID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      domain.TicketStatusNew,
		Priority:    priority,
		Category:    strings.TrimSpace(input.Category),
		RequesterID: requester,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.tickets.Create(ctx, ticket); err != nil {
			return fmt.Errorf("create ticket: %w", err)
		}
		event, err := events.New(ticket.TenantID, events.EventTicketCreated, domain.AggregateTicket, ticket.ID, events.TicketCreatedPayload{
			TicketID:    ticket.ID,
			Number:      ticket.Number,
			Title:       ticket.Title,
			Priority:    ticket.Priority,
			Category:    ticket.Category,
			RequesterID: ticket.RequesterID,
			Actor:       events.ActorOf(actor),
			OccurredAt:  now,
		}, now)
		if err != nil {
			return err
		}
		return s.outbox.Append(ctx, &event)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition(domain.AggregateTicket, "created")
	s.notify(ctx)
	return ticket, nil
}

// GetTicket loads a ticket visible to actor.
func (s *TicketService) GetTicket(ctx context.Context, actor domain.Actor, id int64) (*domain.Ticket, error) {
	return s.load(ctx, actor, id)
}

// RequestTransition moves a ticket toward target. A lost version race is
// retried against fresh state; the decision is never reapplied blindly.
func (s *TicketService) RequestTransition(ctx context.Context, actor domain.Actor, id int64, target domain.TicketStatus, comment string) (*domain.Ticket, error) {
	var out *domain.Ticket
	err := withConflictRetry("ticket transition", s.onConflict(id), func() error {
		current, err := s.load(ctx, actor, id)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		res, err := s.engine.Transition(*current, actor, target, comment, now)
		if err != nil {
			return s.rejected(err)
		}
		pending, err := statusChangedEvents(*current, res, actor, now)
		if err != nil {
			return err
		}
		next := res.Ticket
		if err := s.save(ctx, &next, current.Version, pending); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(domain.AggregateTicket, "accepted")
	s.notify(ctx)
	return out, nil
}

// AddComment appends a comment. Staff comments on new or open tickets move
// them to in_progress in the same write.
func (s *TicketService) AddComment(ctx context.Context, actor domain.Actor, id int64, body string) (*domain.Ticket, error) {
	var out *domain.Ticket
	err := withConflictRetry("ticket comment", s.onConflict(id), func() error {
		current, err := s.load(ctx, actor, id)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		res, err := s.engine.Comment(*current, actor, body, now)
		if err != nil {
			return s.rejected(err)
		}

		var pending []domain.OutboxEvent
		if res.Changed() {
			pending, err = statusChangedEvents(*current, res, actor, now)
		} else {
			var event domain.OutboxEvent
			event, err = events.New(current.TenantID, events.EventTicketCommented, domain.AggregateTicket, current.ID, events.TicketCommentedPayload{
				TicketID:    current.ID,
				Number:      current.Number,
				Status:      res.Ticket.Status,
				BodyPreview: events.Preview(res.Comment.Body, commentPreviewLength),
				Actor:       events.ActorOf(actor),
				OccurredAt:  now,
			}, now)
			pending = []domain.OutboxEvent{event}
		}
		if err != nil {
			return err
		}

		next := res.Ticket
		if err := s.save(ctx, &next, current.Version, pending); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(domain.AggregateTicket, "commented")
	s.notify(ctx)
	return out, nil
}

// GetSLASnapshot computes the ticket's deadlines at the current time.
func (s *TicketService) GetSLASnapshot(ctx context.Context, actor domain.Actor, id int64) (sla.Snapshot, error) {
	ticket, err := s.load(ctx, actor, id)
	if err != nil {
		return sla.Snapshot{}, err
	}
	return s.tracker.Compute(sla.InputFromTicket(*ticket), s.clock.Now()), nil
}

// save writes the ticket and its events as one unit of work.
func (s *TicketService) save(ctx context.Context, ticket *domain.Ticket, expectedVersion int64, pending []domain.OutboxEvent) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.tickets.Update(ctx, ticket, expectedVersion); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				return err
			}
			return fmt.Errorf("update ticket: %w", err)
		}
		batch := make([]*domain.OutboxEvent, len(pending))
		for i := range pending {
			batch[i] = &pending[i]
		}
		if err := s.outbox.Append(ctx, batch...); err != nil {
			return fmt.Errorf("append outbox: %w", err)
		}
		return nil
	})
}

func (s *TicketService) load(ctx context.Context, actor domain.Actor, id int64) (*domain.Ticket, error) {
	ticket, err := s.tickets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.TenantID != actor.TenantID {
		return nil, domain.ErrNotFound
	}
	return ticket, nil
}

func (s *TicketService) rejected(err error) error {
	var rejection *workflow.Rejection
	if errors.As(err, &rejection) {
		s.metrics.RecordTransition(domain.AggregateTicket, string(rejection.Reason))
		s.logger.Debug("request rejected", zap.String("reason", string(rejection.Reason)),
			zap.String("from", rejection.From), zap.String("to", rejection.To))
	}
	return err
}

func (s *TicketService) onConflict(id int64) func(int) {
	return func(attempt int) {
		s.metrics.RecordVersionConflict(domain.AggregateTicket)
		s.logger.Info("version conflict, re-evaluating", zap.Int64("ticket_id", id), zap.Int("attempt", attempt))
	}
}

func (s *TicketService) notify(ctx context.Context) {
	if err := s.notifier.Notify(ctx); err != nil {
		s.logger.Warn("dispatcher wakeup failed", zap.Error(err))
	}
}

// statusChangedEvents records one event per applied step. The comment rides
// on the final step.
func statusChangedEvents(before domain.Ticket, res workflow.TicketResult, actor domain.Actor, now time.Time) ([]domain.OutboxEvent, error) {
	out := make([]domain.OutboxEvent, 0, len(res.Steps))
	for i, step := range res.Steps {
		payload := events.TicketStatusChangedPayload{
			TicketID:   before.ID,
			Number:     before.Number,
			OldStatus:  step.From,
			NewStatus:  step.To,
			AssigneeID: res.Ticket.AssigneeID,
			Actor:      events.ActorOf(actor),
			OccurredAt: now,
		}
		if i == len(res.Steps)-1 && res.Comment != nil {
			payload.Comment = res.Comment.Body
		}
		event, err := events.New(before.TenantID, events.EventTicketStatusChanged, domain.AggregateTicket, before.ID, payload, now)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

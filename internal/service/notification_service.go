package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticketflow/internal/clock"
	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/events"
	"github.com/spec-kit/ticketflow/internal/observability"
	"github.com/spec-kit/ticketflow/internal/repository"
	"github.com/spec-kit/ticketflow/internal/sla"
)

const (
	defaultSweepBatchSize = 200
	systemActorID         = "system"
)

// NotificationService announces SLA breaches on open tickets. Each deadline
// kind is announced once per ticket through a system comment and an outbox
// event written together.
type NotificationService struct {
	tx        repository.TxManager
	tickets   repository.TicketRepository
	outbox    repository.OutboxRepository
	tracker   *sla.Tracker
	clock     clock.Clock
	notifier  events.Notifier
	metrics   *observability.Metrics
	logger    *zap.Logger
	batchSize int
}

// NotificationDependencies bundles collaborators for notification service.
type NotificationDependencies struct {
	TxManager  repository.TxManager
	TicketRepo repository.TicketRepository
	OutboxRepo repository.OutboxRepository
	Tracker    *sla.Tracker
	Clock      clock.Clock
	Notifier   events.Notifier
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	BatchSize  int
}

// NewNotificationService creates the service.
func NewNotificationService(deps NotificationDependencies) *NotificationService {
	n := &NotificationService{
		tx:        deps.TxManager,
		tickets:   deps.TicketRepo,
		outbox:    deps.OutboxRepo,
		tracker:   deps.Tracker,
		clock:     deps.Clock,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		batchSize: deps.BatchSize,
	}
	if n.tracker == nil {
		n.tracker = sla.NewTracker(nil, sla.DefaultWarningRatio)
	}
	if n.clock == nil {
		n.clock = clock.Real()
	}
	if n.notifier == nil {
		n.notifier = events.NoopNotifier()
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	if n.batchSize <= 0 {
		n.batchSize = defaultSweepBatchSize
	}
	n.logger = n.logger.Named("sla_sweep")
	return n
}

// SweepSLABreaches pages through active tickets and announces new breaches.
// Failures on one ticket are logged and do not stop the sweep.
func (n *NotificationService) SweepSLABreaches(ctx context.Context) (int, error) {
	var (
		announced int
		afterID   int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return announced, err
		}
		page, err := n.tickets.ListActive(ctx, afterID, n.batchSize)
		if err != nil {
			return announced, fmt.Errorf("list active tickets: %w", err)
		}
		if len(page) == 0 {
			break
		}
		now := n.clock.Now()
		for _, ticket := range page {
			afterID = ticket.ID
			if len(pendingBreaches(n.tracker, ticket, now)) == 0 {
				continue
			}
			count, err := n.announce(ctx, ticket.ID)
			if err != nil {
				n.logger.Error("announce breach failed", zap.Int64("ticket_id", ticket.ID), zap.Error(err))
				continue
			}
			announced += count
		}
		if len(page) < n.batchSize {
			break
		}
	}

	if announced > 0 {
		if err := n.notifier.Notify(ctx); err != nil {
			n.logger.Warn("dispatcher wakeup failed", zap.Error(err))
		}
	}
	n.logger.Debug("sweep finished", zap.Int("announced", announced))
	return announced, nil
}

// announce re-reads the ticket so a concurrent transition is never overwritten.
func (n *NotificationService) announce(ctx context.Context, id int64) (int, error) {
	var announced []sla.Deadline
	err := withConflictRetry("sla breach announcement", func(int) {
		n.metrics.RecordVersionConflict(domain.AggregateTicket)
	}, func() error {
		announced = nil
		current, err := n.tickets.Get(ctx, id)
		if err != nil {
			return err
		}
		now := n.clock.Now()
		breaches := pendingBreaches(n.tracker, *current, now)
		if len(breaches) == 0 {
			return nil
		}

		next := current.Clone()
		pending := make([]*domain.OutboxEvent, 0, len(breaches))
		for _, d := range breaches {
			next.BreachNotified = append(next.BreachNotified, string(d.Kind))
			next.Comments = append(next.Comments, domain.Comment{
				AuthorID:  systemActorID,
				Body:      fmt.Sprintf("SLA %s deadline breached (due %s)", d.Kind, d.At.Format("2006-01-02 15:04 MST")),
				System:    true,
				CreatedAt: now,
			})
			event, err := events.New(current.TenantID, events.EventTicketSLABreached, domain.AggregateTicket, current.ID, events.TicketSLABreachedPayload{
				TicketID:   current.ID,
				Number:     current.Number,
				Kind:       string(d.Kind),
				Deadline:   d.At,
				Priority:   current.Priority,
				Status:     current.Status,
				OccurredAt: now,
			}, now)
			if err != nil {
				return err
			}
			pending = append(pending, &event)
		}
		next.UpdatedAt = now

		err = n.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := n.tickets.Update(ctx, &next, current.Version); err != nil {
				if errors.Is(err, domain.ErrVersionConflict) {
					return err
				}
				return fmt.Errorf("update ticket: %w", err)
			}
			return n.outbox.Append(ctx, pending...)
		})
		if err != nil {
			return err
		}
		announced = breaches
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, d := range announced {
		n.metrics.RecordSLABreach(string(d.Kind))
		n.logger.Info("sla breached", zap.Int64("ticket_id", id), zap.String("kind", string(d.Kind)), zap.Time("deadline", d.At))
	}
	return len(announced), nil
}

func pendingBreaches(tracker *sla.Tracker, t domain.Ticket, now time.Time) []sla.Deadline {
	var out []sla.Deadline
	for _, d := range tracker.Compute(sla.InputFromTicket(t), now).Breached() {
		if !t.BreachAnnounced(string(d.Kind)) {
			out = append(out, d)
		}
	}
	return out
}

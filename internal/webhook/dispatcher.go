// Package webhook delivers outbox events to subscribed endpoints.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/ticketflow/internal/clock"
	"github.com/spec-kit/ticketflow/internal/config"
	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/events"
	"github.com/spec-kit/ticketflow/internal/observability"
	"github.com/spec-kit/ticketflow/internal/repository"
)

const releaseTimeout = 5 * time.Second

// Config tunes a dispatcher worker.
type Config struct {
	WorkerID       string
	BatchSize      int
	PollInterval   time.Duration
	LeaseTTL       time.Duration
	AttemptTimeout time.Duration
	// HeartbeatInterval is how often leases of an in-flight batch are
	// renewed. It must leave at least AttemptTimeout of lease between
	// renewals.
	HeartbeatInterval time.Duration
	Concurrency       int
	MaxEventFailures  int
	Backoff           Backoff
}

// ConfigFrom maps environment configuration.
func ConfigFrom(cfg config.DispatcherConfig) Config {
	return Config{
		WorkerID:          cfg.WorkerID,
		BatchSize:         cfg.BatchSize,
		PollInterval:      cfg.PollInterval,
		LeaseTTL:          cfg.LeaseTTL,
		AttemptTimeout:    cfg.AttemptTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Concurrency:       cfg.Concurrency,
		MaxEventFailures:  cfg.MaxEventFailures,
		Backoff: Backoff{
			Base:        cfg.BackoffBase,
			Factor:      cfg.BackoffFactor,
			Cap:         cfg.BackoffCap,
			MaxAttempts: cfg.MaxAttempts,
		},
	}
}

func (c Config) normalized() Config {
	if c.WorkerID == "" {
		c.WorkerID = "dispatcher"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if slack := c.LeaseTTL - c.AttemptTimeout; c.HeartbeatInterval <= 0 || c.HeartbeatInterval > slack {
		c.HeartbeatInterval = c.LeaseTTL / 3
		if c.HeartbeatInterval > slack {
			c.HeartbeatInterval = slack / 2
		}
		if c.HeartbeatInterval <= 0 {
			c.HeartbeatInterval = time.Second
		}
	}
	if c.MaxEventFailures <= 0 {
		c.MaxEventFailures = 5
	}
	c.Backoff = c.Backoff.normalized()
	return c
}

// Dependencies bundles dispatcher collaborators.
type Dependencies struct {
	Outbox     repository.OutboxRepository
	Deliveries repository.DeliveryRepository
	Endpoints  repository.EndpointRepository
	Sender     Sender
	Clock      clock.Clock
	Notifier   events.Notifier
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// Dispatcher claims outbox events, fans them out to matching endpoints and
// tracks every (event, endpoint) delivery until it is delivered or exhausted.
type Dispatcher struct {
	cfg        Config
	outbox     repository.OutboxRepository
	deliveries repository.DeliveryRepository
	endpoints  repository.EndpointRepository
	sender     Sender
	clock      clock.Clock
	notifier   events.Notifier
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(cfg Config, deps Dependencies) *Dispatcher {
	d := &Dispatcher{
		cfg:        cfg.normalized(),
		outbox:     deps.Outbox,
		deliveries: deps.Deliveries,
		endpoints:  deps.Endpoints,
		sender:     deps.Sender,
		clock:      deps.Clock,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
	if d.sender == nil {
		d.sender = NewHTTPSender(nil)
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.notifier == nil {
		d.notifier = events.NoopNotifier()
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.Named("dispatcher").With(zap.String("worker_id", d.cfg.WorkerID))
	return d
}

// BatchResult summarises one RunOnce pass.
type BatchResult struct {
	Claimed    int `json:"claimed"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
	Attempts   int `json:"attempts"`
	Skipped    int `json:"skipped"`
	Delivered  int `json:"delivered"`
	Exhausted  int `json:"exhausted"`
}

// work is the per-event state of a batch. Each delivery pointer is written by
// at most one attempt goroutine.
type work struct {
	event      domain.OutboxEvent
	body       []byte
	endpoints  map[string]domain.WebhookEndpoint
	deliveries []*domain.WebhookDelivery
}

type job struct {
	w        *work
	delivery *domain.WebhookDelivery
	sent     bool
}

// leases tracks how long this worker still holds each event of a batch.
// An event missing from until has been lost to another worker.
type leases struct {
	mu    sync.Mutex
	until map[int64]time.Time
}

func newLeases(claimed []domain.OutboxEvent, fallback time.Time) *leases {
	l := &leases{until: make(map[int64]time.Time, len(claimed))}
	for _, e := range claimed {
		if e.LeaseUntil != nil {
			l.until[e.ID] = *e.LeaseUntil
		} else {
			l.until[e.ID] = fallback
		}
	}
	return l
}

func (l *leases) ids() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]int64, 0, len(l.until))
	for id := range l.until {
		ids = append(ids, id)
	}
	return ids
}

// renew records a successful extension. Requested ids missing from held are
// dropped and counted.
func (l *leases) renew(requested, held []int64, until time.Time) int {
	kept := make(map[int64]bool, len(held))
	for _, id := range held {
		kept[id] = true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lost := 0
	for _, id := range requested {
		if _, ok := l.until[id]; !ok {
			continue
		}
		if kept[id] {
			l.until[id] = until
			continue
		}
		delete(l.until, id)
		lost++
	}
	return lost
}

func (l *leases) drop(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.until, id)
}

func (l *leases) held(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.until[id]
	return ok
}

// covers reports whether a send started at now and bounded by timeout ends
// before the lease on id runs out.
func (l *leases) covers(id int64, now time.Time, timeout time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.until[id]
	return ok && !now.Add(timeout).After(until)
}

// RunOnce processes one claim batch: resolve deliveries, attempt the due ones
// concurrently, then complete or release every claimed event.
func (d *Dispatcher) RunOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	now := d.clock.Now()
	claimed, err := d.outbox.ClaimBatch(ctx, repository.ClaimRequest{
		WorkerID: d.cfg.WorkerID,
		Limit:    d.cfg.BatchSize,
		Now:      now,
		LeaseTTL: d.cfg.LeaseTTL,
	})
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}
	res.Claimed = len(claimed)
	if len(claimed) == 0 {
		return res, nil
	}
	d.metrics.RecordClaimed(len(claimed))

	// Past this point the batch is finished even if ctx is cancelled, so
	// leases are settled rather than left to expire.
	bg := context.WithoutCancel(ctx)

	leased := newLeases(claimed, now.Add(d.cfg.LeaseTTL))
	stop := make(chan struct{})
	beat := make(chan struct{})
	go func() {
		defer close(beat)
		d.heartbeat(bg, leased, stop)
	}()
	defer func() {
		close(stop)
		<-beat
	}()

	batch := make([]*work, 0, len(claimed))
	var jobs []job
	for _, event := range claimed {
		w, err := d.prepare(bg, event, now)
		if err != nil {
			leased.drop(event.ID)
			d.fail(bg, event, err, &res)
			continue
		}
		batch = append(batch, w)
		for _, del := range w.deliveries {
			if !del.Outcome.Terminal() && !del.NextRetryAt.After(now) {
				jobs = append(jobs, job{w: w, delivery: del})
			}
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Concurrency)
	for i := range jobs {
		j := &jobs[i]
		g.Go(func() error {
			if !leased.covers(j.w.event.ID, d.clock.Now(), d.cfg.AttemptTimeout) {
				return nil
			}
			j.sent = d.attempt(bg, j.w, j.delivery)
			return nil
		})
	}
	_ = g.Wait()

	for _, j := range jobs {
		if !j.sent {
			res.Skipped++
			continue
		}
		res.Attempts++
		switch j.delivery.Outcome {
		case domain.DeliveryDelivered:
			res.Delivered++
		case domain.DeliveryExhausted:
			res.Exhausted++
		}
	}
	for _, w := range batch {
		if !leased.held(w.event.ID) {
			d.logger.Warn("lease lost mid-batch", zap.Int64("event_id", w.event.ID))
			continue
		}
		d.finish(bg, w, &res)
		leased.drop(w.event.ID)
	}
	return res, nil
}

// heartbeat renews the batch's leases until stop is closed. An event whose
// lease could not be renewed is dropped so no new attempt starts for it.
func (d *Dispatcher) heartbeat(ctx context.Context, l *leases, stop <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ids := l.ids()
		if len(ids) == 0 {
			continue
		}
		until := d.clock.Now().Add(d.cfg.LeaseTTL)
		kept, err := d.outbox.ExtendLease(ctx, ids, d.cfg.WorkerID, until)
		if err != nil {
			d.logger.Warn("lease renewal failed", zap.Error(err))
			continue
		}
		if lost := l.renew(ids, kept, until); lost > 0 {
			d.logger.Warn("leases lost", zap.Int("events", lost))
		}
	}
}

// prepare resolves the event's delivery set: every active matching endpoint
// gets an idempotently created delivery row. Rows left over from endpoints
// that have since been deactivated are closed out as exhausted.
func (d *Dispatcher) prepare(ctx context.Context, event domain.OutboxEvent, now time.Time) (*work, error) {
	body, err := json.Marshal(NewEnvelope(event))
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	endpoints, err := d.endpoints.ListActive(ctx, event.TenantID, event.EventType)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoints: %w", err)
	}

	w := &work{event: event, body: body, endpoints: make(map[string]domain.WebhookEndpoint, len(endpoints))}
	for _, ep := range endpoints {
		if _, err := d.deliveries.Ensure(ctx, event.ID, ep.ID, now); err != nil {
			return nil, fmt.Errorf("ensure delivery for endpoint %s: %w", ep.ID, err)
		}
		w.endpoints[ep.ID] = ep
	}

	existing, err := d.deliveries.ListByEvent(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	for i := range existing {
		del := existing[i]
		if _, ok := w.endpoints[del.EndpointID]; !ok && !del.Outcome.Terminal() {
			del.Outcome = domain.DeliveryExhausted
			del.LastError = "endpoint inactive"
			del.UpdatedAt = now
			if err := d.deliveries.RecordAttempt(ctx, &del, del.AttemptCount); err != nil {
				return nil, fmt.Errorf("close delivery %s: %w", del.ID, err)
			}
		}
		w.deliveries = append(w.deliveries, &del)
	}
	return w, nil
}

// attempt performs one bounded HTTP attempt and records its outcome. It
// reports whether a request was sent.
func (d *Dispatcher) attempt(ctx context.Context, w *work, del *domain.WebhookDelivery) bool {
	ep := w.endpoints[del.EndpointID]
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	started := time.Now()
	status, sendErr := d.sender.Send(attemptCtx, Request{
		URL:        ep.URL,
		Secret:     ep.Secret,
		EventType:  w.event.EventType,
		DeliveryID: del.ID,
		Body:       w.body,
	})
	elapsed := time.Since(started)
	now := d.clock.Now()

	next := *del
	next.AttemptCount++
	next.LastAttemptAt = &now
	next.UpdatedAt = now
	next.LastHTTPStatus = nil
	if sendErr == nil {
		s := status
		next.LastHTTPStatus = &s
	}

	outcome := "failed"
	switch {
	case sendErr == nil && status >= 200 && status < 300:
		next.Outcome = domain.DeliveryDelivered
		next.LastError = ""
		outcome = "delivered"
	default:
		if sendErr != nil {
			next.LastError = sendErr.Error()
		} else {
			next.LastError = fmt.Sprintf("unexpected status %d", status)
		}
		if d.cfg.Backoff.Exhausted(next.AttemptCount) {
			next.Outcome = domain.DeliveryExhausted
			outcome = "exhausted"
		} else {
			next.NextRetryAt = now.Add(d.cfg.Backoff.Delay(next.AttemptCount))
		}
	}
	d.metrics.RecordAttempt(outcome, elapsed)

	log := d.logger.With(
		zap.Int64("event_id", w.event.ID),
		zap.String("endpoint_id", ep.ID),
		zap.String("delivery_id", del.ID),
		zap.Int("attempt", next.AttemptCount),
	)
	if err := d.deliveries.RecordAttempt(ctx, &next, del.AttemptCount); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Warn("attempt superseded by another worker")
		} else {
			log.Error("record attempt failed", zap.Error(err))
		}
		return true
	}
	*del = next

	switch next.Outcome {
	case domain.DeliveryExhausted:
		log.Warn("delivery exhausted", zap.String("error", next.LastError))
	case domain.DeliveryPending:
		log.Debug("delivery failed, retry scheduled", zap.Time("next_retry_at", next.NextRetryAt), zap.String("error", next.LastError))
	}
	return true
}

// finish marks the event dispatched once every delivery is terminal, and
// otherwise releases it until its earliest pending retry.
func (d *Dispatcher) finish(ctx context.Context, w *work, res *BatchResult) {
	var earliest time.Time
	for _, del := range w.deliveries {
		if del.Outcome.Terminal() {
			continue
		}
		if earliest.IsZero() || del.NextRetryAt.Before(earliest) {
			earliest = del.NextRetryAt
		}
	}

	log := d.logger.With(zap.Int64("event_id", w.event.ID))
	if earliest.IsZero() {
		if err := d.outbox.MarkDispatched(ctx, w.event.ID, d.cfg.WorkerID, d.clock.Now()); err != nil {
			d.logLeaseError(log, "mark dispatched", err)
			return
		}
		res.Dispatched++
		d.metrics.RecordEventFinished(string(domain.DispatchDispatched))
		return
	}
	if err := d.outbox.Release(ctx, w.event.ID, d.cfg.WorkerID, earliest); err != nil {
		d.logLeaseError(log, "release", err)
		return
	}
	res.Deferred++
}

func (d *Dispatcher) fail(ctx context.Context, event domain.OutboxEvent, cause error, res *BatchResult) {
	log := d.logger.With(zap.Int64("event_id", event.ID), zap.String("event_type", event.EventType))
	retryAt := d.clock.Now().Add(d.cfg.Backoff.Delay(event.Failures + 1))
	terminal, err := d.outbox.RecordFailure(ctx, event.ID, d.cfg.WorkerID, cause.Error(), d.cfg.MaxEventFailures, retryAt)
	if err != nil {
		d.logLeaseError(log, "record failure", err)
		return
	}
	if terminal {
		res.Failed++
		d.metrics.RecordEventFinished(string(domain.DispatchFailedTerminal))
		log.Error("event failed permanently", zap.Error(cause))
		return
	}
	res.Deferred++
	log.Warn("event processing failed", zap.Error(cause), zap.Time("retry_at", retryAt))
}

func (d *Dispatcher) logLeaseError(log *zap.Logger, op string, err error) {
	if errors.Is(err, domain.ErrLeaseLost) {
		log.Warn(op+": lease lost")
		return
	}
	log.Error(op+" failed", zap.Error(err))
}

// Run polls until ctx is cancelled. A notifier wakeup triggers an immediate
// pass; a full batch is followed by another pass without waiting. On exit all
// leases still held by this worker are released.
func (d *Dispatcher) Run(ctx context.Context) error {
	wake, unsubscribe := d.notifier.Subscribe(ctx)
	defer unsubscribe()
	defer d.releaseAll()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", zap.Int("batch_size", d.cfg.BatchSize), zap.Duration("poll_interval", d.cfg.PollInterval))
	for {
		res, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch pass failed", zap.Error(err))
		}
		if res.Claimed > 0 {
			d.logger.Debug("dispatch pass",
				zap.Int("claimed", res.Claimed),
				zap.Int("dispatched", res.Dispatched),
				zap.Int("attempts", res.Attempts),
				zap.Int("skipped", res.Skipped))
		}
		if ctx.Err() != nil {
			return nil
		}
		if res.Claimed >= d.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (d *Dispatcher) releaseAll() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	n, err := d.outbox.ReleaseAll(ctx, d.cfg.WorkerID)
	if err != nil {
		d.logger.Error("release leases failed", zap.Error(err))
		return
	}
	d.logger.Info("dispatcher stopped", zap.Int64("released", n))
}

// DeliveryStats reports delivery outcomes for an endpoint.
func (d *Dispatcher) DeliveryStats(ctx context.Context, endpointID string) (domain.DeliveryStats, error) {
	return d.deliveries.Stats(ctx, endpointID)
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticketflow/internal/clock"
	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/events"
	"github.com/spec-kit/ticketflow/internal/repository"
	"github.com/spec-kit/ticketflow/internal/repository/memory"
)

const tenant = "acme"

var t0 = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

type recorder struct {
	status int
	hits   atomic.Int64
	mu     sync.Mutex
	reqs   []*http.Request
	bodies [][]byte
}

func newServer(t *testing.T, status int) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, r)
		rec.bodies = append(rec.bodies, body)
		rec.mu.Unlock()
		rec.hits.Add(1)
		w.WriteHeader(rec.status)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

type harness struct {
	store *memory.Store
	clock *clock.Fake
}

func newHarness() *harness {
	return &harness{store: memory.NewStore(), clock: clock.NewFake(t0)}
}

func (h *harness) dispatcher(cfg Config) *Dispatcher {
	return h.dispatcherWith(cfg, h.store.Endpoints())
}

func (h *harness) dispatcherWith(cfg Config, endpoints repository.EndpointRepository) *Dispatcher {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-1"
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return NewDispatcher(cfg, Dependencies{
		Outbox:     h.store.Outbox(),
		Deliveries: h.store.Deliveries(),
		Endpoints:  endpoints,
		Clock:      h.clock,
	})
}

func (h *harness) endpoint(t *testing.T, url, secret string, types ...string) domain.WebhookEndpoint {
	t.Helper()
	ep := domain.WebhookEndpoint{TenantID: tenant, URL: url, EventTypes: types, Secret: secret, Active: true, CreatedAt: h.clock.Now()}
	require.NoError(t, h.store.Endpoints().Create(context.Background(), &ep))
	h.clock.Advance(time.Millisecond)
	return ep
}

func (h *harness) event(t *testing.T, eventType events.EventType) domain.OutboxEvent {
	t.Helper()
	e, err := events.New(tenant, eventType, domain.AggregateTicket, 7, map[string]any{"ticket_id": 7}, h.clock.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.Outbox().Append(context.Background(), &e))
	return e
}

func (h *harness) outboxEvent(t *testing.T, id int64) *domain.OutboxEvent {
	t.Helper()
	e, err := h.store.Outbox().Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (h *harness) deliveryFor(t *testing.T, eventID int64, endpointID string) domain.WebhookDelivery {
	t.Helper()
	dels, err := h.store.Deliveries().ListByEvent(context.Background(), eventID)
	require.NoError(t, err)
	for _, d := range dels {
		if d.EndpointID == endpointID {
			return d
		}
	}
	t.Fatalf("no delivery for endpoint %s", endpointID)
	return domain.WebhookDelivery{}
}

func TestDispatchCompletesOnlyWhenAllDeliveriesTerminal(t *testing.T) {
	h := newHarness()
	goodSrv, good := newServer(t, http.StatusOK)
	badSrv, bad := newServer(t, http.StatusInternalServerError)
	okEp := h.endpoint(t, goodSrv.URL, "", "*")
	failEp := h.endpoint(t, badSrv.URL, "", "ticket.*")
	event := h.event(t, events.EventTicketStatusChanged)

	d := h.dispatcher(Config{Backoff: Backoff{Base: 30 * time.Second, Factor: 2, Cap: time.Hour, MaxAttempts: 4}})
	ctx := context.Background()

	res, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Deferred)

	dels, err := h.store.Deliveries().ListByEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Len(t, dels, 2)
	assert.Equal(t, domain.DeliveryDelivered, h.deliveryFor(t, event.ID, okEp.ID).Outcome)

	for i := 0; i < 10; i++ {
		stored := h.outboxEvent(t, event.ID)
		if stored.DispatchState == domain.DispatchDispatched {
			break
		}
		assert.Equal(t, domain.DispatchPending, stored.DispatchState)
		assert.NotEqual(t, domain.DeliveryExhausted, h.deliveryFor(t, event.ID, failEp.ID).Outcome)
		h.clock.Set(stored.AvailableAt)
		_, err := d.RunOnce(ctx)
		require.NoError(t, err)
	}

	failed := h.deliveryFor(t, event.ID, failEp.ID)
	assert.Equal(t, domain.DeliveryExhausted, failed.Outcome)
	assert.Equal(t, 4, failed.AttemptCount)
	require.NotNil(t, failed.LastHTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, *failed.LastHTTPStatus)
	assert.Equal(t, domain.DispatchDispatched, h.outboxEvent(t, event.ID).DispatchState)

	assert.EqualValues(t, 1, good.hits.Load())
	assert.EqualValues(t, 4, bad.hits.Load())

	stats, err := d.DeliveryStats(ctx, failEp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStats{Exhausted: 1}, stats)

	res, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestRetryGapsFollowBackoff(t *testing.T) {
	h := newHarness()
	srv, _ := newServer(t, http.StatusBadGateway)
	ep := h.endpoint(t, srv.URL, "", "*")
	event := h.event(t, events.EventTicketCreated)
	backoff := Backoff{Base: 30 * time.Second, Factor: 2, Cap: 2 * time.Minute, MaxAttempts: 6}
	d := h.dispatcher(Config{Backoff: backoff})
	ctx := context.Background()

	var gaps []time.Duration
	for i := 0; i < backoff.MaxAttempts+2; i++ {
		_, err := d.RunOnce(ctx)
		require.NoError(t, err)
		del := h.deliveryFor(t, event.ID, ep.ID)
		require.LessOrEqual(t, del.AttemptCount, backoff.MaxAttempts)
		if del.Outcome.Terminal() {
			break
		}
		require.NotNil(t, del.LastAttemptAt)
		gaps = append(gaps, del.NextRetryAt.Sub(*del.LastAttemptAt))
		h.clock.Set(del.NextRetryAt)
	}

	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 2 * time.Minute, 2 * time.Minute}, gaps)
	final := h.deliveryFor(t, event.ID, ep.ID)
	assert.Equal(t, domain.DeliveryExhausted, final.Outcome)
	assert.Equal(t, backoff.MaxAttempts, final.AttemptCount)
}

func TestDeliveryRequestIsSignedEnvelope(t *testing.T) {
	h := newHarness()
	srv, rec := newServer(t, http.StatusNoContent)
	ep := h.endpoint(t, srv.URL, "topsecret", "ticket.status_changed")
	event := h.event(t, events.EventTicketStatusChanged)

	_, err := h.dispatcher(Config{}).RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.reqs, 1)
	req, body := rec.reqs[0], rec.bodies[0]
	del := h.deliveryFor(t, event.ID, ep.ID)
	assert.Equal(t, Sign(body, "topsecret"), req.Header.Get(HeaderSignature))
	assert.Equal(t, "ticket.status_changed", req.Header.Get(HeaderEvent))
	assert.Equal(t, del.ID, req.Header.Get(HeaderDelivery))
	assert.Equal(t, userAgent, req.Header.Get("User-Agent"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, event.EventID, env.EventID)
	assert.Equal(t, event.ID, env.Sequence)
	assert.Equal(t, tenant, env.TenantID)
	assert.Equal(t, strconv.Itoa(7), env.AggregateID)
	assert.JSONEq(t, `{"ticket_id":7}`, string(env.Payload))
}

func TestEventWithoutSubscribersIsDispatched(t *testing.T) {
	h := newHarness()
	srv, rec := newServer(t, http.StatusOK)
	h.endpoint(t, srv.URL, "", "service_order.*")
	event := h.event(t, events.EventTicketCreated)

	res, err := h.dispatcher(Config{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Zero(t, rec.hits.Load())
	assert.Equal(t, domain.DispatchDispatched, h.outboxEvent(t, event.ID).DispatchState)
}

func TestAttemptTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	ep := h.endpoint(t, srv.URL, "", "*")
	event := h.event(t, events.EventTicketCreated)

	_, err := h.dispatcher(Config{AttemptTimeout: 50 * time.Millisecond}).RunOnce(context.Background())
	require.NoError(t, err)

	del := h.deliveryFor(t, event.ID, ep.ID)
	assert.Equal(t, domain.DeliveryPending, del.Outcome)
	assert.Equal(t, 1, del.AttemptCount)
	assert.Nil(t, del.LastHTTPStatus)
	assert.NotEmpty(t, del.LastError)
	assert.Equal(t, t0.Add(30*time.Second).Add(time.Millisecond), del.NextRetryAt)
}

func TestDeactivatedEndpointStopsBlockingEvent(t *testing.T) {
	h := newHarness()
	srv, _ := newServer(t, http.StatusServiceUnavailable)
	ep := h.endpoint(t, srv.URL, "", "*")
	event := h.event(t, events.EventTicketCreated)
	d := h.dispatcher(Config{})
	ctx := context.Background()

	_, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.Endpoints().SetActive(ctx, ep.ID, false, h.clock.Now()))

	h.clock.Set(h.outboxEvent(t, event.ID).AvailableAt)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	del := h.deliveryFor(t, event.ID, ep.ID)
	assert.Equal(t, domain.DeliveryExhausted, del.Outcome)
	assert.Equal(t, 1, del.AttemptCount)
	assert.Equal(t, domain.DispatchDispatched, h.outboxEvent(t, event.ID).DispatchState)
}

type brokenEndpoints struct {
	repository.EndpointRepository
}

func (brokenEndpoints) ListActive(context.Context, string, string) ([]domain.WebhookEndpoint, error) {
	return nil, errors.New("registry unavailable")
}

func TestProcessingFailuresBecomeTerminal(t *testing.T) {
	h := newHarness()
	event := h.event(t, events.EventTicketCreated)
	d := h.dispatcherWith(Config{MaxEventFailures: 2}, brokenEndpoints{h.store.Endpoints()})
	ctx := context.Background()

	res, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	stored := h.outboxEvent(t, event.ID)
	assert.Equal(t, domain.DispatchPending, stored.DispatchState)
	assert.Equal(t, 1, stored.Failures)
	assert.Equal(t, "resolve endpoints: registry unavailable", stored.LastError)

	h.clock.Set(stored.AvailableAt)
	res, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, domain.DispatchFailedTerminal, h.outboxEvent(t, event.ID).DispatchState)

	h.clock.Advance(24 * time.Hour)
	res, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	h := newHarness()
	srv, rec := newServer(t, http.StatusOK)
	h.endpoint(t, srv.URL, "", "*")
	event := h.event(t, events.EventTicketCreated)
	ctx := context.Background()

	crashed, err := h.store.Outbox().ClaimBatch(ctx, repository.ClaimRequest{WorkerID: "crashed", Limit: 10, Now: h.clock.Now(), LeaseTTL: time.Minute})
	require.NoError(t, err)
	require.Len(t, crashed, 1)

	d := h.dispatcher(Config{})
	res, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	h.clock.Advance(2 * time.Minute)
	res, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Dispatched)
	assert.EqualValues(t, 1, rec.hits.Load())

	err = h.store.Outbox().MarkDispatched(ctx, event.ID, "crashed", h.clock.Now())
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
}

func TestConcurrentWorkersDeliverEachEventOnce(t *testing.T) {
	h := newHarness()
	srv, rec := newServer(t, http.StatusOK)
	h.endpoint(t, srv.URL, "", "*")
	const n = 20
	for i := 0; i < n; i++ {
		h.event(t, events.EventTicketCreated)
	}

	workers := []*Dispatcher{
		h.dispatcher(Config{WorkerID: "w1", BatchSize: 3}),
		h.dispatcher(Config{WorkerID: "w2", BatchSize: 3}),
		h.dispatcher(Config{WorkerID: "w3", BatchSize: 3}),
	}
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			for {
				res, err := d.RunOnce(context.Background())
				if err != nil || res.Claimed == 0 {
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.EqualValues(t, n, rec.hits.Load())
	for id := int64(1); id <= n; id++ {
		assert.Equal(t, domain.DispatchDispatched, h.outboxEvent(t, id).DispatchState)
	}
}

func TestRunWakesOnNotifyAndReleasesOnShutdown(t *testing.T) {
	h := newHarness()
	srv, rec := newServer(t, http.StatusOK)
	h.endpoint(t, srv.URL, "", "*")
	notifier := events.NewInMemoryNotifier()
	d := NewDispatcher(Config{WorkerID: "runner", PollInterval: time.Hour}, Dependencies{
		Outbox:     h.store.Outbox(),
		Deliveries: h.store.Deliveries(),
		Endpoints:  h.store.Endpoints(),
		Clock:      h.clock,
		Notifier:   notifier,
	})

	// A lease held under this worker id must be released on exit.
	stale := h.event(t, events.EventTicketCommented)
	_, err := h.store.Outbox().ClaimBatch(context.Background(), repository.ClaimRequest{WorkerID: "runner", Limit: 1, Now: h.clock.Now(), LeaseTTL: 24 * time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	fresh := h.event(t, events.EventTicketCreated)
	require.Eventually(t, func() bool {
		_ = notifier.Notify(context.Background())
		e, err := h.store.Outbox().Get(context.Background(), fresh.ID)
		return err == nil && e.DispatchState == domain.DispatchDispatched
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, rec.hits.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	released := h.outboxEvent(t, stale.ID)
	assert.Empty(t, released.ClaimedBy)
	assert.Nil(t, released.LeaseUntil)
	assert.Equal(t, domain.DispatchPending, released.DispatchState)
}

// gatedSender holds every request until release is closed.
type gatedSender struct {
	started     chan struct{}
	release     chan struct{}
	sends       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func newGatedSender() *gatedSender {
	return &gatedSender{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (s *gatedSender) Send(ctx context.Context, _ Request) (int, error) {
	s.sends.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	s.started <- struct{}{}
	select {
	case <-s.release:
		return http.StatusOK, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *harness) gated(cfg Config, sender Sender) *Dispatcher {
	cfg.Backoff = DefaultBackoff()
	return NewDispatcher(cfg, Dependencies{
		Outbox:     h.store.Outbox(),
		Deliveries: h.store.Deliveries(),
		Endpoints:  h.store.Endpoints(),
		Sender:     sender,
		Clock:      h.clock,
	})
}

func TestSlowBatchKeepsItsLease(t *testing.T) {
	h := newHarness()
	ep := h.endpoint(t, "http://hooks.invalid", "", "*")
	event := h.event(t, events.EventTicketCreated)
	sender := newGatedSender()
	cfg := Config{LeaseTTL: time.Minute, AttemptTimeout: 10 * time.Second, HeartbeatInterval: 10 * time.Millisecond}

	cfg.WorkerID = "a"
	a := h.gated(cfg, sender)
	cfg.WorkerID = "b"
	b := h.gated(cfg, sender)

	done := make(chan BatchResult, 1)
	go func() {
		res, err := a.RunOnce(context.Background())
		assert.NoError(t, err)
		done <- res
	}()
	select {
	case <-sender.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker a never sent")
	}

	// the send outlives the original lease; renewals must keep b away
	h.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		e := h.outboxEvent(t, event.ID)
		return e.LeaseUntil != nil && e.LeaseUntil.After(h.clock.Now())
	}, 2*time.Second, 5*time.Millisecond)

	res, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	close(sender.release)
	var resA BatchResult
	select {
	case resA = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker a did not finish")
	}
	assert.Equal(t, 1, resA.Attempts)
	assert.Equal(t, 1, resA.Dispatched)

	assert.EqualValues(t, 1, sender.sends.Load())
	assert.EqualValues(t, 1, sender.maxInFlight.Load())
	del := h.deliveryFor(t, event.ID, ep.ID)
	assert.Equal(t, 1, del.AttemptCount)
	assert.Equal(t, domain.DeliveryDelivered, del.Outcome)
	assert.Equal(t, domain.DispatchDispatched, h.outboxEvent(t, event.ID).DispatchState)
}

func TestNoSendStartsOnceLeaseRunsShort(t *testing.T) {
	h := newHarness()
	h.endpoint(t, "http://one.invalid", "", "*")
	h.endpoint(t, "http://two.invalid", "", "*")
	event := h.event(t, events.EventTicketCreated)
	sender := newGatedSender()
	// renewals never fire within the test, so the lease only shrinks
	d := h.gated(Config{WorkerID: "a", LeaseTTL: time.Minute, AttemptTimeout: 10 * time.Second, HeartbeatInterval: 50 * time.Second, Concurrency: 1}, sender)

	done := make(chan BatchResult, 1)
	go func() {
		res, err := d.RunOnce(context.Background())
		assert.NoError(t, err)
		done <- res
	}()
	select {
	case <-sender.started:
	case <-time.After(2 * time.Second):
		t.Fatal("no send started")
	}

	h.clock.Advance(55 * time.Second)
	close(sender.release)
	var res BatchResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not finish")
	}

	assert.EqualValues(t, 1, sender.sends.Load())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Deferred)

	stored := h.outboxEvent(t, event.ID)
	assert.Equal(t, domain.DispatchPending, stored.DispatchState)
	assert.Empty(t, stored.ClaimedBy)
	assert.False(t, stored.AvailableAt.After(h.clock.Now()))
}

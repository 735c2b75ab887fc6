//go:build integration

package repository_test

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticketflow/internal/config"
	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/persistence"
	"github.com/spec-kit/ticketflow/internal/repository"
)

// Run with: TICKETFLOW_TEST_DSN=postgres://... go test -tags integration ./internal/repository/
const dsnEnv = "TICKETFLOW_TEST_DSN"

var base = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	ctx := context.Background()
	pg, err := persistence.NewPostgres(ctx, config.PostgresConfig{DSN: dsn, MaxConns: 16, ConnectAttempts: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	require.NoError(t, persistence.NewMigrator(pg.PoolHandle(), zap.NewNop()).Up(ctx))
	_, err = pg.Pool.Exec(ctx, `TRUNCATE webhook_deliveries, webhook_endpoints, outbox_events,
        tickets, ticket_counters, service_orders, service_order_counters RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return pg.Pool
}

func appendEvents(t *testing.T, outbox repository.OutboxRepository, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		e := &domain.OutboxEvent{
			EventID:       uuid.NewString(),
			TenantID:      "acme",
			EventType:     "ticket.created",
			AggregateType: domain.AggregateTicket,
			AggregateID:   "1",
			Payload:       json.RawMessage(`{"ticket_id":1}`),
			CreatedAt:     base,
			AvailableAt:   base,
		}
		require.NoError(t, outbox.Append(context.Background(), e))
		ids = append(ids, e.ID)
	}
	return ids
}

func createEndpoint(t *testing.T, endpoints repository.EndpointRepository) domain.WebhookEndpoint {
	t.Helper()
	ep := domain.WebhookEndpoint{
		ID:         uuid.NewString(),
		TenantID:   "acme",
		URL:        "https://hooks.example.com/tickets",
		EventTypes: []string{"ticket.*"},
		Active:     true,
		CreatedAt:  base,
		UpdatedAt:  base,
	}
	require.NoError(t, endpoints.Create(context.Background(), &ep))
	return ep
}

func TestPgClaimBatchIsExclusiveAcrossWorkers(t *testing.T) {
	pool := testPool(t)
	outbox := repository.NewOutboxRepository(pool)
	ids := appendEvents(t, outbox, 20)

	var (
		mu      sync.Mutex
		claimed []int64
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				batch, err := outbox.ClaimBatch(context.Background(), repository.ClaimRequest{WorkerID: worker, Limit: 3, Now: base, LeaseTTL: time.Minute})
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					claimed = append(claimed, e.ID)
				}
				mu.Unlock()
			}
		}(uuid.NewString())
	}
	wg.Wait()

	sort.Slice(claimed, func(i, j int) bool { return claimed[i] < claimed[j] })
	assert.Equal(t, ids, claimed, "every event claimed exactly once")

	// after expiry the whole set is claimable again, in sequence order
	again, err := outbox.ClaimBatch(context.Background(), repository.ClaimRequest{WorkerID: "late", Limit: 100, Now: base.Add(2 * time.Minute), LeaseTTL: time.Minute})
	require.NoError(t, err)
	require.Len(t, again, len(ids))
	assert.Equal(t, ids[0], again[0].ID)
	assert.Equal(t, "late", again[0].ClaimedBy)
}

func TestPgLeaseOwnershipAndExtension(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	outbox := repository.NewOutboxRepository(pool)
	ids := appendEvents(t, outbox, 2)

	_, err := outbox.ClaimBatch(ctx, repository.ClaimRequest{WorkerID: "w1", Limit: 1, Now: base, LeaseTTL: time.Minute})
	require.NoError(t, err)

	held, err := outbox.ExtendLease(ctx, []int64{ids[0], ids[1], 999}, "w1", base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, held)

	stolen, err := outbox.ClaimBatch(ctx, repository.ClaimRequest{WorkerID: "w2", Limit: 10, Now: base.Add(2 * time.Minute), LeaseTTL: time.Minute})
	require.NoError(t, err)
	require.Len(t, stolen, 1)
	assert.Equal(t, ids[1], stolen[0].ID)

	assert.ErrorIs(t, outbox.MarkDispatched(ctx, ids[1], "w1", base), domain.ErrLeaseLost)
	assert.ErrorIs(t, outbox.Release(ctx, 999, "w1", base), domain.ErrNotFound)
	require.NoError(t, outbox.MarkDispatched(ctx, ids[0], "w1", base))

	terminal, err := outbox.RecordFailure(ctx, ids[1], "w2", "registry unavailable", 1, base)
	require.NoError(t, err)
	assert.True(t, terminal)
	got, err := outbox.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchFailedTerminal, got.DispatchState)
	assert.Empty(t, got.ClaimedBy)
}

func TestPgEnsureConvergesUnderRace(t *testing.T) {
	pool := testPool(t)
	ids := appendEvents(t, repository.NewOutboxRepository(pool), 1)
	ep := createEndpoint(t, repository.NewEndpointRepository(pool))
	deliveries := repository.NewDeliveryRepository(pool)

	got := make([]string, 8)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := deliveries.Ensure(context.Background(), ids[0], ep.ID, base)
			if assert.NoError(t, err) {
				got[i] = d.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range got {
		assert.Equal(t, got[0], id)
	}
	list, err := deliveries.ListByEvent(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPgRecordAttemptIsCompareAndSwap(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	ids := appendEvents(t, repository.NewOutboxRepository(pool), 1)
	ep := createEndpoint(t, repository.NewEndpointRepository(pool))
	deliveries := repository.NewDeliveryRepository(pool)

	d, err := deliveries.Ensure(ctx, ids[0], ep.ID, base)
	require.NoError(t, err)

	at := base.Add(time.Second)
	first, stale := *d, *d
	for _, del := range []*domain.WebhookDelivery{&first, &stale} {
		del.AttemptCount = 1
		del.LastAttemptAt = &at
		del.NextRetryAt = at.Add(30 * time.Second)
		del.LastError = "unexpected status 502"
		del.UpdatedAt = at
	}
	require.NoError(t, deliveries.RecordAttempt(ctx, &first, 0))
	assert.ErrorIs(t, deliveries.RecordAttempt(ctx, &stale, 0), domain.ErrConflict)

	first.AttemptCount = 2
	first.Outcome = domain.DeliveryDelivered
	status := 204
	first.LastHTTPStatus = &status
	require.NoError(t, deliveries.RecordAttempt(ctx, &first, 1))
	first.AttemptCount = 3
	assert.ErrorIs(t, deliveries.RecordAttempt(ctx, &first, 2), domain.ErrConflict)

	list, err := deliveries.ListByEvent(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].AttemptCount)
	assert.Equal(t, domain.DeliveryDelivered, list[0].Outcome)
	require.NotNil(t, list[0].LastHTTPStatus)
	assert.Equal(t, 204, *list[0].LastHTTPStatus)
}

func TestPgDeliveryStatsCountsOutcomes(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	ids := appendEvents(t, repository.NewOutboxRepository(pool), 3)
	ep := createEndpoint(t, repository.NewEndpointRepository(pool))
	other := createEndpoint(t, repository.NewEndpointRepository(pool))
	deliveries := repository.NewDeliveryRepository(pool)

	outcomes := []domain.DeliveryOutcome{domain.DeliveryDelivered, domain.DeliveryExhausted, domain.DeliveryPending}
	for i, outcome := range outcomes {
		d, err := deliveries.Ensure(ctx, ids[i], ep.ID, base)
		require.NoError(t, err)
		_, err = deliveries.Ensure(ctx, ids[i], other.ID, base)
		require.NoError(t, err)
		if outcome == domain.DeliveryPending {
			continue
		}
		d.AttemptCount = 1
		d.Outcome = outcome
		require.NoError(t, deliveries.RecordAttempt(ctx, d, 0))
	}

	stats, err := deliveries.Stats(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStats{Delivered: 1, Exhausted: 1, Pending: 1}, stats)

	stats, err = deliveries.Stats(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStats{Pending: 3}, stats)
}

func TestPgTicketVersionAndRollback(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tickets := repository.NewTicketRepository(pool)
	outbox := repository.NewOutboxRepository(pool)
	tx := repository.NewTxManager(pool)

	tk := &domain.Ticket{TenantID: "acme", Title: "printer", Status: domain.TicketStatusNew, Priority: domain.TicketPriorityNormal, RequesterID: "cust-1", CreatedAt: base, UpdatedAt: base}
	require.NoError(t, tickets.Create(ctx, tk))
	assert.Equal(t, "TKT-acme-000001", tk.Number)

	tk.Status = domain.TicketStatusOpen
	require.NoError(t, tickets.Update(ctx, tk, 1))
	stale := *tk
	stale.Status = domain.TicketStatusClosed
	assert.ErrorIs(t, tickets.Update(ctx, &stale, 1), domain.ErrVersionConflict)

	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		tk.Status = domain.TicketStatusInProgress
		if err := tickets.Update(ctx, tk, 2); err != nil {
			return err
		}
		e := &domain.OutboxEvent{
			EventID:       uuid.NewString(),
			TenantID:      "acme",
			EventType:     "ticket.status_changed",
			AggregateType: domain.AggregateTicket,
			AggregateID:   strconv.FormatInt(tk.ID, 10),
			Payload:       json.RawMessage(`{}`),
			CreatedAt:     base,
			AvailableAt:   base,
		}
		if err := outbox.Append(ctx, e); err != nil {
			return err
		}
		return domain.ErrConflict
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := tickets.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusOpen, got.Status)
	assert.Equal(t, int64(2), got.Version)
	evs, err := outbox.ListByAggregate(ctx, domain.AggregateTicket, strconv.FormatInt(tk.ID, 10))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

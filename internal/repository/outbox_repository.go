package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticketflow/internal/domain"
)

type outboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository instantiates repository.
func NewOutboxRepository(pool *pgxpool.Pool) OutboxRepository {
	return &outboxRepository{pool: pool}
}

const outboxColumns = `id, event_id, tenant_id, event_type, aggregate_type, aggregate_id, payload, created_at,
               dispatch_state, claimed_by, lease_until, available_at, failures, last_error, dispatched_at`

func (r *outboxRepository) Append(ctx context.Context, events ...*domain.OutboxEvent) error {
	const query = `
        INSERT INTO outbox_events (event_id, tenant_id, event_type, aggregate_type, aggregate_id, payload,
            created_at, dispatch_state, available_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        RETURNING id`
	q := conn(ctx, r.pool)
	for _, e := range events {
		if e.DispatchState == "" {
			e.DispatchState = domain.DispatchPending
		}
		if err := q.QueryRow(ctx, query,
			e.EventID,
			e.TenantID,
			e.EventType,
			e.AggregateType,
			e.AggregateID,
			[]byte(e.Payload),
			e.CreatedAt,
			e.DispatchState,
			e.AvailableAt,
		).Scan(&e.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *outboxRepository) Get(ctx context.Context, id int64) (*domain.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id=$1`
	e, err := scanOutboxEvent(conn(ctx, r.pool).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// ClaimBatch leases rows with SKIP LOCKED so concurrent dispatchers never
// block on, or double-claim, the same event.
func (r *outboxRepository) ClaimBatch(ctx context.Context, req ClaimRequest) ([]domain.OutboxEvent, error) {
	const query = `
        WITH candidates AS (
            SELECT id FROM outbox_events
            WHERE dispatch_state = 'pending'
              AND available_at <= $1
              AND (lease_until IS NULL OR lease_until <= $1)
            ORDER BY id
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
        UPDATE outbox_events o
        SET claimed_by = $3, lease_until = $4
        FROM candidates c
        WHERE o.id = c.id
        RETURNING o.id, o.event_id, o.tenant_id, o.event_type, o.aggregate_type, o.aggregate_id, o.payload,
            o.created_at, o.dispatch_state, o.claimed_by, o.lease_until, o.available_at, o.failures,
            o.last_error, o.dispatched_at`

	rows, err := conn(ctx, r.pool).Query(ctx, query, req.Now, req.Limit, req.WorkerID, req.Now.Add(req.LeaseTTL))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events, err := collectOutboxEvents(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (r *outboxRepository) MarkDispatched(ctx context.Context, id int64, workerID string, at time.Time) error {
	const query = `
        UPDATE outbox_events
        SET dispatch_state='dispatched', dispatched_at=$1, claimed_by=NULL, lease_until=NULL
        WHERE id=$2 AND claimed_by=$3 AND dispatch_state='pending'`
	return r.owned(ctx, query, id, at, id, workerID)
}

func (r *outboxRepository) Release(ctx context.Context, id int64, workerID string, availableAt time.Time) error {
	const query = `
        UPDATE outbox_events
        SET claimed_by=NULL, lease_until=NULL, available_at=$1
        WHERE id=$2 AND claimed_by=$3 AND dispatch_state='pending'`
	return r.owned(ctx, query, id, availableAt, id, workerID)
}

func (r *outboxRepository) RecordFailure(ctx context.Context, id int64, workerID, reason string, maxFailures int, availableAt time.Time) (bool, error) {
	const query = `
        UPDATE outbox_events
        SET failures = failures + 1,
            last_error = $1,
            available_at = $2,
            claimed_by = NULL,
            lease_until = NULL,
            dispatch_state = CASE WHEN failures + 1 >= $3 THEN 'failed_terminal' ELSE 'pending' END
        WHERE id=$4 AND claimed_by=$5 AND dispatch_state='pending'
        RETURNING dispatch_state`
	var state domain.DispatchState
	err := conn(ctx, r.pool).QueryRow(ctx, query, reason, availableAt, maxFailures, id, workerID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, domain.ErrLeaseLost
	}
	if err != nil {
		return false, err
	}
	return state == domain.DispatchFailedTerminal, nil
}

func (r *outboxRepository) ExtendLease(ctx context.Context, ids []int64, workerID string, until time.Time) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `
        UPDATE outbox_events SET lease_until=$1
        WHERE id = ANY($2) AND claimed_by=$3 AND dispatch_state='pending'
        RETURNING id`
	rows, err := conn(ctx, r.pool).Query(ctx, query, until, ids, workerID)
	if err != nil {
		return nil, err
	}
	held, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	sort.Slice(held, func(i, j int) bool { return held[i] < held[j] })
	return held, nil
}

func (r *outboxRepository) ReleaseAll(ctx context.Context, workerID string) (int64, error) {
	const query = `
        UPDATE outbox_events SET claimed_by=NULL, lease_until=NULL
        WHERE claimed_by=$1 AND dispatch_state='pending'`
	tag, err := conn(ctx, r.pool).Exec(ctx, query, workerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *outboxRepository) ListByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]domain.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + `
        FROM outbox_events
        WHERE aggregate_type=$1 AND aggregate_id=$2
        ORDER BY id`
	rows, err := conn(ctx, r.pool).Query(ctx, query, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutboxEvents(rows)
}

func (r *outboxRepository) owned(ctx context.Context, query string, id int64, args ...any) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return domain.ErrLeaseLost
	}
	return nil
}

func collectOutboxEvents(rows pgx.Rows) ([]domain.OutboxEvent, error) {
	var events []domain.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanOutboxEvent(row pgx.Row) (*domain.OutboxEvent, error) {
	var (
		e         domain.OutboxEvent
		payload   []byte
		claimedBy *string
	)
	if err := row.Scan(
		&e.ID,
		&e.EventID,
		&e.TenantID,
		&e.EventType,
		&e.AggregateType,
		&e.AggregateID,
		&payload,
		&e.CreatedAt,
		&e.DispatchState,
		&claimedBy,
		&e.LeaseUntil,
		&e.AvailableAt,
		&e.Failures,
		&e.LastError,
		&e.DispatchedAt,
	); err != nil {
		return nil, err
	}
	e.Payload = payload
	e.ClaimedBy = derefString(claimedBy)
	return &e, nil
}

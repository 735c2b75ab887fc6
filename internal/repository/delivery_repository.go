package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticketflow/internal/domain"
)

type deliveryRepository struct {
	pool *pgxpool.Pool
}

// NewDeliveryRepository instantiates repository.
func NewDeliveryRepository(pool *pgxpool.Pool) DeliveryRepository {
	return &deliveryRepository{pool: pool}
}

const deliveryColumns = `id, event_id, endpoint_id, attempt_count, last_attempt_at, next_retry_at,
               last_http_status, last_error, outcome, created_at, updated_at`

func (r *deliveryRepository) Ensure(ctx context.Context, eventID int64, endpointID string, now time.Time) (*domain.WebhookDelivery, error) {
	q := conn(ctx, r.pool)
	const insert = `
        INSERT INTO webhook_deliveries (id, event_id, endpoint_id, next_retry_at, outcome, created_at, updated_at)
        VALUES ($1,$2,$3,$4,'pending',$4,$4)
        ON CONFLICT (event_id, endpoint_id) DO NOTHING`
	if _, err := q.Exec(ctx, insert, uuid.NewString(), eventID, endpointID, now); err != nil {
		return nil, err
	}

	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE event_id=$1 AND endpoint_id=$2`
	return scanDelivery(q.QueryRow(ctx, query, eventID, endpointID))
}

func (r *deliveryRepository) ListByEvent(ctx context.Context, eventID int64) ([]domain.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE event_id=$1 ORDER BY created_at, id`
	rows, err := conn(ctx, r.pool).Query(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *deliveryRepository) RecordAttempt(ctx context.Context, delivery *domain.WebhookDelivery, prevAttempts int) error {
	const query = `
        UPDATE webhook_deliveries
        SET attempt_count=$1, last_attempt_at=$2, next_retry_at=$3, last_http_status=$4,
            last_error=$5, outcome=$6, updated_at=$7
        WHERE id=$8 AND outcome='pending' AND attempt_count=$9`
	tag, err := conn(ctx, r.pool).Exec(ctx, query,
		delivery.AttemptCount,
		delivery.LastAttemptAt,
		delivery.NextRetryAt,
		delivery.LastHTTPStatus,
		delivery.LastError,
		delivery.Outcome,
		delivery.UpdatedAt,
		delivery.ID,
		prevAttempts,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *deliveryRepository) Stats(ctx context.Context, endpointID string) (domain.DeliveryStats, error) {
	const query = `
        SELECT count(*) FILTER (WHERE outcome='delivered'),
               count(*) FILTER (WHERE outcome='exhausted'),
               count(*) FILTER (WHERE outcome='pending')
        FROM webhook_deliveries WHERE endpoint_id=$1`
	var stats domain.DeliveryStats
	err := conn(ctx, r.pool).QueryRow(ctx, query, endpointID).Scan(&stats.Delivered, &stats.Exhausted, &stats.Pending)
	return stats, err
}

func scanDelivery(row pgx.Row) (*domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	err := row.Scan(
		&d.ID,
		&d.EventID,
		&d.EndpointID,
		&d.AttemptCount,
		&d.LastAttemptAt,
		&d.NextRetryAt,
		&d.LastHTTPStatus,
		&d.LastError,
		&d.Outcome,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

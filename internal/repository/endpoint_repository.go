package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticketflow/internal/domain"
)

type endpointRepository struct {
	pool *pgxpool.Pool
}

// NewEndpointRepository instantiates repository.
func NewEndpointRepository(pool *pgxpool.Pool) EndpointRepository {
	return &endpointRepository{pool: pool}
}

const endpointColumns = `id, tenant_id, url, event_types, secret, active, created_at, updated_at`

func (r *endpointRepository) Create(ctx context.Context, endpoint *domain.WebhookEndpoint) error {
	const query = `
        INSERT INTO webhook_endpoints (id, tenant_id, url, event_types, secret, active, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := conn(ctx, r.pool).Exec(ctx, query,
		endpoint.ID,
		endpoint.TenantID,
		endpoint.URL,
		endpoint.EventTypes,
		endpoint.Secret,
		endpoint.Active,
		endpoint.CreatedAt,
		endpoint.UpdatedAt,
	)
	return err
}

func (r *endpointRepository) Get(ctx context.Context, id string) (*domain.WebhookEndpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE id=$1`
	e, err := scanEndpoint(conn(ctx, r.pool).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

func (r *endpointRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.WebhookEndpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE tenant_id=$1 ORDER BY created_at, id`
	return r.list(ctx, query, tenantID)
}

func (r *endpointRepository) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE webhook_endpoints SET active=$1, updated_at=$2 WHERE id=$3`, active, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *endpointRepository) ListActive(ctx context.Context, tenantID, eventType string) ([]domain.WebhookEndpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE tenant_id=$1 AND active ORDER BY created_at, id`
	all, err := r.list(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	matched := all[:0]
	for _, e := range all {
		if e.Matches(eventType) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func (r *endpointRepository) list(ctx context.Context, query string, args ...any) ([]domain.WebhookEndpoint, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WebhookEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEndpoint(row pgx.Row) (*domain.WebhookEndpoint, error) {
	var e domain.WebhookEndpoint
	if err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.URL,
		&e.EventTypes,
		&e.Secret,
		&e.Active,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

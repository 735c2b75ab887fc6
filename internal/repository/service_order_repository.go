package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticketflow/internal/domain"
)

type serviceOrderRepository struct {
	pool *pgxpool.Pool
}

// NewServiceOrderRepository instantiates repository.
func NewServiceOrderRepository(pool *pgxpool.Pool) ServiceOrderRepository {
	return &serviceOrderRepository{pool: pool}
}

func (r *serviceOrderRepository) Create(ctx context.Context, order *domain.ServiceOrder) error {
	activities, comments, err := encodeOrderHistory(order)
	if err != nil {
		return err
	}
	return withTx(ctx, r.pool, func(ctx context.Context, q querier) error {
		year := order.CreatedAt.Year()
		const counter = `
        INSERT INTO service_order_counters (tenant_id, year, last_value) VALUES ($1, $2, 1)
        ON CONFLICT (tenant_id, year) DO UPDATE SET last_value = service_order_counters.last_value + 1
        RETURNING last_value`
		var seq int64
		if err := q.QueryRow(ctx, counter, order.TenantID, year).Scan(&seq); err != nil {
			return fmt.Errorf("next service order number: %w", err)
		}
		order.Number = ServiceOrderNumber(order.TenantID, year, seq)

		const query = `
        INSERT INTO service_orders (tenant_id, number, ticket_id, description, status, activities, comments,
            estimated_minutes, actual_minutes, billable_minutes, started_at, completed_at, version, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1,$13,$14)
        RETURNING id, version`
		return q.QueryRow(ctx, query,
			order.TenantID,
			order.Number,
			order.TicketID,
			order.Description,
			order.Status,
			activities,
			comments,
			order.EstimatedMinutes,
			order.ActualMinutes,
			order.BillableMinutes,
			order.StartedAt,
			order.CompletedAt,
			order.CreatedAt,
			order.UpdatedAt,
		).Scan(&order.ID, &order.Version)
	})
}

func (r *serviceOrderRepository) Get(ctx context.Context, id int64) (*domain.ServiceOrder, error) {
	const query = `
        SELECT id, tenant_id, number, ticket_id, description, status, activities, comments,
               estimated_minutes, actual_minutes, billable_minutes, started_at, completed_at,
               version, created_at, updated_at
        FROM service_orders WHERE id=$1`
	var (
		order                domain.ServiceOrder
		activities, comments []byte
	)
	err := conn(ctx, r.pool).QueryRow(ctx, query, id).Scan(
		&order.ID,
		&order.TenantID,
		&order.Number,
		&order.TicketID,
		&order.Description,
		&order.Status,
		&activities,
		&comments,
		&order.EstimatedMinutes,
		&order.ActualMinutes,
		&order.BillableMinutes,
		&order.StartedAt,
		&order.CompletedAt,
		&order.Version,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(activities, &order.Activities); err != nil {
		return nil, fmt.Errorf("decode activities: %w", err)
	}
	if err := json.Unmarshal(comments, &order.Comments); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}
	return &order, nil
}

func (r *serviceOrderRepository) Update(ctx context.Context, order *domain.ServiceOrder, expectedVersion int64) error {
	activities, comments, err := encodeOrderHistory(order)
	if err != nil {
		return err
	}
	const query = `
        UPDATE service_orders SET ticket_id=$1, description=$2, status=$3, activities=$4, comments=$5,
            estimated_minutes=$6, actual_minutes=$7, billable_minutes=$8, started_at=$9, completed_at=$10,
            updated_at=$11, version=version+1
        WHERE id=$12 AND version=$13
        RETURNING version`
	err = conn(ctx, r.pool).QueryRow(ctx, query,
		order.TicketID,
		order.Description,
		order.Status,
		activities,
		comments,
		order.EstimatedMinutes,
		order.ActualMinutes,
		order.BillableMinutes,
		order.StartedAt,
		order.CompletedAt,
		order.UpdatedAt,
		order.ID,
		expectedVersion,
	).Scan(&order.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return missingOrConflict(ctx, conn(ctx, r.pool), `SELECT 1 FROM service_orders WHERE id=$1`, order.ID)
	}
	return err
}

func encodeOrderHistory(order *domain.ServiceOrder) ([]byte, []byte, error) {
	activities, err := json.Marshal(nonNil(order.Activities))
	if err != nil {
		return nil, nil, fmt.Errorf("encode activities: %w", err)
	}
	comments, err := json.Marshal(nonNil(order.Comments))
	if err != nil {
		return nil, nil, fmt.Errorf("encode comments: %w", err)
	}
	return activities, comments, nil
}

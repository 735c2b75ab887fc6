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

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, tenant_id, number, title, description, status, priority, category,
               requester_id, assignee_id, comments, first_response_at, resolved_at,
               breach_notified, version, created_at, updated_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	comments, err := json.Marshal(nonNil(ticket.Comments))
	if err != nil {
		return fmt.Errorf("encode comments: %w", err)
	}
	return withTx(ctx, r.pool, func(ctx context.Context, q querier) error {
		const counter = `
        INSERT INTO ticket_counters (tenant_id, last_value) VALUES ($1, 1)
        ON CONFLICT (tenant_id) DO UPDATE SET last_value = ticket_counters.last_value + 1
        RETURNING last_value`
		var seq int64
		if err := q.QueryRow(ctx, counter, ticket.TenantID).Scan(&seq); err != nil {
			return fmt.Errorf("next ticket number: %w", err)
		}
		ticket.Number = TicketNumber(ticket.TenantID, seq)

		const query = `
        INSERT INTO tickets (tenant_id, number, title, description, status, priority, category,
            requester_id, assignee_id, comments, first_response_at, resolved_at, breach_notified,
            version, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1,$14,$15)
        RETURNING id, version`
		return q.QueryRow(ctx, query,
			ticket.TenantID,
			ticket.Number,
			ticket.Title,
			ticket.Description,
			ticket.Status,
			ticket.Priority,
			ticket.Category,
			ticket.RequesterID,
			ticket.AssigneeID,
			comments,
			ticket.FirstResponseAt,
			ticket.ResolvedAt,
			nonNil(ticket.BreachNotified),
			ticket.CreatedAt,
			ticket.UpdatedAt,
		).Scan(&ticket.ID, &ticket.Version)
	})
}

func (r *ticketRepository) Get(ctx context.Context, id int64) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	ticket, err := scanTicket(conn(ctx, r.pool).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return ticket, err
}

func (r *ticketRepository) Update(ctx context.Context, ticket *domain.Ticket, expectedVersion int64) error {
	comments, err := json.Marshal(nonNil(ticket.Comments))
	if err != nil {
		return fmt.Errorf("encode comments: %w", err)
	}
	const query = `
        UPDATE tickets SET title=$1, description=$2, status=$3, priority=$4, category=$5,
            assignee_id=$6, comments=$7, first_response_at=$8, resolved_at=$9, breach_notified=$10,
            updated_at=$11, version=version+1
        WHERE id=$12 AND version=$13
        RETURNING version`
	err = conn(ctx, r.pool).QueryRow(ctx, query,
		ticket.Title,
		ticket.Description,
		ticket.Status,
		ticket.Priority,
		ticket.Category,
		ticket.AssigneeID,
		comments,
		ticket.FirstResponseAt,
		ticket.ResolvedAt,
		nonNil(ticket.BreachNotified),
		ticket.UpdatedAt,
		ticket.ID,
		expectedVersion,
	).Scan(&ticket.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return missingOrConflict(ctx, conn(ctx, r.pool), `SELECT 1 FROM tickets WHERE id=$1`, ticket.ID)
	}
	return err
}

func (r *ticketRepository) ListActive(ctx context.Context, afterID int64, limit int) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + `
        FROM tickets
        WHERE id > $1 AND status NOT IN ('resolved','closed')
        ORDER BY id
        LIMIT $2`
	rows, err := conn(ctx, r.pool).Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var (
		ticket   domain.Ticket
		comments []byte
	)
	if err := row.Scan(
		&ticket.ID,
		&ticket.TenantID,
		&ticket.Number,
		&ticket.Title,
		&ticket.Description,
		&ticket.Status,
		&ticket.Priority,
		&ticket.Category,
		&ticket.RequesterID,
		&ticket.AssigneeID,
		&comments,
		&ticket.FirstResponseAt,
		&ticket.ResolvedAt,
		&ticket.BreachNotified,
		&ticket.Version,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(comments, &ticket.Comments); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}
	return &ticket, nil
}

// missingOrConflict distinguishes a vanished row from a stale version after
// a conditional update matched nothing.
func missingOrConflict(ctx context.Context, q querier, existsQuery string, id int64) error {
	var one int
	err := q.QueryRow(ctx, existsQuery, id).Scan(&one)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrNotFound
	case err != nil:
		return err
	default:
		return domain.ErrVersionConflict
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

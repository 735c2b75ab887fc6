package memory

import (
	"context"
	"slices"

	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/repository"
)

type ticketRepo struct{ s *Store }

func (r ticketRepo) Create(ctx context.Context, t *domain.Ticket) error {
	return r.s.do(ctx, func(st *state) error {
		st.ticketSeq++
		st.ticketCounters[t.TenantID]++
		t.ID = st.ticketSeq
		t.Number = repository.TicketNumber(t.TenantID, st.ticketCounters[t.TenantID])
		t.Version = 1
		st.tickets[t.ID] = t.Clone()
		return nil
	})
}

func (r ticketRepo) Get(ctx context.Context, id int64) (*domain.Ticket, error) {
	var out domain.Ticket
	err := r.s.do(ctx, func(st *state) error {
		t, ok := st.tickets[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r ticketRepo) Update(ctx context.Context, t *domain.Ticket, expectedVersion int64) error {
	return r.s.do(ctx, func(st *state) error {
		cur, ok := st.tickets[t.ID]
		if !ok {
			return domain.ErrNotFound
		}
		if cur.Version != expectedVersion {
			return domain.ErrVersionConflict
		}
		t.Version = expectedVersion + 1
		st.tickets[t.ID] = t.Clone()
		return nil
	})
}

func (r ticketRepo) ListActive(ctx context.Context, afterID int64, limit int) ([]domain.Ticket, error) {
	var out []domain.Ticket
	err := r.s.do(ctx, func(st *state) error {
		for _, t := range st.tickets {
			if t.ID > afterID && !t.Status.Terminal() {
				out = append(out, t.Clone())
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.Ticket) int { return int(a.ID - b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

type orderRepo struct{ s *Store }

func (r orderRepo) Create(ctx context.Context, o *domain.ServiceOrder) error {
	return r.s.do(ctx, func(st *state) error {
		key := orderCounterKey{tenantID: o.TenantID, year: o.CreatedAt.Year()}
		st.orderSeq++
		st.orderCounters[key]++
		o.ID = st.orderSeq
		o.Number = repository.ServiceOrderNumber(o.TenantID, key.year, st.orderCounters[key])
		o.Version = 1
		st.orders[o.ID] = o.Clone()
		return nil
	})
}

func (r orderRepo) Get(ctx context.Context, id int64) (*domain.ServiceOrder, error) {
	var out domain.ServiceOrder
	err := r.s.do(ctx, func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = o.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r orderRepo) Update(ctx context.Context, o *domain.ServiceOrder, expectedVersion int64) error {
	return r.s.do(ctx, func(st *state) error {
		cur, ok := st.orders[o.ID]
		if !ok {
			return domain.ErrNotFound
		}
		if cur.Version != expectedVersion {
			return domain.ErrVersionConflict
		}
		o.Version = expectedVersion + 1
		st.orders[o.ID] = o.Clone()
		return nil
	})
}

package memory

import (
	"context"
	"slices"
	"time"

	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/repository"
)

type outboxRepo struct{ s *Store }

func (r outboxRepo) Append(ctx context.Context, events ...*domain.OutboxEvent) error {
	return r.s.do(ctx, func(st *state) error {
		for _, e := range events {
			e.ID = int64(len(st.outbox)) + 1
			if e.DispatchState == "" {
				e.DispatchState = domain.DispatchPending
			}
			st.outbox = append(st.outbox, *e)
		}
		return nil
	})
}

func (r outboxRepo) Get(ctx context.Context, id int64) (*domain.OutboxEvent, error) {
	var out domain.OutboxEvent
	err := r.s.do(ctx, func(st *state) error {
		e, err := st.event(id)
		if err != nil {
			return err
		}
		out = *e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r outboxRepo) ClaimBatch(ctx context.Context, req repository.ClaimRequest) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	err := r.s.do(ctx, func(st *state) error {
		lease := req.Now.Add(req.LeaseTTL)
		for i := range st.outbox {
			if req.Limit > 0 && len(out) >= req.Limit {
				break
			}
			e := st.outbox[i]
			if e.DispatchState != domain.DispatchPending || e.AvailableAt.After(req.Now) {
				continue
			}
			if e.LeaseUntil != nil && e.LeaseUntil.After(req.Now) {
				continue
			}
			e.ClaimedBy = req.WorkerID
			e.LeaseUntil = &lease
			st.outbox[i] = e
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (r outboxRepo) MarkDispatched(ctx context.Context, id int64, workerID string, at time.Time) error {
	return r.s.do(ctx, func(st *state) error {
		e, err := st.owned(id, workerID)
		if err != nil {
			return err
		}
		e.DispatchState = domain.DispatchDispatched
		e.DispatchedAt = &at
		e.ClaimedBy = ""
		e.LeaseUntil = nil
		return nil
	})
}

func (r outboxRepo) Release(ctx context.Context, id int64, workerID string, availableAt time.Time) error {
	return r.s.do(ctx, func(st *state) error {
		e, err := st.owned(id, workerID)
		if err != nil {
			return err
		}
		e.ClaimedBy = ""
		e.LeaseUntil = nil
		e.AvailableAt = availableAt
		return nil
	})
}

func (r outboxRepo) RecordFailure(ctx context.Context, id int64, workerID, reason string, maxFailures int, availableAt time.Time) (bool, error) {
	var terminal bool
	err := r.s.do(ctx, func(st *state) error {
		e, err := st.owned(id, workerID)
		if err != nil {
			return err
		}
		e.Failures++
		e.LastError = reason
		e.ClaimedBy = ""
		e.LeaseUntil = nil
		e.AvailableAt = availableAt
		if e.Failures >= maxFailures {
			e.DispatchState = domain.DispatchFailedTerminal
			terminal = true
		}
		return nil
	})
	return terminal, err
}

func (r outboxRepo) ExtendLease(ctx context.Context, ids []int64, workerID string, until time.Time) ([]int64, error) {
	var held []int64
	err := r.s.do(ctx, func(st *state) error {
		for _, id := range ids {
			e, err := st.owned(id, workerID)
			if err != nil {
				continue
			}
			lease := until
			e.LeaseUntil = &lease
			held = append(held, id)
		}
		return nil
	})
	slices.Sort(held)
	return held, err
}

func (r outboxRepo) ReleaseAll(ctx context.Context, workerID string) (int64, error) {
	var n int64
	err := r.s.do(ctx, func(st *state) error {
		for i := range st.outbox {
			e := &st.outbox[i]
			if e.ClaimedBy == workerID && e.DispatchState == domain.DispatchPending {
				e.ClaimedBy = ""
				e.LeaseUntil = nil
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r outboxRepo) ListByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	err := r.s.do(ctx, func(st *state) error {
		for _, e := range st.outbox {
			if e.AggregateType == aggregateType && e.AggregateID == aggregateID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (st *state) event(id int64) (*domain.OutboxEvent, error) {
	if id < 1 || id > int64(len(st.outbox)) {
		return nil, domain.ErrNotFound
	}
	return &st.outbox[id-1], nil
}

func (st *state) owned(id int64, workerID string) (*domain.OutboxEvent, error) {
	e, err := st.event(id)
	if err != nil {
		return nil, err
	}
	if e.ClaimedBy != workerID || e.DispatchState != domain.DispatchPending {
		return nil, domain.ErrLeaseLost
	}
	return e, nil
}

package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticketflow/internal/domain"
)

type deliveryRepo struct{ s *Store }

func (r deliveryRepo) Ensure(ctx context.Context, eventID int64, endpointID string, now time.Time) (*domain.WebhookDelivery, error) {
	var out domain.WebhookDelivery
	err := r.s.do(ctx, func(st *state) error {
		key := pairKey{eventID: eventID, endpointID: endpointID}
		if id, ok := st.deliveryByPair[key]; ok {
			out = st.deliveries[id]
			return nil
		}
		out = domain.WebhookDelivery{
			ID:          uuid.NewString(),
			EventID:     eventID,
			EndpointID:  endpointID,
			NextRetryAt: now,
			Outcome:     domain.DeliveryPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		st.deliveries[out.ID] = out
		st.deliveryByPair[key] = out.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r deliveryRepo) ListByEvent(ctx context.Context, eventID int64) ([]domain.WebhookDelivery, error) {
	var out []domain.WebhookDelivery
	err := r.s.do(ctx, func(st *state) error {
		for _, d := range st.deliveries {
			if d.EventID == eventID {
				out = append(out, d)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.WebhookDelivery) int {
		return strings.Compare(a.EndpointID, b.EndpointID)
	})
	return out, err
}

func (r deliveryRepo) RecordAttempt(ctx context.Context, d *domain.WebhookDelivery, prevAttempts int) error {
	return r.s.do(ctx, func(st *state) error {
		cur, ok := st.deliveries[d.ID]
		if !ok {
			return domain.ErrNotFound
		}
		if cur.Outcome.Terminal() || cur.AttemptCount != prevAttempts {
			return domain.ErrConflict
		}
		st.deliveries[d.ID] = *d
		return nil
	})
}

func (r deliveryRepo) Stats(ctx context.Context, endpointID string) (domain.DeliveryStats, error) {
	var stats domain.DeliveryStats
	err := r.s.do(ctx, func(st *state) error {
		for _, d := range st.deliveries {
			if d.EndpointID != endpointID {
				continue
			}
			switch d.Outcome {
			case domain.DeliveryDelivered:
				stats.Delivered++
			case domain.DeliveryExhausted:
				stats.Exhausted++
			default:
				stats.Pending++
			}
		}
		return nil
	})
	return stats, err
}

type endpointRepo struct{ s *Store }

func (r endpointRepo) Create(ctx context.Context, e *domain.WebhookEndpoint) error {
	return r.s.do(ctx, func(st *state) error {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		cp := *e
		cp.EventTypes = slices.Clone(e.EventTypes)
		st.endpoints[e.ID] = cp
		return nil
	})
}

func (r endpointRepo) Get(ctx context.Context, id string) (*domain.WebhookEndpoint, error) {
	var out domain.WebhookEndpoint
	err := r.s.do(ctx, func(st *state) error {
		e, ok := st.endpoints[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = e
		out.EventTypes = slices.Clone(e.EventTypes)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r endpointRepo) ListByTenant(ctx context.Context, tenantID string) ([]domain.WebhookEndpoint, error) {
	return r.list(ctx, func(e domain.WebhookEndpoint) bool { return e.TenantID == tenantID })
}

func (r endpointRepo) ListActive(ctx context.Context, tenantID, eventType string) ([]domain.WebhookEndpoint, error) {
	return r.list(ctx, func(e domain.WebhookEndpoint) bool {
		return e.TenantID == tenantID && e.Active && e.Matches(eventType)
	})
}

func (r endpointRepo) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return r.s.do(ctx, func(st *state) error {
		e, ok := st.endpoints[id]
		if !ok {
			return domain.ErrNotFound
		}
		e.Active = active
		e.UpdatedAt = at
		st.endpoints[id] = e
		return nil
	})
}

func (r endpointRepo) list(ctx context.Context, keep func(domain.WebhookEndpoint) bool) ([]domain.WebhookEndpoint, error) {
	var out []domain.WebhookEndpoint
	err := r.s.do(ctx, func(st *state) error {
		for _, e := range st.endpoints {
			if keep(e) {
				e.EventTypes = slices.Clone(e.EventTypes)
				out = append(out, e)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.WebhookEndpoint) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, err
}

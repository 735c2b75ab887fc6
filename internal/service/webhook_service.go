package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticketflow/internal/clock"
	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/events"
	"github.com/spec-kit/ticketflow/internal/repository"
	"github.com/spec-kit/ticketflow/internal/workflow"
)

// WebhookService manages the endpoint registry.
type WebhookService struct {
	endpoints  repository.EndpointRepository
	deliveries repository.DeliveryRepository
	clock      clock.Clock
	logger     *zap.Logger
}

// WebhookDependencies bundles collaborators for webhook service.
type WebhookDependencies struct {
	EndpointRepo repository.EndpointRepository
	DeliveryRepo repository.DeliveryRepository
	Clock        clock.Clock
	Logger       *zap.Logger
}

// EndpointInput describes an endpoint registration.
type EndpointInput struct {
	URL        string
	EventTypes []string
	Secret     string
}

// NewWebhookService constructs the service.
func NewWebhookService(deps WebhookDependencies) *WebhookService {
	s := &WebhookService{
		endpoints:  deps.EndpointRepo,
		deliveries: deps.DeliveryRepo,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("webhooks")
	return s
}

// RegisterEndpoint subscribes a URL to the given event filters.
func (s *WebhookService) RegisterEndpoint(ctx context.Context, actor domain.Actor, input EndpointInput) (*domain.WebhookEndpoint, error) {
	if actor.Role != domain.RoleAdmin {
		return nil, &workflow.Rejection{Reason: workflow.ReasonRoleForbidden}
	}
	target, err := validateEndpointURL(input.URL)
	if err != nil {
		return nil, err
	}
	filters, err := normalizeFilters(input.EventTypes)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	endpoint := &domain.WebhookEndpoint{
		ID:         uuid.NewString(),
		TenantID:   actor.TenantID,
		URL:        target,
		EventTypes: filters,
		Secret:     input.Secret,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.endpoints.Create(ctx, endpoint); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	s.logger.Info("endpoint registered", zap.String("endpoint_id", endpoint.ID),
		zap.String("tenant_id", endpoint.TenantID), zap.Strings("event_types", endpoint.EventTypes))
	return endpoint, nil
}

// ListEndpoints returns the actor's tenant endpoints.
func (s *WebhookService) ListEndpoints(ctx context.Context, actor domain.Actor) ([]domain.WebhookEndpoint, error) {
	if !actor.Role.IsStaff() {
		return nil, &workflow.Rejection{Reason: workflow.ReasonRoleForbidden}
	}
	return s.endpoints.ListByTenant(ctx, actor.TenantID)
}

// SetEndpointActive pauses or resumes an endpoint.
func (s *WebhookService) SetEndpointActive(ctx context.Context, actor domain.Actor, id string, active bool) (*domain.WebhookEndpoint, error) {
	if actor.Role != domain.RoleAdmin {
		return nil, &workflow.Rejection{Reason: workflow.ReasonRoleForbidden}
	}
	if _, err := s.owned(ctx, actor, id); err != nil {
		return nil, err
	}
	if err := s.endpoints.SetActive(ctx, id, active, s.clock.Now()); err != nil {
		return nil, err
	}
	return s.endpoints.Get(ctx, id)
}

// DeliveryStats summarises delivery outcomes for one of the actor's endpoints.
func (s *WebhookService) DeliveryStats(ctx context.Context, actor domain.Actor, id string) (domain.DeliveryStats, error) {
	if !actor.Role.IsStaff() {
		return domain.DeliveryStats{}, &workflow.Rejection{Reason: workflow.ReasonRoleForbidden}
	}
	if _, err := s.owned(ctx, actor, id); err != nil {
		return domain.DeliveryStats{}, err
	}
	return s.deliveries.Stats(ctx, id)
}

func (s *WebhookService) owned(ctx context.Context, actor domain.Actor, id string) (*domain.WebhookEndpoint, error) {
	endpoint, err := s.endpoints.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if endpoint.TenantID != actor.TenantID {
		return nil, domain.ErrNotFound
	}
	return endpoint, nil
}

func validateEndpointURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: endpoint url must be an absolute http(s) url", domain.ErrValidation)
	}
	return raw, nil
}

var knownEventTypes = map[string]struct{}{
	string(events.EventTicketCreated):             {},
	string(events.EventTicketStatusChanged):       {},
	string(events.EventTicketCommented):           {},
	string(events.EventTicketSLABreached):         {},
	string(events.EventServiceOrderCreated):       {},
	string(events.EventServiceOrderStatusChanged): {},
	string(events.EventServiceOrderActivityAdded): {},
	string(events.EventServiceOrderLinked):        {},
}

// normalizeFilters accepts exact event types, the wildcard, or "prefix.*".
func normalizeFilters(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		f := strings.TrimSpace(raw)
		if f == "" {
			continue
		}
		_, known := knownEventTypes[f]
		prefix := strings.HasSuffix(f, ".*") && len(f) > 2
		if !known && !prefix && f != domain.WildcardEventType {
			return nil, fmt.Errorf("%w: unknown event type %q", domain.ErrValidation, f)
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one event type required", domain.ErrValidation)
	}
	return out, nil
}

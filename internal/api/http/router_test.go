package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticketflow/internal/api/http/handlers"
	"github.com/spec-kit/ticketflow/internal/auth"
	"github.com/spec-kit/ticketflow/internal/clock"
	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/observability"
	"github.com/spec-kit/ticketflow/internal/repository/memory"
	"github.com/spec-kit/ticketflow/internal/service"
	"github.com/spec-kit/ticketflow/internal/webhook"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type runner struct{ calls int }

func (r *runner) RunOnce(context.Context) (webhook.BatchResult, error) {
	r.calls++
	return webhook.BatchResult{Claimed: 2, Dispatched: 2}, nil
}

type sweeper struct{}

func (sweeper) SweepSLABreaches(context.Context) (int, error) { return 3, nil }

type testServer struct {
	app    *fiber.App
	tokens *auth.TokenManager
	runner *runner
}

func newTestServer(t *testing.T, deps map[string]handlers.Pinger) *testServer {
	t.Helper()
	store := memory.NewStore()
	fake := clock.NewFake(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))
	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	tokens := auth.NewTokenManager("test-secret", 15)
	r := &runner{}

	tickets := service.NewTicketService(service.TicketDependencies{
		TxManager:  store,
		TicketRepo: store.Tickets(),
		OutboxRepo: store.Outbox(),
		Clock:      fake,
		Metrics:    metrics,
	})
	orders := service.NewServiceOrderService(service.ServiceOrderDependencies{
		TxManager:        store,
		ServiceOrderRepo: store.ServiceOrders(),
		TicketRepo:       store.Tickets(),
		OutboxRepo:       store.Outbox(),
		Clock:            fake,
	})
	webhooks := service.NewWebhookService(service.WebhookDependencies{
		EndpointRepo: store.Endpoints(),
		DeliveryRepo: store.Deliveries(),
		Clock:        fake,
	})

	app := fiber.New()
	RegisterMiddlewares(app, logger, metrics, time.Second)
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler("ticketflow", "test", deps),
		Tickets:        handlers.NewTicketsHandler(tickets),
		ServiceOrders:  handlers.NewServiceOrdersHandler(orders),
		Webhooks:       handlers.NewWebhooksHandler(webhooks),
		Ops:            handlers.NewOpsHandler(r, sweeper{}),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		Metrics:        metrics,
	})
	return &testServer{app: app, tokens: tokens, runner: r}
}

func (s *testServer) token(t *testing.T, actorID string, role domain.Role) string {
	t.Helper()
	token, _, err := s.tokens.GenerateToken(actorID, "acme", role)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, map[string]handlers.Pinger{"postgres": pinger{}, "redis": pinger{}})

	status, body := s.do(t, nethttp.MethodGet, "/health/live", "", nil)
	assert.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, "alive", body["status"])

	status, body = s.do(t, nethttp.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, "ready", body["status"])

	down := newTestServer(t, map[string]handlers.Pinger{"postgres": pinger{}, "redis": pinger{err: errors.New("connection refused")}})
	status, body = down.do(t, nethttp.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, nethttp.StatusServiceUnavailable, status)
	assert.Equal(t, "DEPENDENCY_UNAVAILABLE", errorCode(body))
}

func TestTicketLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	customer := s.token(t, "cust-1", domain.RoleRequester)
	agent := s.token(t, "agent-a", domain.RoleAgent)

	status, body := s.do(t, nethttp.MethodPost, "/v1/tickets", customer, map[string]any{
		"title":    "Printer on fire",
		"priority": "high",
	})
	require.Equal(t, nethttp.StatusCreated, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "TKT-acme-000001", data["number"])
	assert.Equal(t, "new", data["status"])

	status, _ = s.do(t, nethttp.MethodPost, "/v1/tickets/1/transitions", agent, map[string]any{"status": "open"})
	require.Equal(t, nethttp.StatusOK, status)

	status, body = s.do(t, nethttp.MethodPost, "/v1/tickets/1/transitions", agent, map[string]any{"status": "in_progress"})
	require.Equal(t, nethttp.StatusOK, status)
	data = body["data"].(map[string]any)
	assert.Equal(t, "in_progress", data["status"])
	assert.Equal(t, "agent-a", data["assignee_id"])

	status, body = s.do(t, nethttp.MethodPost, "/v1/tickets/1/transitions", agent, map[string]any{"status": "new"})
	assert.Equal(t, nethttp.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))

	status, body = s.do(t, nethttp.MethodPost, "/v1/tickets/1/comments", customer, map[string]any{"body": "any news?"})
	require.Equal(t, nethttp.StatusCreated, status)
	comments := body["data"].(map[string]any)["comments"].([]any)
	assert.NotEmpty(t, comments)

	status, body = s.do(t, nethttp.MethodGet, "/v1/tickets/1/sla", agent, nil)
	require.Equal(t, nethttp.StatusOK, status)
	assert.NotNil(t, body["data"])

	status, _ = s.do(t, nethttp.MethodGet, "/v1/tickets/99", agent, nil)
	assert.Equal(t, nethttp.StatusNotFound, status)

	status, body = s.do(t, nethttp.MethodGet, "/v1/tickets/abc", agent, nil)
	assert.Equal(t, nethttp.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))
}

func TestAuthorizationOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(t, nethttp.MethodPost, "/v1/tickets", "", map[string]any{"title": "x"})
	assert.Equal(t, nethttp.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	status, body = s.do(t, nethttp.MethodPost, "/v1/tickets", s.token(t, "v-1", domain.RoleViewer), map[string]any{"title": "x"})
	assert.Equal(t, nethttp.StatusForbidden, status)
	assert.Equal(t, "ROLE_FORBIDDEN", errorCode(body))

	customer := s.token(t, "cust-1", domain.RoleRequester)
	status, _ = s.do(t, nethttp.MethodPost, "/v1/service-orders", customer, map[string]any{"description": "swap disk"})
	assert.Equal(t, nethttp.StatusForbidden, status)

	status, _ = s.do(t, nethttp.MethodPost, "/v1/ops/dispatch", s.token(t, "agent-a", domain.RoleAgent), nil)
	assert.Equal(t, nethttp.StatusForbidden, status)
	assert.Zero(t, s.runner.calls)
}

func TestServiceOrderOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	agent := s.token(t, "agent-a", domain.RoleAgent)

	status, body := s.do(t, nethttp.MethodPost, "/v1/service-orders", agent, map[string]any{
		"description":       "Replace fuser",
		"estimated_minutes": 90,
	})
	require.Equal(t, nethttp.StatusCreated, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "OS-acme-2025-00001", data["number"])
	assert.Equal(t, "draft", data["status"])

	status, _ = s.do(t, nethttp.MethodPost, "/v1/service-orders/1/transitions", agent, map[string]any{"status": "scheduled"})
	require.Equal(t, nethttp.StatusOK, status)
	status, _ = s.do(t, nethttp.MethodPost, "/v1/service-orders/1/transitions", agent, map[string]any{"status": "in_progress"})
	require.Equal(t, nethttp.StatusOK, status)

	status, body = s.do(t, nethttp.MethodPost, "/v1/service-orders/1/activities", agent, map[string]any{
		"type": "repair", "description": "swapped fuser", "minutes": 45, "billable": true,
	})
	require.Equal(t, nethttp.StatusCreated, status)
	data = body["data"].(map[string]any)
	assert.EqualValues(t, 45, data["actual_minutes"])
	assert.EqualValues(t, 45, data["billable_minutes"])

	status, body = s.do(t, nethttp.MethodPost, "/v1/service-orders/1/activities", agent, map[string]any{
		"type": "juggling", "description": "x", "minutes": 5,
	})
	assert.Equal(t, nethttp.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))
}

func TestWebhookRegistrationHidesSecret(t *testing.T) {
	s := newTestServer(t, nil)
	admin := s.token(t, "admin-1", domain.RoleAdmin)

	status, body := s.do(t, nethttp.MethodPost, "/v1/webhooks", admin, map[string]any{
		"url":         "https://hooks.example.com/in",
		"event_types": []string{"ticket.*"},
		"secret":      "s3cret",
	})
	require.Equal(t, nethttp.StatusCreated, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["signed"])
	assert.NotContains(t, data, "secret")
	id := data["id"].(string)

	status, body = s.do(t, nethttp.MethodPatch, "/v1/webhooks/"+id, admin, map[string]any{"active": false})
	require.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, false, body["data"].(map[string]any)["active"])

	status, body = s.do(t, nethttp.MethodGet, "/v1/webhooks/"+id+"/stats", admin, nil)
	require.Equal(t, nethttp.StatusOK, status)
	assert.EqualValues(t, 0, body["data"].(map[string]any)["delivered"])

	status, body = s.do(t, nethttp.MethodGet, "/v1/webhooks", s.token(t, "agent-a", domain.RoleAgent), nil)
	require.Equal(t, nethttp.StatusOK, status)
	assert.Len(t, body["data"], 1)
}

func TestOpsAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	admin := s.token(t, "admin-1", domain.RoleAdmin)

	status, body := s.do(t, nethttp.MethodPost, "/v1/ops/dispatch", admin, nil)
	require.Equal(t, nethttp.StatusOK, status)
	assert.EqualValues(t, 2, body["data"].(map[string]any)["dispatched"])
	assert.Equal(t, 1, s.runner.calls)

	status, body = s.do(t, nethttp.MethodPost, "/v1/ops/sla-sweep", admin, nil)
	require.Equal(t, nethttp.StatusOK, status)
	assert.EqualValues(t, 3, body["data"].(map[string]any)["announced"])

	req := httptest.NewRequest(nethttp.MethodGet, "/metrics", nil)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "http_requests_total")
}

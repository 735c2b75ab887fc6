package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticketflow/internal/api/dto"
	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/service"
	apperrors "github.com/spec-kit/ticketflow/pkg/errorutil"
)

// WebhooksHandler manages subscriber endpoints.
type WebhooksHandler struct {
	service *service.WebhookService
}

// NewWebhooksHandler constructs handler.
func NewWebhooksHandler(webhookService *service.WebhookService) *WebhooksHandler {
	return &WebhooksHandler{service: webhookService}
}

// Register POST /v1/webhooks.
func (h *WebhooksHandler) Register(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.RegisterWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	endpoint, err := h.service.RegisterEndpoint(c.UserContext(), actor, service.EndpointInput{
		URL:        req.URL,
		EventTypes: req.EventTypes,
		Secret:     req.Secret,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": webhookResponse(endpoint)})
}

// List GET /v1/webhooks.
func (h *WebhooksHandler) List(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	endpoints, err := h.service.ListEndpoints(c.UserContext(), actor)
	if err != nil {
		return err
	}
	items := make([]dto.WebhookResponse, 0, len(endpoints))
	for i := range endpoints {
		items = append(items, webhookResponse(&endpoints[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Update PATCH /v1/webhooks/:id.
func (h *WebhooksHandler) Update(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.UpdateWebhookRequest
	if err := c.BodyParser(&req); err != nil || req.Active == nil {
		return apperrors.NewValidationError("active required", nil)
	}
	endpoint, err := h.service.SetEndpointActive(c.UserContext(), actor, c.Params("id"), *req.Active)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": webhookResponse(endpoint)})
}

// Stats GET /v1/webhooks/:id/stats.
func (h *WebhooksHandler) Stats(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	stats, err := h.service.DeliveryStats(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": stats})
}

func webhookResponse(endpoint *domain.WebhookEndpoint) dto.WebhookResponse {
	return dto.WebhookResponse{
		ID:         endpoint.ID,
		URL:        endpoint.URL,
		EventTypes: endpoint.EventTypes,
		Active:     endpoint.Active,
		Signed:     endpoint.Secret != "",
		CreatedAt:  endpoint.CreatedAt,
		UpdatedAt:  endpoint.UpdatedAt,
	}
}

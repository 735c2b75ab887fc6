package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticketflow/internal/api/dto"
	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/service"
	"github.com/spec-kit/ticketflow/internal/workflow"
	apperrors "github.com/spec-kit/ticketflow/pkg/errorutil"
)

// ServiceOrdersHandler manages service order endpoints.
type ServiceOrdersHandler struct {
	service *service.ServiceOrderService
}

// NewServiceOrdersHandler constructs handler.
func NewServiceOrdersHandler(orderService *service.ServiceOrderService) *ServiceOrdersHandler {
	return &ServiceOrdersHandler{service: orderService}
}

// Create POST /v1/service-orders.
func (h *ServiceOrdersHandler) Create(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.CreateServiceOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	order, err := h.service.CreateServiceOrder(c.UserContext(), actor, service.ServiceOrderCreateInput{
		TicketID:         req.TicketID,
		Description:      req.Description,
		EstimatedMinutes: req.EstimatedMinutes,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": serviceOrderResponse(order)})
}

// Get GET /v1/service-orders/:id.
func (h *ServiceOrdersHandler) Get(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	order, err := h.service.GetServiceOrder(c.UserContext(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": serviceOrderResponse(order)})
}

// Transition POST /v1/service-orders/:id/transitions.
func (h *ServiceOrdersHandler) Transition(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req dto.TransitionRequest
	if err := c.BodyParser(&req); err != nil || req.Status == "" {
		return apperrors.NewValidationError("status required", nil)
	}
	order, err := h.service.RequestTransition(c.UserContext(), actor, id, domain.ServiceOrderStatus(req.Status), req.Comment)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": serviceOrderResponse(order)})
}

// AddActivity POST /v1/service-orders/:id/activities.
func (h *ServiceOrdersHandler) AddActivity(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req dto.ActivityRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	order, err := h.service.AddActivity(c.UserContext(), actor, id, workflow.ActivityInput{
		Type:        req.Type,
		Description: req.Description,
		Minutes:     req.Minutes,
		Billable:    req.Billable,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": serviceOrderResponse(order)})
}

// Link POST /v1/service-orders/:id/link.
func (h *ServiceOrdersHandler) Link(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req dto.LinkRequest
	if err := c.BodyParser(&req); err != nil || req.TicketID <= 0 {
		return apperrors.NewValidationError("ticket_id required", nil)
	}
	order, err := h.service.LinkTicket(c.UserContext(), actor, id, req.TicketID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": serviceOrderResponse(order)})
}

func serviceOrderResponse(order *domain.ServiceOrder) dto.ServiceOrderResponse {
	activities := order.Activities
	if activities == nil {
		activities = []domain.Activity{}
	}
	return dto.ServiceOrderResponse{
		ID:               order.ID,
		Number:           order.Number,
		TicketID:         order.TicketID,
		Description:      order.Description,
		Status:           order.Status,
		Activities:       activities,
		Comments:         commentResponses(order.Comments),
		EstimatedMinutes: order.EstimatedMinutes,
		ActualMinutes:    order.ActualMinutes,
		BillableMinutes:  order.BillableMinutes,
		StartedAt:        order.StartedAt,
		CompletedAt:      order.CompletedAt,
		Version:          order.Version,
		CreatedAt:        order.CreatedAt,
		UpdatedAt:        order.UpdatedAt,
	}
}

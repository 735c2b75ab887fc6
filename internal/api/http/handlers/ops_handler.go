package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticketflow/internal/webhook"
)

// BatchRunner processes one outbox batch.
type BatchRunner interface {
	RunOnce(ctx context.Context) (webhook.BatchResult, error)
}

// SLASweeper announces newly breached SLA deadlines.
type SLASweeper interface {
	SweepSLABreaches(ctx context.Context) (int, error)
}

// OpsHandler exposes operator triggers for background work.
type OpsHandler struct {
	dispatcher BatchRunner
	sweeper    SLASweeper
}

// NewOpsHandler constructs handler.
func NewOpsHandler(dispatcher BatchRunner, sweeper SLASweeper) *OpsHandler {
	return &OpsHandler{dispatcher: dispatcher, sweeper: sweeper}
}

// Dispatch POST /v1/ops/dispatch runs a single dispatcher pass.
func (h *OpsHandler) Dispatch(c *fiber.Ctx) error {
	result, err := h.dispatcher.RunOnce(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": result})
}

// Sweep POST /v1/ops/sla-sweep.
func (h *OpsHandler) Sweep(c *fiber.Ctx) error {
	announced, err := h.sweeper.SweepSLABreaches(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"announced": announced}})
}

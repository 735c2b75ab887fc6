package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/ticketflow/internal/api/http/handlers"
	"github.com/spec-kit/ticketflow/internal/auth"
	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Tickets        *handlers.TicketsHandler
	ServiceOrders  *handlers.ServiceOrdersHandler
	Webhooks       *handlers.WebhooksHandler
	Ops            *handlers.OpsHandler
	AuthMiddleware *auth.AuthMiddleware
	Metrics        *observability.Metrics
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := app.Group("/v1", cfg.AuthMiddleware.Handle)

	tickets := v1.Group("/tickets")
	tickets.Post("/", cfg.Tickets.CreateTicket)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Post("/:id/transitions", cfg.Tickets.Transition)
	tickets.Post("/:id/comments", cfg.Tickets.AddComment)
	tickets.Get("/:id/sla", cfg.Tickets.GetSLA)

	orders := v1.Group("/service-orders", auth.RequireStaff())
	orders.Post("/", cfg.ServiceOrders.Create)
	orders.Get("/:id", cfg.ServiceOrders.Get)
	orders.Post("/:id/transitions", cfg.ServiceOrders.Transition)
	orders.Post("/:id/activities", cfg.ServiceOrders.AddActivity)
	orders.Post("/:id/link", cfg.ServiceOrders.Link)

	webhooks := v1.Group("/webhooks", auth.RequireStaff())
	webhooks.Post("/", cfg.Webhooks.Register)
	webhooks.Get("/", cfg.Webhooks.List)
	webhooks.Patch("/:id", cfg.Webhooks.Update)
	webhooks.Get("/:id/stats", cfg.Webhooks.Stats)

	if cfg.Ops != nil {
		ops := v1.Group("/ops", auth.RequireRole(domain.RoleAdmin))
		ops.Post("/dispatch", cfg.Ops.Dispatch)
		ops.Post("/sla-sweep", cfg.Ops.Sweep)
	}
}

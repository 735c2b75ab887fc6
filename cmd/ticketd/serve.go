package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httptransport "github.com/spec-kit/ticketflow/internal/api/http"
	"github.com/spec-kit/ticketflow/internal/api/http/handlers"
	"github.com/spec-kit/ticketflow/internal/auth"
	"github.com/spec-kit/ticketflow/internal/worker"
)

func newServeCommand() *cobra.Command {
	var withoutWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  `Run the HTTP API. Unless disabled, the webhook dispatcher and SLA sweeper run in the same process.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer app.close()
			return app.serve(ctx, !withoutWorkers)
		},
	}
	cmd.Flags().BoolVar(&withoutWorkers, "no-workers", false, "Do not run the embedded dispatcher and SLA sweeper")
	return cmd
}

func (a *application) serve(ctx context.Context, embedded bool) error {
	tokens := auth.NewTokenManager(a.cfg.Auth.JWTSecret, a.cfg.Auth.AccessTokenTTLMinutes)

	server := fiber.New(fiber.Config{AppName: a.cfg.App.Name, DisableStartupMessage: true})
	httptransport.RegisterMiddlewares(server, a.logger, a.metrics, a.cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(server, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(a.cfg.App.Name, a.cfg.App.Version, map[string]handlers.Pinger{
			"postgres": a.postgres,
			"redis":    a.redis,
		}),
		Tickets:        handlers.NewTicketsHandler(a.tickets),
		ServiceOrders:  handlers.NewServiceOrdersHandler(a.serviceOrders),
		Webhooks:       handlers.NewWebhooksHandler(a.webhooks),
		Ops:            handlers.NewOpsHandler(a.dispatcher, a.notifications),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		Metrics:        a.metrics,
	})

	var sweeper *worker.SLASweeper
	if embedded && a.cfg.SLA.SweepEnabled {
		var err error
		if sweeper, err = worker.NewSLASweeper(a.notifications, a.cfg.SLA.SweepSchedule, a.logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http listening", zap.String("addr", a.cfg.App.Addr()))
		return server.Listen(a.cfg.App.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down http server")
		return server.ShutdownWithTimeout(10 * time.Second)
	})
	if embedded && a.cfg.Dispatcher.Embedded {
		g.Go(func() error { return a.dispatcher.Run(gctx) })
	}
	if sweeper != nil {
		g.Go(func() error { return sweeper.Run(gctx) })
	}
	return g.Wait()
}

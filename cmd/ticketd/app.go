package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/spec-kit/ticketflow/internal/clock"
	"github.com/spec-kit/ticketflow/internal/config"
	"github.com/spec-kit/ticketflow/internal/events"
	"github.com/spec-kit/ticketflow/internal/observability"
	"github.com/spec-kit/ticketflow/internal/persistence"
	"github.com/spec-kit/ticketflow/internal/repository"
	"github.com/spec-kit/ticketflow/internal/service"
	"github.com/spec-kit/ticketflow/internal/sla"
	"github.com/spec-kit/ticketflow/internal/webhook"
)

// application holds the wired collaborators shared by subcommands.
type application struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	postgres *persistence.Postgres
	redis    *persistence.Redis
	notifier events.Notifier

	tickets       *service.TicketService
	serviceOrders *service.ServiceOrderService
	webhooks      *service.WebhookService
	notifications *service.NotificationService
	dispatcher    *webhook.Dispatcher
}

func loadBase() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func connectPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*persistence.Postgres, error) {
	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if pg.PoolHandle() == nil {
		return nil, errors.New("POSTGRES_DSN is required")
	}
	return pg, nil
}

// bootstrap connects storage and builds every service.
func bootstrap(ctx context.Context) (*application, error) {
	cfg, logger, err := loadBase()
	if err != nil {
		return nil, err
	}

	pg, err := connectPostgres(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.RunMigrations {
		if err := persistence.NewMigrator(pg.PoolHandle(), logger).Up(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	policies, err := sla.LoadPolicyFile(cfg.SLA.PolicyFile)
	if err != nil {
		pg.Close()
		return nil, err
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	notifier := redis.Notifier()
	metrics := observability.NewMetrics()
	tracker := sla.NewTracker(policies, cfg.SLA.WarningRatio)
	clk := clock.Real()

	pool := pg.PoolHandle()
	txManager := repository.NewTxManager(pool)
	ticketRepo := repository.NewTicketRepository(pool)
	orderRepo := repository.NewServiceOrderRepository(pool)
	outboxRepo := repository.NewOutboxRepository(pool)
	endpointRepo := repository.NewEndpointRepository(pool)
	deliveryRepo := repository.NewDeliveryRepository(pool)

	app := &application{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		postgres: pg,
		redis:    redis,
		notifier: notifier,
		tickets: service.NewTicketService(service.TicketDependencies{
			TxManager:  txManager,
			TicketRepo: ticketRepo,
			OutboxRepo: outboxRepo,
			Tracker:    tracker,
			Clock:      clk,
			Notifier:   notifier,
			Metrics:    metrics,
			Logger:     logger,
		}),
		serviceOrders: service.NewServiceOrderService(service.ServiceOrderDependencies{
			TxManager:        txManager,
			ServiceOrderRepo: orderRepo,
			TicketRepo:       ticketRepo,
			OutboxRepo:       outboxRepo,
			Clock:            clk,
			Notifier:         notifier,
			Metrics:          metrics,
			Logger:           logger,
		}),
		webhooks: service.NewWebhookService(service.WebhookDependencies{
			EndpointRepo: endpointRepo,
			DeliveryRepo: deliveryRepo,
			Clock:        clk,
			Logger:       logger,
		}),
		notifications: service.NewNotificationService(service.NotificationDependencies{
			TxManager:  txManager,
			TicketRepo: ticketRepo,
			OutboxRepo: outboxRepo,
			Tracker:    tracker,
			Clock:      clk,
			Notifier:   notifier,
			Metrics:    metrics,
			Logger:     logger,
			BatchSize:  cfg.SLA.SweepBatchSize,
		}),
		dispatcher: webhook.NewDispatcher(webhook.ConfigFrom(cfg.Dispatcher), webhook.Dependencies{
			Outbox:     outboxRepo,
			Deliveries: deliveryRepo,
			Endpoints:  endpointRepo,
			Sender:     webhook.NewHTTPSender(&http.Client{}),
			Clock:      clk,
			Notifier:   notifier,
			Metrics:    metrics,
			Logger:     logger,
		}),
	}
	return app, nil
}

func (a *application) close() {
	a.redis.Close()
	a.postgres.Close()
	_ = a.logger.Sync()
}

package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tournevent/shipsync/internal/booking"
	"github.com/tournevent/shipsync/internal/config"
	"github.com/tournevent/shipsync/internal/notify"
	"github.com/tournevent/shipsync/internal/quote"
	"github.com/tournevent/shipsync/internal/server"
	"github.com/tournevent/shipsync/internal/shipment"
	"github.com/tournevent/shipsync/internal/status"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/internal/telemetry"
	"github.com/tournevent/shipsync/internal/tracking"
	"github.com/tournevent/shipsync/internal/webhook"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/tournevent/shipsync/pkg/shipper/lce"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
	store   store.Store
	api     shipper.API

	quotes    *quote.Cache
	offers    *quote.Selector
	trigger   *notify.Trigger
	machine   *status.Machine
	booking   *booking.Orchestrator
	tracking  *tracking.Synchronizer
	shipments *shipment.Service
	webhooks  *webhook.Handler

	closers []func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(telemetry.LogConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: cfg.ServiceName,
		Version: cfg.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(prometheus.DefaultRegisterer),
	}
	a.closers = append(a.closers, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	tracer, err := a.initTracer(ctx)
	if err != nil {
		logger.Warn("Failed to initialize tracer", zap.Error(err))
	}

	if err := a.initStore(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.api = a.initAPI(tracer)

	mailer, err := a.initMailer(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	normalizer := tracking.NewNormalizer(cfg.LabelLocale, cfg.LabelFallbackLocale)

	a.trigger = notify.NewTrigger(cfg, a.store, mailer, cfg.MailFrom, logger, a.metrics)
	a.machine = status.New(a.api, a.store, a.trigger, logger, a.metrics)
	a.quotes = quote.NewCache(cfg, a.api, a.store, logger, a.metrics)
	a.offers = quote.NewSelector(a.api, a.store, logger, a.metrics)
	a.booking = booking.New(cfg, a.api, a.store, a.offers, a.machine, logger, a.metrics)
	a.tracking = tracking.NewSynchronizer(a.api, a.store, a.machine, normalizer, logger, a.metrics)
	a.shipments = shipment.NewService(cfg, a.api, a.store, logger, a.metrics)
	a.webhooks = webhook.NewHandler(cfg, webhook.NewIngestor(a.store, a.machine, normalizer, logger, a.metrics), logger, a.metrics)

	return a, nil
}

func (a *app) initTracer(ctx context.Context) (trace.Tracer, error) {
	if !a.cfg.OTELEnabled {
		return nil, nil
	}
	tracer, shutdown, err := telemetry.InitTracer(ctx, a.cfg.OTELEndpoint, a.cfg.ServiceName, a.cfg.Attributes()...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)
	return tracer, nil
}

func (a *app) initStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set, shipments are kept in memory")
		a.store = store.NewMemoryStore()
		return nil
	}
	gs, err := store.OpenPostgres(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.store = gs
	a.closers = append(a.closers, func(context.Context) error { return gs.Close() })
	return nil
}

func (a *app) initAPI(tracer trace.Tracer) shipper.API {
	if a.cfg.APIUseMock {
		a.logger.Info("Using mock shipping API")
		return lce.NewMockClient()
	}
	baseURL := a.cfg.APIBaseURL
	if baseURL == "" {
		baseURL = lce.BaseURLFor(a.cfg.APIEnv)
	}
	return lce.New(lce.Config{
		Login:          a.cfg.APILogin,
		Password:       a.cfg.APIPassword,
		BaseURL:        baseURL,
		Timeout:        a.cfg.APITimeout,
		ConnectTimeout: a.cfg.APIConnectTimeout,
	}, a.logger, tracer)
}

func (a *app) initMailer(ctx context.Context) (notify.Mailer, error) {
	if !a.cfg.GmailConfigured() {
		return notify.NewLogMailer(a.logger), nil
	}
	m, err := notify.NewGmailMailer(ctx, notify.GmailConfig{
		ClientID:     a.cfg.GmailClientID,
		ClientSecret: a.cfg.GmailClientSecret,
		RefreshToken: a.cfg.GmailRefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gmail: %w", err)
	}
	return m, nil
}

func (a *app) serverDeps() server.Deps {
	return server.Deps{
		API:       a.api,
		Quotes:    a.quotes,
		Offers:    a.offers,
		Booking:   a.booking,
		Machine:   a.machine,
		Tracking:  a.tracking,
		Shipments: a.shipments,
		Webhooks:  a.webhooks,
	}
}

// Close waits for pending notifications and releases resources in reverse order.
func (a *app) Close(ctx context.Context) {
	if a.trigger != nil {
		a.trigger.Wait()
	}
	ctx = context.WithoutCancel(ctx)
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("Shutdown error", zap.Error(err))
		}
	}
}

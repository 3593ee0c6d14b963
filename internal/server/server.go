// Package server exposes the shipment engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tournevent/shipsync/internal/booking"
	"github.com/tournevent/shipsync/internal/quote"
	"github.com/tournevent/shipsync/internal/shipment"
	"github.com/tournevent/shipsync/internal/status"
	"github.com/tournevent/shipsync/internal/telemetry"
	"github.com/tournevent/shipsync/internal/tracking"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Config holds server configuration.
type Config struct {
	Port int
}

// Deps are the components served over HTTP.
type Deps struct {
	API       shipper.API
	Quotes    *quote.Cache
	Offers    *quote.Selector
	Booking   *booking.Orchestrator
	Machine   *status.Machine
	Tracking  *tracking.Synchronizer
	Shipments *shipment.Service
	Webhooks  http.Handler
	// Metrics defaults to the default Prometheus registry.
	Metrics http.Handler
}

// Server is the HTTP server of the shipment service.
type Server struct {
	port    int
	deps    Deps
	router  *mux.Router
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
}

// New creates a new server instance.
func New(cfg Config, deps Deps, logger *otelzap.Logger, metrics *telemetry.Metrics) *Server {
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	s := &Server{
		port:    cfg.Port,
		deps:    deps,
		router:  mux.NewRouter(),
		logger:  logger,
		metrics: metrics,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	if s.deps.Webhooks != nil {
		s.router.Handle("/webhooks/tracking", s.deps.Webhooks).Methods(http.MethodPost)
	}

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/quotes", s.createQuoteHandler).Methods(http.MethodPost)
	api.HandleFunc("/quotes/{id}/offers", s.listOffersHandler).Methods(http.MethodGet)
	api.HandleFunc("/carts/{cartID}/quotes", s.invalidateQuotesHandler).Methods(http.MethodDelete)
	api.HandleFunc("/offers/{id}/relays", s.listRelaysHandler).Methods(http.MethodGet)

	api.HandleFunc("/shipments", s.createShipmentHandler).Methods(http.MethodPost)
	api.HandleFunc("/shipments/{id}", s.getShipmentHandler).Methods(http.MethodGet)
	api.HandleFunc("/shipments/{id}/labels", s.getLabelsHandler).Methods(http.MethodGet)
	api.HandleFunc("/shipments/{id}/book", s.bookShipmentHandler).Methods(http.MethodPost)
	api.HandleFunc("/shipments/{id}/cancel", s.cancelShipmentHandler).Methods(http.MethodPost)
	api.HandleFunc("/shipments/{id}/sync", s.syncShipmentHandler).Methods(http.MethodPost)
	api.HandleFunc("/shipments/{id}/return", s.createReturnHandler).Methods(http.MethodPost)
}

// Run starts the HTTP server and blocks until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.Int("port", s.port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if route == "/metrics" || route == "/health" {
			return
		}
		duration := time.Since(start)
		s.metrics.RecordRequest(r.Method+" "+route, strconv.Itoa(rec.status), duration.Seconds())
		s.logger.Ctx(r.Context()).Info("Request processed",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", duration),
		)
	})
}

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/telemetry"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// maxBodyBytes bounds an inbound webhook body.
const maxBodyBytes = 1 << 20

// Ingester is what Handler hands authenticated payloads to.
type Ingester interface {
	Ingest(ctx context.Context, payload shipper.Document, eventID string) (Outcome, error)
}

// Response is the JSON body of every webhook reply.
type Response struct {
	Status    string `json:"status"`
	WebhookID string `json:"webhook_id"`
	Message   string `json:"message,omitempty"`
}

// Handler is the HTTP endpoint receiving carrier tracking pushes.
type Handler struct {
	settings domain.Settings
	ingester Ingester
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
}

// NewHandler creates the webhook endpoint.
func NewHandler(settings domain.Settings, ingester Ingester, logger *otelzap.Logger, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		settings: settings,
		ingester: ingester,
		logger:   logger,
		metrics:  metrics,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	webhookID := NewWebhookID()
	log := h.logger.Ctx(ctx)

	if !h.settings.WebhookEnabled() {
		h.metrics.RecordWebhook("disabled")
		h.reply(w, http.StatusServiceUnavailable, Response{Status: "error", WebhookID: webhookID, Message: "webhooks are disabled"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.RecordWebhook("invalid")
		h.reply(w, http.StatusBadRequest, Response{Status: "error", WebhookID: webhookID, Message: "unreadable body"})
		return
	}

	if !ValidateSignature(body, SignatureFrom(r.Header), h.settings.WebhookSecret()) {
		log.Warn("Webhook signature rejected",
			zap.String("webhook_id", webhookID),
			zap.String("remote_addr", r.RemoteAddr),
		)
		h.metrics.RecordWebhook("unauthorized")
		h.reply(w, http.StatusUnauthorized, Response{Status: "error", WebhookID: webhookID, Message: "invalid signature"})
		return
	}

	if len(body) == 0 {
		h.metrics.RecordWebhook("invalid")
		h.reply(w, http.StatusBadRequest, Response{Status: "error", WebhookID: webhookID, Message: "empty body"})
		return
	}
	payload, err := shipper.DecodeDocument(body)
	if err != nil || payload == nil {
		log.Warn("Webhook payload is not a JSON object",
			zap.String("webhook_id", webhookID),
			zap.Int("bytes", len(body)),
		)
		h.metrics.RecordWebhook("invalid")
		h.reply(w, http.StatusBadRequest, Response{Status: "error", WebhookID: webhookID, Message: "invalid JSON payload"})
		return
	}

	eventID := ResolveEventID(r.Header, payload)
	ids := []zap.Field{zap.String("webhook_id", webhookID), zap.String("event_id", eventID)}
	log.Info("Webhook received", append(ids, zap.String("event", payload.String("event", "type")))...)

	outcome, err := h.ingester.Ingest(ctx, payload, eventID)
	if err != nil {
		log.Error("Webhook processing failed", append(ids, zap.Error(err))...)
		h.reply(w, http.StatusInternalServerError, Response{Status: "error", WebhookID: webhookID, Message: "internal error"})
		return
	}

	h.reply(w, http.StatusOK, Response{Status: string(outcome), WebhookID: webhookID})
}

func (h *Handler) reply(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to write webhook response", zap.Error(err))
	}
}

package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tournevent/shipsync/internal/tracking"
	"github.com/tournevent/shipsync/pkg/shipper"
)

// EventIDHeaders are checked in order for an explicit idempotency id.
var EventIDHeaders = []string{"X-Event-Id", "X-Webhook-Id", "X-Request-Id"}

// ResolveEventID returns the idempotency id of a delivery: an id header, else
// the payload's event_id or id, else a hash of order id, event type and the
// last event's date so identical redeliveries collapse to one id.
func ResolveEventID(h http.Header, payload shipper.Document) string {
	for _, name := range EventIDHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	if id := payload.String("event_id", "id"); id != "" {
		return id
	}

	orderID := payload.String("order_id", "lce_order_id")
	eventType := payload.String("event", "type")
	var lastDate string
	if events := tracking.RawEvents(payload); len(events) > 0 {
		lastDate = events[len(events)-1].String("date", "happened_at")
	}

	sum := sha256.Sum256([]byte(orderID + "|" + eventType + "|" + lastDate))
	return hex.EncodeToString(sum[:])
}

// NewWebhookID returns a random id for correlating one delivery in logs.
func NewWebhookID() string {
	return "wh_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

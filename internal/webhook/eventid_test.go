package webhook_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tournevent/shipsync/internal/webhook"
	"github.com/tournevent/shipsync/pkg/shipper"
)

func TestResolveEventID_Precedence(t *testing.T) {
	payload := shipper.Document{"event_id": "evt-body", "order_id": "ord-1"}

	h := http.Header{}
	h.Set("X-Request-Id", "req-1")
	assert.Equal(t, "req-1", webhook.ResolveEventID(h, payload))

	h.Set("X-Event-Id", "evt-header")
	assert.Equal(t, "evt-header", webhook.ResolveEventID(h, payload))

	assert.Equal(t, "evt-body", webhook.ResolveEventID(http.Header{}, payload))
	assert.Equal(t, "id-1", webhook.ResolveEventID(http.Header{}, shipper.Document{"id": "id-1"}))
}

func TestResolveEventID_DerivedIsStable(t *testing.T) {
	payload := func(lastDate string) shipper.Document {
		return shipper.Document{
			"order_id": "ord-1",
			"event":    "tracking.updated",
			"events": []any{
				map[string]any{"code": "picked_up", "date": "2024-05-01T09:00:00Z"},
				map[string]any{"code": "in_transit", "date": lastDate},
			},
		}
	}

	a := webhook.ResolveEventID(http.Header{}, payload("2024-05-02T09:00:00Z"))
	b := webhook.ResolveEventID(http.Header{}, payload("2024-05-02T09:00:00Z"))
	c := webhook.ResolveEventID(http.Header{}, payload("2024-05-03T09:00:00Z"))

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNewWebhookID(t *testing.T) {
	id := webhook.NewWebhookID()
	assert.True(t, strings.HasPrefix(id, "wh_"))
	assert.Len(t, id, 19)
	assert.NotEqual(t, id, webhook.NewWebhookID())
}

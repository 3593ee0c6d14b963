// Package tracking normalizes carrier tracking payloads and polls the API for updates.
package tracking

import (
	"strconv"
	"strings"
	"time"

	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/pkg/shipper"
)

// Event is a carrier tracking event in a uniform shape.
type Event struct {
	Code       string
	Label      string
	OccurredAt time.Time
	Location   string
}

// statusKeywords maps carrier lifecycle keywords to shipment statuses.
var statusKeywords = map[string]domain.Status{
	"created":          domain.StatusBooked,
	"booked":           domain.StatusBooked,
	"picked_up":        domain.StatusShipped,
	"in_transit":       domain.StatusShipped,
	"out_for_delivery": domain.StatusShipped,
	"exception":        domain.StatusShipped,
	"delivered":        domain.StatusDelivered,
	"cancelled":        domain.StatusCancelled,
	"returned":         domain.StatusCancelled,
}

// MapStatus translates a carrier keyword, case-insensitively.
func MapStatus(keyword string) (domain.Status, bool) {
	st, ok := statusKeywords[strings.ToLower(strings.TrimSpace(keyword))]
	return st, ok
}

// StatusOf extracts the order state from a payload, looking at status, state,
// data.state and data.status in that order.
func StatusOf(doc shipper.Document) string {
	if s := doc.String("status", "state"); s != "" {
		return s
	}
	return doc.Map("data").String("state", "status")
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
	"02/01/2006 15:04",
}

// ParseTime reads the timestamp formats seen in carrier payloads, including
// unix seconds. It returns the zero time when nothing matches, so an undated
// event keeps the same dedup key across polls.
func ParseTime(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}

// Normalizer turns the payload shapes used by the tracking, order and webhook
// endpoints into Events.
type Normalizer struct {
	Locale         string
	FallbackLocale string
}

// NewNormalizer creates a Normalizer preferring locale for labels, then fallback.
func NewNormalizer(locale, fallback string) Normalizer {
	if locale == "" {
		locale = "fr"
	}
	if fallback == "" {
		fallback = "en"
	}
	return Normalizer{Locale: locale, FallbackLocale: fallback}
}

// Events extracts and normalizes the tracking events of doc.
func (n Normalizer) Events(doc shipper.Document) []Event {
	raw := RawEvents(doc)
	if len(raw) == 0 {
		return nil
	}
	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		events = append(events, n.Event(r))
	}
	return events
}

// RawEvents finds the event list in doc. The first shape yielding events wins:
//
//	data[].events, data[].parcels[].events
//	data.events
//	data.parcels[].events
//	tracking
//	events
//	parcels[].events
func RawEvents(doc shipper.Document) []shipper.Document {
	if doc == nil {
		return nil
	}

	var events []shipper.Document
	for _, item := range doc.Maps("data") {
		events = append(events, item.Maps("events")...)
		events = append(events, parcelEvents(item)...)
	}
	if len(events) > 0 {
		return events
	}

	data := doc.Map("data")
	if events = data.Maps("events"); len(events) > 0 {
		return events
	}
	if events = parcelEvents(data); len(events) > 0 {
		return events
	}
	if events = doc.Maps("tracking"); len(events) > 0 {
		return events
	}
	if events = doc.Maps("events"); len(events) > 0 {
		return events
	}
	return parcelEvents(doc)
}

func parcelEvents(doc shipper.Document) []shipper.Document {
	var events []shipper.Document
	for _, p := range doc.Maps("parcels") {
		events = append(events, p.Maps("events")...)
	}
	return events
}

// Event normalizes one raw event.
func (n Normalizer) Event(raw shipper.Document) Event {
	code := raw.String("code", "status", "event")
	if code == "" {
		code = "unknown"
	}
	return Event{
		Code:       code,
		Label:      n.label(raw),
		OccurredAt: ParseTime(raw.String("happened_at", "date", "datetime", "timestamp")),
		Location:   location(raw),
	}
}

func (n Normalizer) label(raw shipper.Document) string {
	if localized := raw.Map("label"); localized != nil {
		return localized.String(n.Locale, n.FallbackLocale)
	}
	return raw.String("label", "message", "description")
}

func location(raw shipper.Document) string {
	if loc := raw.Map("location"); loc != nil {
		parts := make([]string, 0, 2)
		for _, key := range []string{"city", "country"} {
			if v := loc.String(key); v != "" {
				parts = append(parts, v)
			}
		}
		return strings.Join(parts, ", ")
	}
	return raw.String("location")
}

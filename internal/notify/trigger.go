package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tournevent/shipsync/internal/booking"
	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/telemetry"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Store is the read access needed to describe a shipment in a mail.
type Store interface {
	ListParcels(ctx context.Context, shipmentID string) ([]*domain.Parcel, error)
	GetService(ctx context.Context, id string) (*domain.Service, error)
}

// Trigger mails the recipient when a shipment is shipped or delivered.
// Sends run in the background and never fail the status change.
type Trigger struct {
	settings domain.Settings
	store    Store
	mailer   Mailer
	from     string
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics

	wg sync.WaitGroup
}

// NewTrigger creates a notification trigger sending as from.
func NewTrigger(settings domain.Settings, st Store, mailer Mailer, from string, logger *otelzap.Logger, metrics *telemetry.Metrics) *Trigger {
	return &Trigger{
		settings: settings,
		store:    st,
		mailer:   mailer,
		from:     from,
		logger:   logger,
		metrics:  metrics,
	}
}

// StatusChanged queues a mail for sh. It returns immediately.
func (t *Trigger) StatusChanged(ctx context.Context, sh *domain.Shipment, previous, next domain.Status) {
	log := t.logger.Ctx(ctx)
	ids := []zap.Field{zap.String("shipment_id", sh.ID), zap.String("status", string(next))}

	switch {
	case !t.settings.NotificationsEnabled():
		log.Debug("Notifications disabled", ids...)
		return
	case next != domain.StatusShipped && next != domain.StatusDelivered:
		return
	case previous == next:
		return
	case sh.IsReturn:
		log.Debug("Skipping notification for return shipment", ids...)
		return
	}

	to := strings.TrimSpace(sh.Recipient.Email)
	if !booking.ValidEmail(to) || to == booking.PlaceholderEmail {
		log.Warn("No usable recipient email, notification skipped", ids...)
		t.metrics.RecordNotification(string(next), "skipped")
		return
	}

	// The request context may be gone by the time the mail is sent.
	bg := context.WithoutCancel(ctx)
	snapshot := *sh

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("Notification panicked", append(ids, zap.Any("panic", r))...)
				t.metrics.RecordNotification(string(next), "error")
			}
		}()

		msg := t.compose(bg, &snapshot, next)
		msg.To = to
		if err := t.mailer.Send(bg, msg); err != nil {
			log.Error("Failed to send tracking notification", append(ids, zap.Error(err))...)
			t.metrics.RecordNotification(string(next), "error")
			return
		}
		log.Info("Tracking notification sent", append(ids, zap.String("to", to))...)
		t.metrics.RecordNotification(string(next), "sent")
	}()
}

// Wait blocks until queued notifications are done.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

type trackingLine struct {
	number string
	url    string
}

func (t *Trigger) compose(ctx context.Context, sh *domain.Shipment, next domain.Status) Message {
	storeName := t.storeName()

	var carrier *domain.Service
	if sh.ServiceID != "" {
		svc, err := t.store.GetService(ctx, sh.ServiceID)
		if err == nil {
			carrier = svc
		}
	}

	var lines []trackingLine
	if parcels, err := t.store.ListParcels(ctx, sh.ID); err == nil {
		for _, p := range parcels {
			if p.TrackingNumber == "" {
				continue
			}
			lines = append(lines, trackingLine{number: p.TrackingNumber, url: carrier.TrackingLink(p.TrackingNumber)})
		}
	}

	var subject, intro string
	if next == domain.StatusDelivered {
		subject = fmt.Sprintf("Your order %s has been delivered", sh.OrderRef)
		intro = fmt.Sprintf("Your order %s has been delivered.", sh.OrderRef)
	} else {
		subject = fmt.Sprintf("Your order %s has been shipped", sh.OrderRef)
		intro = fmt.Sprintf("Great news! Your order %s has been shipped.", sh.OrderRef)
	}
	if storeName != "" {
		subject += " - " + storeName
	}

	var b strings.Builder
	greeting := "Hello"
	if name := strings.TrimSpace(sh.Recipient.Name); name != "" {
		greeting = "Dear " + name
	}
	fmt.Fprintf(&b, "%s,\n\n%s\n\n---\n", greeting, intro)
	fmt.Fprintf(&b, "Order: %s\n", sh.OrderRef)
	if carrier != nil && carrier.Name != "" {
		fmt.Fprintf(&b, "Carrier: %s\n", carrier.Name)
	}
	if len(lines) > 0 {
		b.WriteString("Tracking number(s):\n")
		for _, l := range lines {
			fmt.Fprintf(&b, "  - %s\n", l.number)
			if l.url != "" {
				fmt.Fprintf(&b, "    %s\n", l.url)
			}
		}
	}
	b.WriteString("---\n\n")

	if sh.HasRelay() {
		fmt.Fprintf(&b, "Pickup point: %s\n%s\n", sh.Relay.Name, joinNonEmpty(", ", sh.Relay.Street, sh.Relay.PostalCode+" "+sh.Relay.City))
	} else {
		fmt.Fprintf(&b, "Delivery address:\n%s\n", joinNonEmpty(", ", sh.Recipient.Street, sh.Recipient.PostalCode+" "+sh.Recipient.City, sh.Recipient.Country))
	}

	if next == domain.StatusDelivered {
		b.WriteString("\nWe hope you enjoy your purchase! If you have any questions, please don't hesitate to contact us.\n")
	} else {
		b.WriteString("\nThank you for your trust.\n")
	}
	b.WriteString("\nBest regards,\n")
	b.WriteString(storeName)
	b.WriteString("\n")

	return Message{From: t.from, Subject: subject, Body: b.String()}
}

func (t *Trigger) storeName() string {
	shipper := t.settings.Shipper()
	if shipper.Company != "" {
		return shipper.Company
	}
	return shipper.Name
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

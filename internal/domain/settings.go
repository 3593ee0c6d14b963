package domain

// Settings is the configuration surface read by the engine. It is injected,
// never looked up globally.
type Settings interface {
	// Shipper returns the merchant's default sender address.
	Shipper() Party

	// APIConfigured reports whether the aggregator API can be called.
	APIConfigured() bool

	// MaxParcelWeight is the weight above which carts are split into several parcels.
	MaxParcelWeight() float64

	// DefaultParcelWeight is used when an order carries no weight.
	DefaultParcelWeight() float64

	WebhookEnabled() bool
	WebhookSecret() string
	NotificationsEnabled() bool
}

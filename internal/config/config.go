package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/tournevent/shipsync/internal/domain"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds all configuration for the service.
type Config struct {
	// Server
	Port      int    `envconfig:"PORT" default:"8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Shipping API
	APILogin          string        `envconfig:"LCE_API_LOGIN"`
	APIPassword       string        `envconfig:"LCE_API_PASSWORD"`
	APIEnv            string        `envconfig:"LCE_API_ENV" default:"staging"`
	APIBaseURL        string        `envconfig:"LCE_BASE_URL"`
	APIUseMock        bool          `envconfig:"LCE_USE_MOCK" default:"false"`
	APITimeout        time.Duration `envconfig:"LCE_TIMEOUT" default:"30s"`
	APIConnectTimeout time.Duration `envconfig:"LCE_CONNECT_TIMEOUT" default:"10s"`

	// Shipper address
	ShipperName       string `envconfig:"SHIPPER_NAME"`
	ShipperCompany    string `envconfig:"SHIPPER_COMPANY"`
	ShipperStreet     string `envconfig:"SHIPPER_STREET"`
	ShipperCity       string `envconfig:"SHIPPER_CITY"`
	ShipperPostalCode string `envconfig:"SHIPPER_POSTAL_CODE"`
	ShipperCountry    string `envconfig:"SHIPPER_COUNTRY" default:"FR"`
	ShipperPhone      string `envconfig:"SHIPPER_PHONE"`
	ShipperEmail      string `envconfig:"SHIPPER_EMAIL"`

	// Parcels
	MaxWeight     float64 `envconfig:"MAX_PARCEL_WEIGHT" default:"30"`
	DefaultWeight float64 `envconfig:"DEFAULT_PARCEL_WEIGHT" default:"1"`

	// Webhooks
	Webhooks         bool   `envconfig:"WEBHOOK_ENABLED" default:"false"`
	WebhookSecretKey string `envconfig:"WEBHOOK_SECRET"`

	// Tracking
	LabelLocale         string `envconfig:"TRACKING_LABEL_LOCALE" default:"fr"`
	LabelFallbackLocale string `envconfig:"TRACKING_LABEL_FALLBACK_LOCALE" default:"en"`
	SyncConcurrency     int    `envconfig:"SYNC_CONCURRENCY" default:"4"`

	// Notifications
	Notifications     bool   `envconfig:"NOTIFICATIONS_ENABLED" default:"true"`
	MailFrom          string `envconfig:"MAIL_FROM"`
	GmailClientID     string `envconfig:"GMAIL_CLIENT_ID"`
	GmailClientSecret string `envconfig:"GMAIL_CLIENT_SECRET"`
	GmailRefreshToken string `envconfig:"GMAIL_REFRESH_TOKEN"`

	// Storage
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Telemetry
	OTELEnabled  bool   `envconfig:"OTEL_ENABLED" default:"false"`
	OTELEndpoint string `envconfig:"OTEL_ENDPOINT" default:"http://localhost:4318"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"shipsync"`
	Version      string `envconfig:"SERVICE_VERSION" default:"0.0.1"`
}

// Load reads configuration from environment variables, after merging a .env
// file from the working directory when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be expressed as envconfig defaults.
func (c *Config) Validate() error {
	if c.MaxWeight <= 0 {
		return domain.NewConfigurationError("MAX_PARCEL_WEIGHT", "must be positive")
	}
	if c.DefaultWeight <= 0 {
		return domain.NewConfigurationError("DEFAULT_PARCEL_WEIGHT", "must be positive")
	}
	if c.SyncConcurrency < 1 {
		return domain.NewConfigurationError("SYNC_CONCURRENCY", "must be at least 1")
	}
	switch strings.ToLower(c.APIEnv) {
	case "staging", "production":
	default:
		return domain.NewConfigurationError("LCE_API_ENV", fmt.Sprintf("unknown environment %q", c.APIEnv))
	}
	return nil
}

// GmailConfigured reports whether Gmail OAuth credentials are present.
func (c *Config) GmailConfigured() bool {
	return c.GmailClientID != "" && c.GmailClientSecret != "" && c.GmailRefreshToken != ""
}

// Shipper implements domain.Settings.
func (c *Config) Shipper() domain.Party {
	return domain.Party{
		Name:       c.ShipperName,
		Company:    c.ShipperCompany,
		Street:     c.ShipperStreet,
		City:       c.ShipperCity,
		PostalCode: c.ShipperPostalCode,
		Country:    strings.ToUpper(c.ShipperCountry),
		Phone:      c.ShipperPhone,
		Email:      c.ShipperEmail,
	}
}

// APIConfigured implements domain.Settings.
func (c *Config) APIConfigured() bool {
	return c.APIUseMock || (c.APILogin != "" && c.APIPassword != "")
}

// MaxParcelWeight implements domain.Settings.
func (c *Config) MaxParcelWeight() float64 { return c.MaxWeight }

// DefaultParcelWeight implements domain.Settings.
func (c *Config) DefaultParcelWeight() float64 { return c.DefaultWeight }

// WebhookEnabled implements domain.Settings.
func (c *Config) WebhookEnabled() bool { return c.Webhooks }

// WebhookSecret implements domain.Settings.
func (c *Config) WebhookSecret() string { return c.WebhookSecretKey }

// NotificationsEnabled implements domain.Settings.
func (c *Config) NotificationsEnabled() bool { return c.Notifications }

// Attributes returns OpenTelemetry attributes for this configuration.
func (c *Config) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.Version),
		attribute.String("lce.env", c.APIEnv),
		attribute.Bool("lce.mock", c.APIUseMock),
		attribute.Bool("webhook.enabled", c.Webhooks),
		attribute.Bool("notifications.enabled", c.Notifications),
	}
}

var _ domain.Settings = (*Config)(nil)

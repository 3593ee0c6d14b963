package telemetry

import (
	"strings"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level   string
	Format  string // "json" or "console"
	Service string
	Version string
}

// NewLogger creates an OpenTelemetry-aware zap logger. Records logged through
// Ctx(ctx) are attached to the active span.
func NewLogger(cfg LogConfig) (*otelzap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapLogger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	if cfg.Service != "" {
		zapLogger = zapLogger.With(zap.String("service", cfg.Service), zap.String("version", cfg.Version))
	}

	return otelzap.New(zapLogger, otelzap.WithMinLevel(zapLevel)), nil
}

// Package logging builds the structured logger shared by ledger commands:
// log/slog on the surface, zap underneath.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/louisbranch/underwrite/internal/platform/logging/logattr"
)

// Config selects the logger level and encoding.
type Config struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `env:"UNDERWRITE_LOG_LEVEL" envDefault:"info"`
	// Encoding is "json" or "console".
	Encoding string `env:"UNDERWRITE_LOG_ENCODING" envDefault:"json"`
}

// New builds a zap-backed slog logger tagged with the service name. The
// returned sync function flushes buffered entries and should be deferred.
func New(service string, cfg Config) (*slog.Logger, func() error, error) {
	zapLogger, err := newZapLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	handler := zapslog.NewHandler(zapLogger.Core())
	logger := slog.New(handler).With(logattr.ServiceName(service))
	return logger, zapLogger.Sync, nil
}

// NewWriter builds a logger that writes JSON entries to w. Tests and tools
// that capture output use it instead of the process streams.
func NewWriter(service string, level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(w), lvl)
	return slog.New(zapslog.NewHandler(core)).With(logattr.ServiceName(service)), nil
}

func newZapLogger(cfg Config) (*zap.Logger, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	encoding := strings.ToLower(strings.TrimSpace(cfg.Encoding))
	if encoding == "" {
		encoding = "json"
	}
	if encoding != "json" && encoding != "console" {
		return nil, fmt.Errorf("log encoding must be json or console, got %q", cfg.Encoding)
	}
	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(lvl),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:         encoding,
		EncoderConfig:    encoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapConfig.Build()
}

func encoderConfig() zapcore.EncoderConfig {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	return encoderConfig
}

func parseLevel(raw string) (zapcore.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(raw)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return lvl, nil
}

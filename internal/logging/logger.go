// Package logging builds the process-wide slog logger from config.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chaz8081/gimdow-ble/internal/config"
)

// Service is the value of the service attribute on every record.
const Service = "gimdow-ble"

// New creates a logger writing to w with the configured level and format.
// Every record carries the service name, plus device_id when deviceID is set.
func New(w io.Writer, level, format, deviceID string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	attrs := []slog.Attr{slog.String("service", Service)}
	if deviceID != "" {
		attrs = append(attrs, slog.String("device_id", deviceID))
	}
	return slog.New(handler.WithAttrs(attrs))
}

// Setup builds the logger for cfg and installs it as the slog default.
func Setup(cfg *config.Config) *slog.Logger {
	logger := New(os.Stderr, cfg.LogLevel, cfg.LogFormat, cfg.Device.DeviceID)
	slog.SetDefault(logger)
	return logger
}

package main

import (
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/usbgate/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// configureLogger sets up logging from the environment before the config
// file is read.
func configureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("USBGATE_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv("USBGATE_LOG_FORMAT")))

	log.Logger = newLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}
	format := "console"
	if cfg.JSON {
		format = "json"
	}
	log.Logger = newLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Str("service", "usbgate-server").Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

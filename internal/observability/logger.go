// Package observability wires structured logging, tracing, metrics, and an
// optional circuit breaker around the coordinator's components.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/outboxmq/internal/config"
)

// SetupLogger configures a JSON slog logger tagged with service/env fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}

package storage

import (
	"context"
	"fmt"
	"strings"

	"ingressd/internal/ingress"
	logx "ingressd/pkg/logx"
)

// Store is the persistence API used by the app.
type Store interface {
	// ReplacePlugins atomically replaces the stored plugin set.
	ReplacePlugins(ctx context.Context, plugins []ingress.Plugin) error
	// LoadPlugins returns the stored plugins ordered by id, controllers in
	// their stored order.
	LoadPlugins(ctx context.Context) ([]ingress.Plugin, error)
	AppendHealthEvent(ctx context.Context, e HealthEvent) error
	// HealthEvents returns up to limit most recent events for plainID, oldest first.
	HealthEvents(ctx context.Context, plainID string, limit int) ([]HealthEvent, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

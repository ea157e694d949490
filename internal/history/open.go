package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aristath/buildgraph/internal/config"
)

// Open creates the backend named by cfg. Durable backends are wrapped in a
// ResilientStore using the configured retry and breaker settings.
func Open(ctx context.Context, cfg config.HistoryConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var inner Store
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendSQLite:
		s, err := NewSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		inner = s
	case config.BackendBadger:
		bcfg := DefaultBadgerConfig(cfg.Path)
		bcfg.Logger = logger.With("component", "badger")
		s, err := OpenBadgerStore(bcfg)
		if err != nil {
			return nil, err
		}
		inner = s
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}

	logger.Debug("history store opened", "backend", cfg.Backend, "path", cfg.Path)
	return NewResilientStore(inner, cfg.Retry, cfg.Breaker, logger), nil
}

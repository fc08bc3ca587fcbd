package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/store"
)

// ErrPostgresNotConfigured is returned when neither a URL nor host/dbname is set.
var ErrPostgresNotConfigured = errors.New("postgres configuration incomplete: url or host/dbname required")

// BuildPostgresDSN constructs a DSN from the application configuration.
func BuildPostgresDSN(cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config is nil")
	}
	if !cfg.Storage.Postgres.Enabled() {
		return "", ErrPostgresNotConfigured
	}
	return cfg.Storage.Postgres.DSN(), nil
}

// OpenStore connects the run store described by cfg.
func OpenStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, dsn)
}

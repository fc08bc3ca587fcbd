// Package store persists daily run reports in Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
	sb sq.StatementBuilderType
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

func (s *Store) Close() error { return s.DB.Close() }

var (
	metricsOnce  sync.Once
	costCounter  otelmetric.Float64Counter
	tokenCounter otelmetric.Int64Counter
	runsCounter  otelmetric.Int64Counter
)

func initStoreMetrics() {
	meter := otel.Meter("newsdesk/store")
	costCounter, _ = meter.Float64Counter("persisted_run_cost_usd_total")
	tokenCounter, _ = meter.Int64Counter("persisted_run_tokens_total")
	runsCounter, _ = meter.Int64Counter("persisted_runs_total")
}

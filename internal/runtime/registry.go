package runtime

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/queue/streams"
	"github.com/redis/go-redis/v9"
)

// streamMaxLen caps each stream so the event log cannot grow without bound.
const streamMaxLen = 100_000

// Streams bundles the Redis client with the schema-checked publisher.
type Streams struct {
	Client    *redis.Client
	Registry  *streams.SchemaRegistry
	Publisher *streams.Publisher
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
		ReadTimeout: cfg.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Addr(), err)
	}
	return rdb, nil
}

// InitStreams connects Redis and loads the event schemas. It returns nil
// without error when Redis is not configured.
func InitStreams(ctx context.Context, cfg config.RedisConfig) (*Streams, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	reg, err := streams.NewDefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("load event schemas: %w", err)
	}
	rdb, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Streams{
		Client:    rdb,
		Registry:  reg,
		Publisher: streams.NewPublisher(rdb, reg, streams.WithMaxLenApprox(streamMaxLen)),
	}, nil
}

func (s *Streams) Close() error {
	if s == nil || s.Client == nil {
		return nil
	}
	return s.Client.Close()
}

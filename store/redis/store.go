// Package redis implements the storage adapter on Redis. Task blobs live
// under string keys, queue and chain membership in sorted sets, uniqueness
// locks as SETNX keys with native TTL, and rate-limit windows as hashes
// mutated by a single Lua script.
package redis

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
	goredis "github.com/redis/go-redis/v9"

	ctmq "github.com/UniQw/cloudtaskmq-go"
	ikeys "github.com/UniQw/cloudtaskmq-go/internal/keys"
)

// Config holds connection parameters, loadable from the environment.
type Config struct {
	Addr      string `env:"CLOUDTASKMQ_REDIS_ADDR" envDefault:"localhost:6379"`
	Password  string `env:"CLOUDTASKMQ_REDIS_PASSWORD"`
	DB        int    `env:"CLOUDTASKMQ_REDIS_DB" envDefault:"0"`
	KeyPrefix string `env:"CLOUDTASKMQ_REDIS_PREFIX" envDefault:"ctmq:"`
}

// LoadConfig parses the adapter configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("cloudtaskmq/redis: parse config: %w", err)
	}
	return cfg, nil
}

// Adapter is a Redis-backed ctmq.StorageAdapter.
type Adapter struct {
	rdb     goredis.UniversalClient
	keys    ikeys.Set
	encoder ctmq.Encoder
	// ownsClient is set by Connect; Close only closes clients we created.
	ownsClient bool
}

var _ ctmq.StorageAdapter = (*Adapter)(nil)

// Option configures the adapter.
type Option func(*Adapter)

// WithEncoder replaces the default JSON encoder used for task blobs.
func WithEncoder(enc ctmq.Encoder) Option {
	return func(a *Adapter) { a.encoder = enc }
}

// New creates an adapter on an existing client. The caller owns the client
// lifecycle; Close is a no-op on the connection.
func New(rdb goredis.UniversalClient, prefix string, opts ...Option) *Adapter {
	a := &Adapter{
		rdb:     rdb,
		keys:    ikeys.New(prefix),
		encoder: &ctmq.JSONEncoder{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect dials Redis from cfg and returns an adapter owning the connection.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Adapter, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cloudtaskmq/redis: connect: %w", err)
	}
	a := New(rdb, cfg.KeyPrefix, opts...)
	a.ownsClient = true
	return a, nil
}

// Client returns the underlying Redis client.
func (a *Adapter) Client() goredis.UniversalClient { return a.rdb }

// Ping verifies the Redis connection is alive.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// Close closes the connection when the adapter created it.
func (a *Adapter) Close(_ context.Context) error {
	if !a.ownsClient {
		return nil
	}
	return a.rdb.Close()
}

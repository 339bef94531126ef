// Package mongo implements the storage adapter on MongoDB. Tasks, uniqueness
// locks and rate-limit windows each live in their own collection; lock and
// window expiry rides on TTL indexes.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	ctmq "github.com/UniQw/cloudtaskmq-go"
)

// Collection name constants.
const (
	colTasks      = "cloudtaskmq_tasks"
	colUniqueness = "cloudtaskmq_uniqueness"
	colRateLimits = "cloudtaskmq_ratelimits"
)

// Config holds connection parameters, loadable from the environment.
type Config struct {
	ConnectionURL  string        `env:"CLOUDTASKMQ_MONGODB_URL" envDefault:"mongodb://localhost:27017"`
	Database       string        `env:"CLOUDTASKMQ_MONGODB_DATABASE" envDefault:"cloudtaskmq"`
	ConnectTimeout time.Duration `env:"CLOUDTASKMQ_MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
	MaxPoolSize    uint64        `env:"CLOUDTASKMQ_MONGODB_MAX_POOL_SIZE" envDefault:"100"`
}

// LoadConfig parses the adapter configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("cloudtaskmq/mongo: parse config: %w", err)
	}
	return cfg, nil
}

// Adapter is a MongoDB-backed ctmq.StorageAdapter.
type Adapter struct {
	db         *mongod.Database
	ownsClient bool
}

var _ ctmq.StorageAdapter = (*Adapter)(nil)

// New creates an adapter on an existing database handle. The caller owns the
// client lifecycle; Close is a no-op on the connection.
func New(db *mongod.Database) *Adapter {
	return &Adapter{db: db}
}

// Connect dials MongoDB from cfg and returns an adapter owning the client.
// Indexes are ensured before the adapter is returned.
func Connect(ctx context.Context, cfg Config) (*Adapter, error) {
	client, err := mongod.Connect(
		options.Client().
			ApplyURI(cfg.ConnectionURL).
			SetConnectTimeout(cfg.ConnectTimeout).
			SetMaxPoolSize(cfg.MaxPoolSize),
	)
	if err != nil {
		return nil, fmt.Errorf("cloudtaskmq/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("cloudtaskmq/mongo: ping: %w", err)
	}
	a := &Adapter{db: client.Database(cfg.Database), ownsClient: true}
	if err := a.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return a, nil
}

// EnsureIndexes creates the query and TTL indexes every collection relies on.
func (a *Adapter) EnsureIndexes(ctx context.Context) error {
	tasks := []mongod.IndexModel{
		{Keys: bson.D{{Key: "queueName", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "chain.id", Value: 1}, {Key: "chain.index", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	}
	if _, err := a.db.Collection(colTasks).Indexes().CreateMany(ctx, tasks); err != nil {
		return fmt.Errorf("cloudtaskmq/mongo: task indexes: %w", err)
	}

	ttl := options.Index().SetExpireAfterSeconds(0)
	locks := []mongod.IndexModel{
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}, Options: ttl},
	}
	if _, err := a.db.Collection(colUniqueness).Indexes().CreateMany(ctx, locks); err != nil {
		return fmt.Errorf("cloudtaskmq/mongo: uniqueness indexes: %w", err)
	}

	windows := []mongod.IndexModel{
		{Keys: bson.D{{Key: "resetTime", Value: 1}}, Options: ttl},
	}
	if _, err := a.db.Collection(colRateLimits).Indexes().CreateMany(ctx, windows); err != nil {
		return fmt.Errorf("cloudtaskmq/mongo: rate-limit indexes: %w", err)
	}
	return nil
}

// Database returns the underlying handle for advanced usage.
func (a *Adapter) Database() *mongod.Database { return a.db }

// Ping checks database connectivity.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.db.Client().Ping(ctx, nil)
}

// Close disconnects the client when the adapter created it.
func (a *Adapter) Close(ctx context.Context) error {
	if !a.ownsClient {
		return nil
	}
	return a.db.Client().Disconnect(ctx)
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

package cloudtaskmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Engine is the single orchestrator an application bootstraps. It owns the
// producer, consumer, handler registry, rate limiter and event bus, and is the
// only module-level state the library expects.
type Engine struct {
	cfg        Config
	storage    StorageAdapter
	dispatcher DispatcherClient
	encoder    Encoder
	log        Logger
	events     *eventBus
	registry   *HandlerRegistry
	limiter    *RateLimiter
	producer   *Producer
	consumer   *Consumer

	mu     sync.Mutex
	closed bool
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithLogger sets the logger used across the engine.
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithEncoder replaces the default JSON encoder.
func WithEncoder(enc Encoder) EngineOption {
	return func(e *Engine) { e.encoder = enc }
}

// NewEngine wires an engine from its collaborators. When AutoCreateQueues is
// set, dispatcher-side queues are provisioned before the engine is returned.
func NewEngine(ctx context.Context, cfg Config, storage StorageAdapter, dispatcher DispatcherClient, opts ...EngineOption) (*Engine, error) {
	if storage == nil {
		return nil, fmt.Errorf("cloudtaskmq: storage adapter is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("cloudtaskmq: dispatcher client is required")
	}
	seen := make(map[string]struct{}, len(cfg.Queues))
	for _, q := range cfg.Queues {
		if q.Name == "" {
			return nil, fmt.Errorf("cloudtaskmq: queue with empty name")
		}
		if _, dup := seen[q.Name]; dup {
			return nil, fmt.Errorf("cloudtaskmq: duplicate queue %q", q.Name)
		}
		seen[q.Name] = struct{}{}
	}

	e := &Engine{
		cfg:        cfg,
		storage:    storage,
		dispatcher: dispatcher,
		encoder:    &JSONEncoder{},
		log:        NewFmtLogger(),
		registry:   NewHandlerRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.events = newEventBus(e.log)
	e.limiter = NewRateLimiter(storage)
	e.producer = &Producer{
		cfg:        &e.cfg,
		storage:    storage,
		dispatcher: dispatcher,
		limiter:    e.limiter,
		encoder:    e.encoder,
		events:     e.events,
		log:        e.log,
	}
	e.consumer = newConsumer(storage, e.registry, e.encoder, e.events, e.log)

	if cfg.AutoCreateQueues {
		for _, q := range cfg.Queues {
			if err := dispatcher.CreateQueue(ctx, q); err != nil {
				return nil, fmt.Errorf("cloudtaskmq: create queue %q: %w", q.Name, err)
			}
		}
	}
	return e, nil
}

// Register adds a processor registration. Call before serving deliveries; the
// registry is read-only once deliveries flow.
func (e *Engine) Register(reg ProcessorRegistration) error {
	if _, ok := e.cfg.queueByName(reg.Queue); !ok && reg.Queue != "" {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, reg.Queue)
	}
	return e.registry.Register(reg)
}

// Subscribe registers fn for an event kind and returns an unsubscribe closure.
// Delivery is synchronous on the emitting goroutine; a panicking listener does
// not prevent the others from running.
func (e *Engine) Subscribe(kind EventKind, fn EventHandler) func() {
	return e.events.subscribe(kind, fn)
}

// AddTask creates a task on the named queue. See Producer.AddTask.
func (e *Engine) AddTask(ctx context.Context, queueName string, data any, opts ...Option) (AddTaskResult, error) {
	if err := e.live(); err != nil {
		return AddTaskResult{Err: err}, err
	}
	return e.producer.AddTask(ctx, queueName, data, opts...)
}

// AddChain creates a linear chain of tasks. See Producer.AddChain.
func (e *Engine) AddChain(ctx context.Context, queueName string, entries []ChainEntry, opts ...ChainOption) (AddChainResult, error) {
	if err := e.live(); err != nil {
		return AddChainResult{}, err
	}
	return e.producer.AddChain(ctx, queueName, entries, opts...)
}

// ProcessDelivery executes one dispatcher delivery. See Consumer.ProcessDelivery.
func (e *Engine) ProcessDelivery(ctx context.Context, payload DeliveryPayload) (json.RawMessage, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	return e.consumer.ProcessDelivery(ctx, payload)
}

// UpdateTaskProgress persists a progress report for a task in flight.
func (e *Engine) UpdateTaskProgress(ctx context.Context, taskID string, percentage int, data any) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.consumer.UpdateTaskProgress(ctx, taskID, percentage, data)
}

// RateLimiter exposes the storage-backed limiter for caller-defined scopes
// (user, ip, processor keys).
func (e *Engine) RateLimiter() *RateLimiter { return e.limiter }

// GetTask returns a task by id.
func (e *Engine) GetTask(ctx context.Context, id string) (*Task, error) {
	return e.storage.GetTask(ctx, id)
}

// QueryTasks returns tasks matching the filter.
func (e *Engine) QueryTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	return e.storage.QueryTasks(ctx, f)
}

// CountTasks counts tasks matching the filter.
func (e *Engine) CountTasks(ctx context.Context, f TaskFilter) (int64, error) {
	return e.storage.CountTasks(ctx, f)
}

// GetChainTasks returns all members of a chain ordered by index.
func (e *Engine) GetChainTasks(ctx context.Context, chainID string) ([]*Task, error) {
	return e.storage.GetChainTasks(ctx, chainID)
}

// HasActiveTaskInChain reports whether any chain member is still live.
func (e *Engine) HasActiveTaskInChain(ctx context.Context, chainID string) (bool, error) {
	return e.storage.HasActiveTaskInChain(ctx, chainID)
}

// Cleanup bulk-deletes tasks matching the policy and returns the count.
func (e *Engine) Cleanup(ctx context.Context, policy CleanupPolicy) (int64, error) {
	return e.storage.Cleanup(ctx, policy)
}

// Close drains in-flight deliveries, then closes the storage adapter. Further
// operations return ErrEngineClosed.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.log.Infof("engine closing, draining in-flight deliveries")
	e.consumer.drain()
	return e.storage.Close(ctx)
}

func (e *Engine) live() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

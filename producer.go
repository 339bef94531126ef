package cloudtaskmq

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AddTaskResult is the structured outcome of one AddTask call. Anticipated
// conditions (duplicate uniqueness key, rate-limit denial) are reported here
// rather than as errors.
type AddTaskResult struct {
	// TaskID is set whenever a task was built, even if a later step failed,
	// so the caller can still reference the locally persisted record.
	TaskID string
	// Success reports that the task was persisted and handed to the dispatcher
	// (or kept for later processing when the dispatcher was unavailable).
	Success bool
	// Skipped reports a uniqueness-key collision with a live task.
	Skipped bool
	// Err carries the anticipated failure, e.g. ErrRateLimited.
	Err error
}

// AddChainResult is the outcome of AddChain: the chain id plus one result per
// entry that was attempted, in order.
type AddChainResult struct {
	ChainID string
	Results []AddTaskResult
}

// Producer validates, deduplicates, rate-limits, persists and registers tasks
// with the dispatcher.
type Producer struct {
	cfg        *Config
	storage    StorageAdapter
	dispatcher DispatcherClient
	limiter    *RateLimiter
	encoder    Encoder
	events     *eventBus
	log        Logger
}

// AddTask creates one task on the named queue. Steps run in order and each
// aborts the call on failure: queue resolution, uniqueness reservation, rate
// limiting, persistence, dispatcher enqueue. Dispatcher failures are logged
// and non-fatal; the task stays persisted for later processing.
func (p *Producer) AddTask(ctx context.Context, queueName string, data any, opts ...Option) (AddTaskResult, error) {
	queue, ok := p.cfg.queueByName(queueName)
	if !ok {
		return AddTaskResult{Err: ErrUnknownQueue}, ErrUnknownQueue
	}

	o := &taskOptions{}
	for _, opt := range opts {
		opt(o)
	}

	payload, err := p.encoder.Encode(data)
	if err != nil {
		return AddTaskResult{Err: err}, err
	}

	taskID := uuid.NewString()

	if o.uniquenessKey != "" {
		acquired, err := p.storage.SetUniquenessKeyActive(ctx, o.uniquenessKey, taskID, uniquenessTTL)
		if err != nil {
			return AddTaskResult{Err: err}, err
		}
		if !acquired {
			return AddTaskResult{Skipped: true, Err: ErrDuplicateTask}, nil
		}
	}

	if denied, err := p.checkLimits(ctx, queue); err != nil {
		p.releaseUniqueness(ctx, o.uniquenessKey)
		return AddTaskResult{Err: err}, err
	} else if denied {
		// A lock taken earlier in this call must not outlive the denial.
		p.releaseUniqueness(ctx, o.uniquenessKey)
		return AddTaskResult{Err: ErrRateLimited}, nil
	}

	now := nowMillis()
	task := &Task{
		ID:               taskID,
		QueueName:        queueName,
		TaskName:         o.taskName,
		Data:             payload,
		Status:           StatusIdle,
		MaxAttempts:      resolveMaxAttempts(o, queue),
		CreatedAt:        now,
		UpdatedAt:        now,
		Chain:            o.chain,
		UniquenessKey:    o.uniquenessKey,
		Priority:         o.priority,
		RemoveOnComplete: o.removeOnComplete,
		RemoveOnFail:     o.removeOnFail,
	}
	delay := o.delay
	if !o.scheduleTime.IsZero() {
		delay = time.Until(o.scheduleTime)
		if delay < 0 {
			delay = 0
		}
	}
	if delay > 0 {
		task.ScheduledFor = now + delay.Milliseconds()
	}

	if err := p.storage.SaveTask(ctx, task); err != nil {
		p.releaseUniqueness(ctx, o.uniquenessKey)
		return AddTaskResult{TaskID: taskID, Err: err}, err
	}

	body, err := p.encoder.Encode(PayloadFor(task))
	if err != nil {
		return AddTaskResult{TaskID: taskID, Err: err}, err
	}
	if err := p.dispatcher.EnqueueHTTP(ctx, queue.Path, queue.ProcessorURL, body, delay, queue.ServiceAccountEmail); err != nil {
		p.log.Warnf("dispatcher enqueue failed, task kept for local processing: task=%s queue=%s err=%v", taskID, queueName, err)
	}

	p.events.emit(Event{
		Kind:      EventTaskAdded,
		TaskID:    taskID,
		QueueName: queueName,
		Data:      payload,
	})
	return AddTaskResult{TaskID: taskID, Success: true}, nil
}

// AddChain creates a linear chain of tasks on the queue, one per entry, with
// contiguous indices under a shared chain id. On the first entry that does not
// succeed the call stops and returns the partial results; earlier tasks are
// not rolled back.
func (p *Producer) AddChain(ctx context.Context, queueName string, entries []ChainEntry, opts ...ChainOption) (AddChainResult, error) {
	co := &chainOptions{}
	for _, opt := range opts {
		opt(co)
	}
	chainID := co.id
	if chainID == "" {
		chainID = uuid.NewString()
	}

	out := AddChainResult{ChainID: chainID}
	for i, entry := range entries {
		taskOpts := append([]Option{}, entry.Options...)
		taskOpts = append(taskOpts, inChain(&ChainInfo{
			ID:              chainID,
			Index:           i,
			Total:           len(entries),
			WaitForPrevious: co.waitForPrevious,
		}))
		res, err := p.AddTask(ctx, queueName, entry.Data, taskOpts...)
		out.Results = append(out.Results, res)
		if err != nil {
			return out, err
		}
		if !res.Success {
			return out, nil
		}
	}
	return out, nil
}

// checkLimits runs the engine-wide window first, then the queue's own.
func (p *Producer) checkLimits(ctx context.Context, queue QueueConfig) (denied bool, err error) {
	if g := p.cfg.GlobalRateLimiter; g != nil {
		st, err := p.limiter.CheckRateLimit(ctx, globalRateKey, *g)
		if err != nil {
			return false, err
		}
		if !st.Allowed {
			return true, nil
		}
	}
	if queue.RateLimiter != nil {
		st, err := p.limiter.CheckRateLimit(ctx, QueueRateKey(queue.Name), *queue.RateLimiter)
		if err != nil {
			return false, err
		}
		if !st.Allowed {
			return true, nil
		}
	}
	return false, nil
}

func (p *Producer) releaseUniqueness(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := p.storage.RemoveUniquenessKey(ctx, key); err != nil {
		p.log.Warnf("uniqueness release failed: key=%s err=%v", key, err)
	}
}

func resolveMaxAttempts(o *taskOptions, queue QueueConfig) int {
	if o.maxAttempts > 0 {
		return o.maxAttempts
	}
	if queue.MaxRetries > 0 {
		return queue.MaxRetries
	}
	return DefaultMaxAttempts
}

// uniquenessTTL bounds how long a lock can outlive its task if cleanup never
// ran, e.g. after a crash between lock acquisition and task settlement.
const uniquenessTTL = 24 * time.Hour

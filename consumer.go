package cloudtaskmq

import (
	"context"
	"encoding/json"
	"sync"
)

// ProcessContext is the value handed to a handler for one delivery. The task
// is a snapshot; handlers report progress through UpdateProgress rather than
// mutating it.
type ProcessContext struct {
	// Task is a copy of the task as of delivery start.
	Task *Task

	consumer *Consumer
}

// UpdateProgress persists a progress report for the in-flight task and fires
// progress hooks and events. The percentage is clamped to 0..100.
func (pc *ProcessContext) UpdateProgress(ctx context.Context, percentage int, data any) error {
	return pc.consumer.UpdateTaskProgress(ctx, pc.Task.ID, percentage, data)
}

// Consumer executes deliveries: it transitions task state, dispatches to the
// registered handler, enforces attempt accounting and emits lifecycle events.
type Consumer struct {
	storage  StorageAdapter
	registry *HandlerRegistry
	encoder  Encoder
	events   *eventBus
	log      Logger

	mu     sync.Mutex
	active map[string]map[string]struct{}
	// inflight tracks running deliveries so Close can drain them.
	inflight sync.WaitGroup
}

func newConsumer(storage StorageAdapter, registry *HandlerRegistry, encoder Encoder, events *eventBus, log Logger) *Consumer {
	return &Consumer{
		storage:  storage,
		registry: registry,
		encoder:  encoder,
		events:   events,
		log:      log,
		active:   make(map[string]map[string]struct{}),
	}
}

// ProcessDelivery executes one delivery from the dispatcher. The returned
// error tells the transport layer to answer non-2xx so the dispatcher retries
// per its own policy. Duplicate deliveries within this process are rejected
// with ErrAlreadyProcessing; deliveries for settled tasks with ErrTaskFinal.
func (c *Consumer) ProcessDelivery(ctx context.Context, payload DeliveryPayload) (json.RawMessage, error) {
	task, err := c.storage.GetTask(ctx, payload.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, ErrTaskFinal
	}

	queueName, taskID := task.QueueName, task.ID
	if !c.claim(queueName, taskID) {
		return nil, ErrAlreadyProcessing
	}
	c.inflight.Add(1)
	defer func() {
		c.release(queueName, taskID)
		c.inflight.Done()
	}()

	// One delivery is one attempt, whether the handler succeeds or fails.
	task.IncrementAttempts()
	task.MarkActive()
	task, err = c.storage.UpdateTaskStatus(ctx, task.ID, StatusActive, TaskPatch{
		Attempts: &task.Attempts,
		ActiveAt: &task.ActiveAt,
	})
	if err != nil {
		return nil, err
	}
	c.fireActive(task)

	reg, ok := c.registry.Resolve(task.QueueName, task.TaskName)
	if !ok {
		// No handler is a caller-config defect; the task cannot make progress
		// on any retry, so it fails terminally.
		return nil, c.settleFailed(ctx, task, ErrNoHandler)
	}

	pc := &ProcessContext{Task: task.Clone(), consumer: c}
	result, handlerErr := c.invoke(ctx, reg.Handler, pc)
	if handlerErr != nil {
		if task.Attempts < task.MaxAttempts {
			// Non-terminal: back to idle, the dispatcher schedules the retry.
			if _, err := c.storage.UpdateTaskStatus(ctx, task.ID, StatusIdle, TaskPatch{Attempts: &task.Attempts}); err != nil {
				c.log.Errorf("retry persist failed: task=%s err=%v", task.ID, err)
			}
			return nil, handlerErr
		}
		return nil, c.settleFailed(ctx, task, handlerErr)
	}

	encoded, err := c.encoder.Encode(result)
	if err != nil {
		return nil, c.settleFailed(ctx, task, err)
	}
	task.MarkCompleted(encoded)
	task, err = c.storage.UpdateTaskStatus(ctx, task.ID, StatusCompleted, TaskPatch{
		Result:      task.Result,
		CompletedAt: &task.CompletedAt,
	})
	if err != nil {
		return nil, err
	}

	c.fireCompleted(task)
	c.events.emit(Event{
		Kind:      EventTaskCompleted,
		TaskID:    task.ID,
		QueueName: task.QueueName,
		Result:    task.Result,
		Duration:  task.CompletedAt - task.CreatedAt,
	})

	if task.IsInChain() && !task.IsLastInChain() {
		// Best-effort notification only: the next step was persisted by the
		// chain producer and the dispatcher owns its delivery timing.
		next, err := c.storage.GetNextTaskInChain(ctx, task.Chain.ID, task.Chain.Index)
		if err == nil {
			c.log.Debugf("chain step done: chain=%s index=%d next=%s", task.Chain.ID, task.Chain.Index, next.ID)
		} else {
			c.log.Debugf("chain step done, next step not found: chain=%s index=%d", task.Chain.ID, task.Chain.Index)
		}
	}

	if task.ShouldRemoveOnComplete() {
		c.removeTask(ctx, task)
	}
	return encoded, nil
}

// UpdateTaskProgress persists a progress report for taskID with the status
// unchanged, then fires progress hooks and emits a taskProgress event.
func (c *Consumer) UpdateTaskProgress(ctx context.Context, taskID string, percentage int, data any) error {
	task, err := c.storage.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	var encoded json.RawMessage
	if data != nil {
		if encoded, err = c.encoder.Encode(data); err != nil {
			return err
		}
	}
	task.UpdateProgress(percentage, encoded)
	task, err = c.storage.UpdateTaskStatus(ctx, taskID, task.Status, TaskPatch{Progress: task.Progress})
	if err != nil {
		return err
	}
	progress := *task.Progress
	for _, hooks := range c.registry.HooksFor(task.QueueName) {
		if hooks.Progress != nil {
			c.safeHook(func() { hooks.Progress(task, progress) })
		}
	}
	c.events.emit(Event{
		Kind:      EventTaskProgress,
		TaskID:    task.ID,
		QueueName: task.QueueName,
		Progress:  &progress,
	})
	return nil
}

// settleFailed records a terminal failure and returns the original error.
func (c *Consumer) settleFailed(ctx context.Context, task *Task, cause error) error {
	task.MarkFailed(cause)
	max := task.MaxAttempts
	updated, err := c.storage.UpdateTaskStatus(ctx, task.ID, StatusFailed, TaskPatch{
		Attempts: &max,
		Error:    task.Error,
		FailedAt: &task.FailedAt,
	})
	if err != nil {
		c.log.Errorf("failure persist failed: task=%s err=%v", task.ID, err)
		return cause
	}
	task = updated

	c.events.emit(Event{
		Kind:           EventTaskFailed,
		TaskID:         task.ID,
		QueueName:      task.QueueName,
		Err:            cause,
		Attempts:       task.Attempts,
		MaxAttempts:    task.MaxAttempts,
		IsFinalAttempt: true,
	})
	for _, hooks := range c.registry.HooksFor(task.QueueName) {
		if hooks.Failed != nil {
			c.safeHook(func() { hooks.Failed(task, cause) })
		}
	}
	if task.ShouldRemoveOnFail() {
		c.removeTask(ctx, task)
	}
	return cause
}

func (c *Consumer) removeTask(ctx context.Context, task *Task) {
	if _, err := c.storage.DeleteTask(ctx, task.ID); err != nil {
		c.log.Warnf("task removal failed: task=%s err=%v", task.ID, err)
	}
	if task.UniquenessKey != "" {
		if err := c.storage.RemoveUniquenessKey(ctx, task.UniquenessKey); err != nil {
			c.log.Warnf("uniqueness release failed: key=%s err=%v", task.UniquenessKey, err)
		}
	}
}

func (c *Consumer) invoke(ctx context.Context, h Handler, pc *ProcessContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerPanicError{Value: r}
		}
	}()
	return h(ctx, pc)
}

func (c *Consumer) fireActive(task *Task) {
	for _, hooks := range c.registry.HooksFor(task.QueueName) {
		if hooks.Active != nil {
			c.safeHook(func() { hooks.Active(task) })
		}
	}
}

func (c *Consumer) fireCompleted(task *Task) {
	for _, hooks := range c.registry.HooksFor(task.QueueName) {
		if hooks.Completed != nil {
			c.safeHook(func() { hooks.Completed(task, task.Result) })
		}
	}
}

func (c *Consumer) safeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("lifecycle hook panic: %v", r)
		}
	}()
	fn()
}

// claim reserves (queue, taskID) in the local active set. It returns false if
// this process is already executing the task.
func (c *Consumer) claim(queue, taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, ok := c.active[queue]
	if !ok {
		ids = make(map[string]struct{})
		c.active[queue] = ids
	}
	if _, running := ids[taskID]; running {
		return false
	}
	ids[taskID] = struct{}{}
	return true
}

func (c *Consumer) release(queue, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active[queue], taskID)
}

// drain blocks until every in-flight delivery has finished.
func (c *Consumer) drain() {
	c.inflight.Wait()
}

// HandlerPanicError wraps a panic raised by a user handler.
type HandlerPanicError struct {
	Value any
}

func (e *HandlerPanicError) Error() string {
	return "cloudtaskmq: handler panic"
}

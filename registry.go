package cloudtaskmq

import (
	"context"
	"fmt"
)

// Handler processes one delivery. The returned value is encoded with the
// engine encoder and stored as the task result.
type Handler func(ctx context.Context, pc *ProcessContext) (any, error)

// QueueHooks are per-queue lifecycle callbacks fired by the consumer. All
// fields are optional. Hooks run synchronously on the delivery goroutine and
// are isolated the same way event listeners are.
type QueueHooks struct {
	Active    func(t *Task)
	Completed func(t *Task, result []byte)
	Failed    func(t *Task, err error)
	Progress  func(t *Task, p TaskProgress)
}

// ProcessorRegistration binds a handler to a queue, optionally narrowed to a
// task name.
type ProcessorRegistration struct {
	// Queue is the queue name. Required.
	Queue string
	// TaskName narrows the registration to tasks carrying the same name.
	// Empty matches any task on the queue.
	TaskName string
	// Handler processes deliveries. Required.
	Handler Handler
	// Concurrency is an optional per-handler hint forwarded to callers that
	// provision workers. The engine itself does not bound handler execution.
	Concurrency int
	// Hooks are lifecycle callbacks for tasks dispatched to this queue.
	Hooks QueueHooks
}

// HandlerRegistry maps queues to their registered processors. It is populated
// before the engine starts serving deliveries and read-only afterwards.
type HandlerRegistry struct {
	byQueue map[string][]ProcessorRegistration
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{byQueue: make(map[string][]ProcessorRegistration)}
}

// Register adds a processor registration. Multiple registrations per queue are
// allowed; dispatch follows registration order.
func (r *HandlerRegistry) Register(reg ProcessorRegistration) error {
	if reg.Queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidRegistration)
	}
	if reg.Handler == nil {
		return fmt.Errorf("%w: queue %q has no process handler", ErrInvalidRegistration, reg.Queue)
	}
	r.byQueue[reg.Queue] = append(r.byQueue[reg.Queue], reg)
	return nil
}

// Resolve selects the registration for a delivered task: the handler whose
// TaskName equals the task's name, otherwise the first unnamed handler,
// otherwise the first registered one.
func (r *HandlerRegistry) Resolve(queue, taskName string) (ProcessorRegistration, bool) {
	regs := r.byQueue[queue]
	if len(regs) == 0 {
		return ProcessorRegistration{}, false
	}
	if taskName != "" {
		for _, reg := range regs {
			if reg.TaskName == taskName {
				return reg, true
			}
		}
	}
	for _, reg := range regs {
		if reg.TaskName == "" {
			return reg, true
		}
	}
	return regs[0], true
}

// HooksFor returns the lifecycle hooks of every registration for the queue,
// in registration order.
func (r *HandlerRegistry) HooksFor(queue string) []QueueHooks {
	regs := r.byQueue[queue]
	hooks := make([]QueueHooks, 0, len(regs))
	for _, reg := range regs {
		hooks = append(hooks, reg.Hooks)
	}
	return hooks
}

// Queues returns the names of all queues with at least one registration.
func (r *HandlerRegistry) Queues() []string {
	names := make([]string, 0, len(r.byQueue))
	for q := range r.byQueue {
		names = append(names, q)
	}
	return names
}

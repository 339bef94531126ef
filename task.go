package cloudtaskmq

import (
	"encoding/json"
	"time"
)

// Task is the unit of work tracked by the engine. It is persisted through a
// StorageAdapter and serialized to JSON for the key-value backend.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`
	// QueueName is the logical queue this task belongs to.
	QueueName string `json:"queueName"`
	// TaskName optionally selects a named handler within the queue.
	TaskName string `json:"taskName,omitempty"`
	// Data is the raw caller payload.
	Data json.RawMessage `json:"data,omitempty"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// Attempts is the number of delivery attempts consumed so far.
	Attempts int `json:"attempts"`
	// MaxAttempts is the cap on delivery attempts before the task fails.
	MaxAttempts int `json:"maxAttempts"`
	// CreatedAt is the timestamp (ms) when the task was created.
	CreatedAt int64 `json:"createdAt"`
	// UpdatedAt is the timestamp (ms) of the last mutation.
	UpdatedAt int64 `json:"updatedAt"`
	// ActiveAt is the timestamp (ms) of the first transition into active.
	ActiveAt int64 `json:"activeAt,omitempty"`
	// CompletedAt is the timestamp (ms) of the transition into completed.
	CompletedAt int64 `json:"completedAt,omitempty"`
	// FailedAt is the timestamp (ms) of the transition into failed.
	FailedAt int64 `json:"failedAt,omitempty"`
	// ScheduledFor is the earliest dispatch time (ms) for delayed tasks.
	ScheduledFor int64 `json:"scheduledFor,omitempty"`
	// Result is the handler result stored as JSON, set on completion.
	Result json.RawMessage `json:"result,omitempty"`
	// Error describes the last terminal failure.
	Error *TaskError `json:"error,omitempty"`
	// Progress is the most recent progress report, overwritten by updates.
	Progress *TaskProgress `json:"progress,omitempty"`
	// Chain locates the task inside an ordered chain, if any.
	Chain *ChainInfo `json:"chain,omitempty"`
	// UniquenessKey is the caller-supplied deduplication key, if any.
	UniquenessKey string `json:"uniquenessKey,omitempty"`
	// Priority is an optional scheduling hint; it is stored, not passed to the
	// dispatcher.
	Priority int `json:"priority,omitempty"`
	// RemoveOnComplete deletes the task record after successful completion.
	RemoveOnComplete bool `json:"removeOnComplete,omitempty"`
	// RemoveOnFail deletes the task record after terminal failure.
	RemoveOnFail bool `json:"removeOnFail,omitempty"`
}

// TaskError captures the failure that moved a task into the failed state.
type TaskError struct {
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// TaskProgress is a handler-reported progress snapshot.
type TaskProgress struct {
	// Percentage is clamped to 0..100.
	Percentage int `json:"percentage"`
	// Data is an optional JSON payload attached to the report.
	Data json.RawMessage `json:"data,omitempty"`
}

// ChainInfo locates a task inside a linear chain. Sibling tasks share ID and
// Total; Index is the task's position in 0..Total-1.
type ChainInfo struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	// WaitForPrevious records the caller's intent that each step run after the
	// one before it. Enforcement is the dispatcher's responsibility.
	WaitForPrevious bool `json:"waitForPrevious,omitempty"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// MarkActive transitions the task into the active state and stamps ActiveAt on
// the first transition. It does not persist.
func (t *Task) MarkActive() {
	now := nowMillis()
	t.Status = StatusActive
	if t.ActiveAt == 0 {
		t.ActiveAt = now
	}
	t.UpdatedAt = now
}

// MarkCompleted transitions the task into the completed state with the given
// encoded result. It does not persist.
func (t *Task) MarkCompleted(result json.RawMessage) {
	now := nowMillis()
	t.Status = StatusCompleted
	t.Result = result
	t.CompletedAt = now
	t.UpdatedAt = now
}

// MarkFailed transitions the task into the failed state recording err. It does
// not persist.
func (t *Task) MarkFailed(err error) {
	now := nowMillis()
	t.Status = StatusFailed
	t.Error = &TaskError{Message: err.Error(), Timestamp: now}
	t.FailedAt = now
	t.UpdatedAt = now
}

// IncrementAttempts consumes one delivery attempt. Attempts never exceed
// MaxAttempts.
func (t *Task) IncrementAttempts() {
	if t.Attempts < t.MaxAttempts {
		t.Attempts++
	}
	t.UpdatedAt = nowMillis()
}

// UpdateProgress overwrites the task progress, clamping percentage to 0..100.
func (t *Task) UpdateProgress(percentage int, data []byte) {
	if percentage < 0 {
		percentage = 0
	} else if percentage > 100 {
		percentage = 100
	}
	t.Progress = &TaskProgress{Percentage: percentage, Data: data}
	t.UpdatedAt = nowMillis()
}

// IsInChain reports whether the task belongs to a chain.
func (t *Task) IsInChain() bool { return t.Chain != nil }

// IsLastInChain reports whether the task is the final step of its chain.
func (t *Task) IsLastInChain() bool {
	return t.Chain != nil && t.Chain.Index == t.Chain.Total-1
}

// NextChainIndex returns the index of the step after this one, or -1 when the
// task is not in a chain or is the last step.
func (t *Task) NextChainIndex() int {
	if t.Chain == nil || t.IsLastInChain() {
		return -1
	}
	return t.Chain.Index + 1
}

// ShouldRemoveOnComplete reports whether the record is deleted after success.
func (t *Task) ShouldRemoveOnComplete() bool { return t.RemoveOnComplete }

// ShouldRemoveOnFail reports whether the record is deleted after terminal failure.
func (t *Task) ShouldRemoveOnFail() bool { return t.RemoveOnFail }

// Duration returns the wall-clock time from creation to settlement, or zero
// while the task is still live.
func (t *Task) Duration() time.Duration {
	switch {
	case t.CompletedAt > 0:
		return time.Duration(t.CompletedAt-t.CreatedAt) * time.Millisecond
	case t.FailedAt > 0:
		return time.Duration(t.FailedAt-t.CreatedAt) * time.Millisecond
	default:
		return 0
	}
}

// Clone returns a deep copy of the task. Adapters hand out clones so callers
// never alias stored state.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Data != nil {
		cp.Data = append(json.RawMessage(nil), t.Data...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	if t.Progress != nil {
		p := *t.Progress
		if t.Progress.Data != nil {
			p.Data = append([]byte(nil), t.Progress.Data...)
		}
		cp.Progress = &p
	}
	if t.Chain != nil {
		c := *t.Chain
		cp.Chain = &c
	}
	return &cp
}

// DeliveryPayload is the wire contract between the dispatcher and the
// consumer. Field names must stay stable across implementations.
type DeliveryPayload struct {
	TaskID        string          `json:"taskId"`
	QueueName     string          `json:"queueName"`
	Data          json.RawMessage `json:"data,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	Chain         *ChainInfo      `json:"chain,omitempty"`
	UniquenessKey string          `json:"uniquenessKey,omitempty"`
}

// PayloadFor builds the delivery payload for a persisted task.
func PayloadFor(t *Task) DeliveryPayload {
	return DeliveryPayload{
		TaskID:        t.ID,
		QueueName:     t.QueueName,
		Data:          t.Data,
		Attempts:      t.Attempts,
		MaxAttempts:   t.MaxAttempts,
		Chain:         t.Chain,
		UniquenessKey: t.UniquenessKey,
	}
}

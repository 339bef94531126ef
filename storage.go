package cloudtaskmq

import (
	"context"
	"sort"
	"time"
)

// StorageAdapter is the synchronisation boundary for persisted state. Every
// method must behave atomically with respect to concurrent callers sharing the
// same backing store, across processes. Adapters never retry internally;
// transient backend failures are surfaced to the caller.
type StorageAdapter interface {
	// SaveTask upserts the task by ID.
	SaveTask(ctx context.Context, t *Task) error
	// GetTask returns the task or ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTaskStatus merges patch over the stored record, sets the new
	// status and stamps UpdatedAt. It returns the updated task.
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, patch TaskPatch) (*Task, error)
	// DeleteTask removes the task, reporting whether it existed.
	DeleteTask(ctx context.Context, id string) (bool, error)
	// QueryTasks returns tasks matching the filter. Ordering is stable within
	// a sort; with no sort the order is unspecified.
	QueryTasks(ctx context.Context, f TaskFilter) ([]*Task, error)
	// CountTasks counts tasks matching the filter.
	CountTasks(ctx context.Context, f TaskFilter) (int64, error)

	// IsUniquenessKeyActive reports whether a live lock exists for key.
	IsUniquenessKeyActive(ctx context.Context, key string) (bool, error)
	// SetUniquenessKeyActive atomically acquires the lock for key on behalf of
	// taskID. It returns false when another live lock exists. Locks expire
	// after ttl and are ignored once expired.
	SetUniquenessKeyActive(ctx context.Context, key, taskID string, ttl time.Duration) (bool, error)
	// RemoveUniquenessKey releases the lock for key, if any.
	RemoveUniquenessKey(ctx context.Context, key string) error

	// IncrementRateLimit atomically increments the fixed-window counter for
	// key, opening a new window of the given size when none is live. The
	// returned count reflects the counter after the increment; the window's
	// reset time is fixed at creation and never extended.
	IncrementRateLimit(ctx context.Context, key string, window time.Duration, maxRequests int) (*RateLimitResult, error)
	// GetRateLimit returns the live window for key without incrementing, or
	// nil when no live window exists.
	GetRateLimit(ctx context.Context, key string) (*RateLimitResult, error)
	// DeleteRateLimit drops the window for key.
	DeleteRateLimit(ctx context.Context, key string) error

	// HasActiveTaskInChain reports whether any chain member is idle or active.
	HasActiveTaskInChain(ctx context.Context, chainID string) (bool, error)
	// GetChainTasks returns all chain members ordered by chain index.
	GetChainTasks(ctx context.Context, chainID string) ([]*Task, error)
	// GetNextTaskInChain returns the chain member with the smallest index
	// greater than afterIndex, or ErrTaskNotFound.
	GetNextTaskInChain(ctx context.Context, chainID string, afterIndex int) (*Task, error)

	// Cleanup bulk-deletes tasks matching the policy and returns the count.
	Cleanup(ctx context.Context, policy CleanupPolicy) (int64, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
	// Close releases backend resources held by the adapter.
	Close(ctx context.Context) error
}

// TaskPatch carries the optional fields merged by UpdateTaskStatus. Nil fields
// leave the stored value untouched.
type TaskPatch struct {
	Attempts    *int
	Result      []byte
	Error       *TaskError
	Progress    *TaskProgress
	ActiveAt    *int64
	CompletedAt *int64
	FailedAt    *int64
}

// ApplyStatusPatch merges a patch over t the way every adapter must: status
// and UpdatedAt always change, patch fields only when set. Adapters doing
// read-modify-write share this so merge semantics never drift.
func ApplyStatusPatch(t *Task, status TaskStatus, patch TaskPatch, nowMs int64) {
	t.Status = status
	t.UpdatedAt = nowMs
	if patch.Attempts != nil {
		t.Attempts = *patch.Attempts
	}
	if patch.Result != nil {
		t.Result = patch.Result
	}
	if patch.Error != nil {
		t.Error = patch.Error
	}
	if patch.Progress != nil {
		t.Progress = patch.Progress
	}
	if patch.ActiveAt != nil {
		t.ActiveAt = *patch.ActiveAt
	}
	if patch.CompletedAt != nil {
		t.CompletedAt = *patch.CompletedAt
	}
	if patch.FailedAt != nil {
		t.FailedAt = *patch.FailedAt
	}
}

// TaskFilter selects tasks for QueryTasks, CountTasks and Cleanup. Zero
// fields match everything.
type TaskFilter struct {
	Statuses      []TaskStatus
	QueueName     string
	ChainID       string
	UniquenessKey string
	// CreatedAfter and CreatedBefore bound CreatedAt (ms, inclusive lower,
	// exclusive upper). Zero means unbounded.
	CreatedAfter  int64
	CreatedBefore int64
	// SortBy orders results by "createdAt" or "updatedAt"; empty leaves the
	// order unspecified.
	SortBy   string
	SortDesc bool
	Limit    int
	Offset   int
}

// Matches reports whether t satisfies every set clause of the filter.
func (f TaskFilter) Matches(t *Task) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.QueueName != "" && t.QueueName != f.QueueName {
		return false
	}
	if f.ChainID != "" && (t.Chain == nil || t.Chain.ID != f.ChainID) {
		return false
	}
	if f.UniquenessKey != "" && t.UniquenessKey != f.UniquenessKey {
		return false
	}
	if f.CreatedAfter != 0 && t.CreatedAt < f.CreatedAfter {
		return false
	}
	if f.CreatedBefore != 0 && t.CreatedAt >= f.CreatedBefore {
		return false
	}
	return true
}

// SortAndPage applies the filter's sort, offset and limit to tasks in place
// and returns the resulting slice. Sorting is stable.
func (f TaskFilter) SortAndPage(tasks []*Task) []*Task {
	switch f.SortBy {
	case "createdAt":
		sort.SliceStable(tasks, func(i, j int) bool {
			if f.SortDesc {
				return tasks[i].CreatedAt > tasks[j].CreatedAt
			}
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		})
	case "updatedAt":
		sort.SliceStable(tasks, func(i, j int) bool {
			if f.SortDesc {
				return tasks[i].UpdatedAt > tasks[j].UpdatedAt
			}
			return tasks[i].UpdatedAt < tasks[j].UpdatedAt
		})
	}
	if f.Offset > 0 {
		if f.Offset >= len(tasks) {
			return nil
		}
		tasks = tasks[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(tasks) {
		tasks = tasks[:f.Limit]
	}
	return tasks
}

// RateLimitResult is the state of one fixed rate-limit window.
type RateLimitResult struct {
	// Allowed reports whether the increment stayed within maxRequests.
	Allowed bool
	// Count is the counter value after the increment.
	Count int64
	// ResetTime is the absolute moment (ms) the window expires. It is fixed
	// at window creation.
	ResetTime int64
}

// CleanupPolicy selects tasks for bulk deletion. A task is deleted iff any
// enabled clause matches and the age gate (when set) is satisfied. With no
// clause enabled, OlderThan alone deletes any task older than the cutoff.
type CleanupPolicy struct {
	OlderThan       time.Duration
	Statuses        []TaskStatus
	RemoveCompleted bool
	RemoveFailed    bool
}

// ShouldDelete evaluates the policy against a task at the given time.
func (p CleanupPolicy) ShouldDelete(t *Task, nowMs int64) bool {
	if p.OlderThan > 0 {
		cutoff := nowMs - p.OlderThan.Milliseconds()
		if t.CreatedAt >= cutoff {
			return false
		}
	}
	hasClause := len(p.Statuses) > 0 || p.RemoveCompleted || p.RemoveFailed
	if !hasClause {
		return p.OlderThan > 0
	}
	for _, s := range p.Statuses {
		if t.Status == s {
			return true
		}
	}
	if p.RemoveCompleted && t.Status == StatusCompleted {
		return true
	}
	if p.RemoveFailed && t.Status == StatusFailed {
		return true
	}
	return false
}

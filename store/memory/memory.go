// Package memory implements the storage adapter on process-local maps. It is
// the reference adapter: every operation takes the single mutex, so the
// semantics other backends must match are easiest to read here. State does not
// survive the process and is not shared across processes.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	ctmq "github.com/UniQw/cloudtaskmq-go"
)

type uniquenessLock struct {
	taskID    string
	expiresAt int64
}

type rateWindow struct {
	count     int64
	resetTime int64
}

// Adapter is an in-memory ctmq.StorageAdapter.
type Adapter struct {
	mu      sync.Mutex
	tasks   map[string]*ctmq.Task
	locks   map[string]uniquenessLock
	windows map[string]*rateWindow
	closed  bool
}

var _ ctmq.StorageAdapter = (*Adapter)(nil)

// New creates an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{
		tasks:   make(map[string]*ctmq.Task),
		locks:   make(map[string]uniquenessLock),
		windows: make(map[string]*rateWindow),
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// SaveTask upserts a copy of the task.
func (a *Adapter) SaveTask(_ context.Context, t *ctmq.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks[t.ID] = t.Clone()
	return nil
}

// GetTask returns a copy of the stored task.
func (a *Adapter) GetTask(_ context.Context, id string) (*ctmq.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[id]
	if !ok {
		return nil, ctmq.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// UpdateTaskStatus merges the patch over the stored record under the mutex.
func (a *Adapter) UpdateTaskStatus(_ context.Context, id string, status ctmq.TaskStatus, patch ctmq.TaskPatch) (*ctmq.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[id]
	if !ok {
		return nil, ctmq.ErrTaskNotFound
	}
	ctmq.ApplyStatusPatch(t, status, patch, nowMillis())
	return t.Clone(), nil
}

// DeleteTask removes the task, reporting whether it existed.
func (a *Adapter) DeleteTask(_ context.Context, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tasks[id]
	delete(a.tasks, id)
	return ok, nil
}

// QueryTasks returns copies of all tasks matching the filter.
func (a *Adapter) QueryTasks(_ context.Context, f ctmq.TaskFilter) ([]*ctmq.Task, error) {
	a.mu.Lock()
	matched := make([]*ctmq.Task, 0)
	for _, t := range a.tasks {
		if f.Matches(t) {
			matched = append(matched, t.Clone())
		}
	}
	a.mu.Unlock()
	return f.SortAndPage(matched), nil
}

// CountTasks counts tasks matching the filter, ignoring paging.
func (a *Adapter) CountTasks(_ context.Context, f ctmq.TaskFilter) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	for _, t := range a.tasks {
		if f.Matches(t) {
			n++
		}
	}
	return n, nil
}

// IsUniquenessKeyActive reports whether a non-expired lock exists for key.
func (a *Adapter) IsUniquenessKeyActive(_ context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[key]
	if !ok {
		return false, nil
	}
	if lock.expiresAt <= nowMillis() {
		delete(a.locks, key)
		return false, nil
	}
	return true, nil
}

// SetUniquenessKeyActive is an atomic test-and-set under the mutex. Expired
// locks are treated as absent.
func (a *Adapter) SetUniquenessKeyActive(_ context.Context, key, taskID string, ttl time.Duration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := nowMillis()
	if lock, ok := a.locks[key]; ok && lock.expiresAt > now {
		return false, nil
	}
	a.locks[key] = uniquenessLock{taskID: taskID, expiresAt: now + ttl.Milliseconds()}
	return true, nil
}

// RemoveUniquenessKey releases the lock for key.
func (a *Adapter) RemoveUniquenessKey(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.locks, key)
	return nil
}

// IncrementRateLimit serialises on the mutex so concurrent callers cannot
// overshoot the window. The reset time is fixed when the window opens.
func (a *Adapter) IncrementRateLimit(_ context.Context, key string, window time.Duration, maxRequests int) (*ctmq.RateLimitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := nowMillis()
	w, ok := a.windows[key]
	if !ok || w.resetTime <= now {
		w = &rateWindow{resetTime: now + window.Milliseconds()}
		a.windows[key] = w
	}
	w.count++
	return &ctmq.RateLimitResult{
		Allowed:   w.count <= int64(maxRequests),
		Count:     w.count,
		ResetTime: w.resetTime,
	}, nil
}

// GetRateLimit returns the live window for key, or nil when none exists.
func (a *Adapter) GetRateLimit(_ context.Context, key string) (*ctmq.RateLimitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.windows[key]
	if !ok || w.resetTime <= nowMillis() {
		delete(a.windows, key)
		return nil, nil
	}
	return &ctmq.RateLimitResult{Count: w.count, ResetTime: w.resetTime}, nil
}

// DeleteRateLimit drops the window for key.
func (a *Adapter) DeleteRateLimit(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, key)
	return nil
}

// HasActiveTaskInChain reports whether any member of the chain is idle or active.
func (a *Adapter) HasActiveTaskInChain(_ context.Context, chainID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tasks {
		if t.Chain != nil && t.Chain.ID == chainID && !t.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// GetChainTasks returns all chain members ordered by chain index.
func (a *Adapter) GetChainTasks(_ context.Context, chainID string) ([]*ctmq.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*ctmq.Task
	for _, t := range a.tasks {
		if t.Chain != nil && t.Chain.ID == chainID {
			out = append(out, t.Clone())
		}
	}
	sortByChainIndex(out)
	return out, nil
}

// GetNextTaskInChain returns the member with the smallest index greater than
// afterIndex.
func (a *Adapter) GetNextTaskInChain(_ context.Context, chainID string, afterIndex int) (*ctmq.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var next *ctmq.Task
	for _, t := range a.tasks {
		if t.Chain == nil || t.Chain.ID != chainID || t.Chain.Index <= afterIndex {
			continue
		}
		if next == nil || t.Chain.Index < next.Chain.Index {
			next = t
		}
	}
	if next == nil {
		return nil, ctmq.ErrTaskNotFound
	}
	return next.Clone(), nil
}

// Cleanup deletes every task the policy selects and returns the exact count.
func (a *Adapter) Cleanup(_ context.Context, policy ctmq.CleanupPolicy) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := nowMillis()
	var n int64
	for id, t := range a.tasks {
		if policy.ShouldDelete(t, now) {
			delete(a.tasks, id)
			n++
		}
	}
	return n, nil
}

// ErrClosed is returned by Ping after Close.
var ErrClosed = errors.New("cloudtaskmq/memory: adapter closed")

// Ping succeeds while the adapter is open.
func (a *Adapter) Ping(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}

// Close drops all state.
func (a *Adapter) Close(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.tasks = make(map[string]*ctmq.Task)
	a.locks = make(map[string]uniquenessLock)
	a.windows = make(map[string]*rateWindow)
	return nil
}

func sortByChainIndex(tasks []*ctmq.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Chain.Index < tasks[j].Chain.Index
	})
}

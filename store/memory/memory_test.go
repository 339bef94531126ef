package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ctmq "github.com/UniQw/cloudtaskmq-go"
)

func newTask(id, queue string) *ctmq.Task {
	now := time.Now().UnixMilli()
	return &ctmq.Task{
		ID:          id,
		QueueName:   queue,
		Status:      ctmq.StatusIdle,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	a := New()
	ctx := context.Background()

	task := newTask("t1", "q")
	task.Data = []byte(`{"n":1}`)
	require.NoError(t, a.SaveTask(ctx, task))

	got, err := a.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task, got)

	// Adapter hands out copies, not the stored record.
	got.QueueName = "mutated"
	again, err := a.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "q", again.QueueName)
}

func TestGetTask_NotFound(t *testing.T) {
	a := New()
	_, err := a.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, ctmq.ErrTaskNotFound)
}

func TestUpdateTaskStatus(t *testing.T) {
	a := New()
	ctx := context.Background()
	require.NoError(t, a.SaveTask(ctx, newTask("t1", "q")))

	attempts := 1
	updated, err := a.UpdateTaskStatus(ctx, "t1", ctmq.StatusActive, ctmq.TaskPatch{Attempts: &attempts})
	require.NoError(t, err)
	require.Equal(t, ctmq.StatusActive, updated.Status)
	require.Equal(t, 1, updated.Attempts)
	require.NotZero(t, updated.UpdatedAt)

	_, err = a.UpdateTaskStatus(ctx, "nope", ctmq.StatusActive, ctmq.TaskPatch{})
	require.ErrorIs(t, err, ctmq.ErrTaskNotFound)
}

func TestDeleteTask(t *testing.T) {
	a := New()
	ctx := context.Background()
	require.NoError(t, a.SaveTask(ctx, newTask("t1", "q")))

	ok, err := a.DeleteTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.DeleteTask(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueryAndCount(t *testing.T) {
	a := New()
	ctx := context.Background()

	t1 := newTask("t1", "q")
	t2 := newTask("t2", "q")
	t2.Status = ctmq.StatusCompleted
	t2.CreatedAt = t1.CreatedAt + 10
	t3 := newTask("t3", "other")
	for _, task := range []*ctmq.Task{t1, t2, t3} {
		require.NoError(t, a.SaveTask(ctx, task))
	}

	byQueue, err := a.QueryTasks(ctx, ctmq.TaskFilter{QueueName: "q", SortBy: "createdAt"})
	require.NoError(t, err)
	require.Len(t, byQueue, 2)
	require.Equal(t, "t1", byQueue[0].ID)

	byStatus, err := a.QueryTasks(ctx, ctmq.TaskFilter{Statuses: []ctmq.TaskStatus{ctmq.StatusCompleted}})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, "t2", byStatus[0].ID)

	n, err := a.CountTasks(ctx, ctmq.TaskFilter{QueueName: "q"})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestUniqueness_TestAndSet(t *testing.T) {
	a := New()
	ctx := context.Background()

	ok, err := a.SetUniquenessKeyActive(ctx, "k", "t1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.SetUniquenessKeyActive(ctx, "k", "t2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	active, err := a.IsUniquenessKeyActive(ctx, "k")
	require.NoError(t, err)
	require.True(t, active)

	require.NoError(t, a.RemoveUniquenessKey(ctx, "k"))
	ok, err = a.SetUniquenessKeyActive(ctx, "k", "t3", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUniqueness_ExpiredLockIsAbsent(t *testing.T) {
	a := New()
	ctx := context.Background()

	ok, err := a.SetUniquenessKeyActive(ctx, "k", "t1", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	active, err := a.IsUniquenessKeyActive(ctx, "k")
	require.NoError(t, err)
	require.False(t, active)

	ok, err = a.SetUniquenessKeyActive(ctx, "k", "t2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "an expired lock must not block acquisition")
}

func TestRateLimit_WindowSemantics(t *testing.T) {
	a := New()
	ctx := context.Background()

	first, err := a.IncrementRateLimit(ctx, "k", time.Minute, 2)
	require.NoError(t, err)
	require.True(t, first.Allowed)
	require.Equal(t, int64(1), first.Count)

	second, err := a.IncrementRateLimit(ctx, "k", time.Minute, 2)
	require.NoError(t, err)
	require.True(t, second.Allowed)
	require.Equal(t, int64(2), second.Count)
	require.Equal(t, first.ResetTime, second.ResetTime, "resetTime is fixed at window creation")

	third, err := a.IncrementRateLimit(ctx, "k", time.Minute, 2)
	require.NoError(t, err)
	require.False(t, third.Allowed)
	require.Equal(t, int64(3), third.Count)
	require.Equal(t, first.ResetTime, third.ResetTime)
}

func TestRateLimit_WindowReset(t *testing.T) {
	a := New()
	ctx := context.Background()

	_, err := a.IncrementRateLimit(ctx, "k", time.Minute, 5)
	require.NoError(t, err)

	// Force the window into the past; the next increment opens a fresh one.
	a.mu.Lock()
	a.windows["k"].resetTime = time.Now().UnixMilli() - 1
	a.mu.Unlock()

	res, err := a.IncrementRateLimit(ctx, "k", time.Minute, 5)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Count)
	require.Greater(t, res.ResetTime, time.Now().UnixMilli())
}

func TestRateLimit_GetAndDelete(t *testing.T) {
	a := New()
	ctx := context.Background()

	got, err := a.GetRateLimit(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = a.IncrementRateLimit(ctx, "k", time.Minute, 5)
	require.NoError(t, err)

	got, err = a.GetRateLimit(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int64(1), got.Count)

	require.NoError(t, a.DeleteRateLimit(ctx, "k"))
	got, err = a.GetRateLimit(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestChainOperations(t *testing.T) {
	a := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := newTask(string(rune('a'+i)), "q")
		task.Chain = &ctmq.ChainInfo{ID: "c", Index: i, Total: 3}
		require.NoError(t, a.SaveTask(ctx, task))
	}

	tasks, err := a.GetChainTasks(ctx, "c")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		require.Equal(t, i, task.Chain.Index)
	}

	next, err := a.GetNextTaskInChain(ctx, "c", 0)
	require.NoError(t, err)
	require.Equal(t, 1, next.Chain.Index)

	_, err = a.GetNextTaskInChain(ctx, "c", 2)
	require.ErrorIs(t, err, ctmq.ErrTaskNotFound)

	active, err := a.HasActiveTaskInChain(ctx, "c")
	require.NoError(t, err)
	require.True(t, active)

	for _, id := range []string{"a", "b", "c"} {
		_, err = a.UpdateTaskStatus(ctx, id, ctmq.StatusCompleted, ctmq.TaskPatch{})
		require.NoError(t, err)
	}
	active, err = a.HasActiveTaskInChain(ctx, "c")
	require.NoError(t, err)
	require.False(t, active)
}

func TestCleanup(t *testing.T) {
	a := New()
	ctx := context.Background()

	done := newTask("done", "q")
	done.Status = ctmq.StatusCompleted
	failed := newTask("failed", "q")
	failed.Status = ctmq.StatusFailed
	idle := newTask("idle", "q")
	for _, task := range []*ctmq.Task{done, failed, idle} {
		require.NoError(t, a.SaveTask(ctx, task))
	}

	n, err := a.Cleanup(ctx, ctmq.CleanupPolicy{RemoveCompleted: true, RemoveFailed: true})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	left, err := a.CountTasks(ctx, ctmq.TaskFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(1), left)
}

func TestPingAndClose(t *testing.T) {
	a := New()
	ctx := context.Background()
	require.NoError(t, a.Ping(ctx))
	require.NoError(t, a.Close(ctx))
	require.ErrorIs(t, a.Ping(ctx), ErrClosed)
}

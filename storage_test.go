package cloudtaskmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskFilter_Matches(t *testing.T) {
	task := &Task{
		ID:            "t",
		QueueName:     "q",
		Status:        StatusIdle,
		CreatedAt:     1000,
		UniquenessKey: "k",
		Chain:         &ChainInfo{ID: "c", Index: 0, Total: 1},
	}

	cases := []struct {
		name   string
		filter TaskFilter
		want   bool
	}{
		{"empty matches", TaskFilter{}, true},
		{"status hit", TaskFilter{Statuses: []TaskStatus{StatusIdle, StatusActive}}, true},
		{"status miss", TaskFilter{Statuses: []TaskStatus{StatusFailed}}, false},
		{"queue hit", TaskFilter{QueueName: "q"}, true},
		{"queue miss", TaskFilter{QueueName: "other"}, false},
		{"chain hit", TaskFilter{ChainID: "c"}, true},
		{"chain miss", TaskFilter{ChainID: "nope"}, false},
		{"uniqueness hit", TaskFilter{UniquenessKey: "k"}, true},
		{"created after miss", TaskFilter{CreatedAfter: 2000}, false},
		{"created before hit", TaskFilter{CreatedBefore: 2000}, true},
		{"created before boundary", TaskFilter{CreatedBefore: 1000}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.filter.Matches(task))
		})
	}
}

func TestTaskFilter_SortAndPage(t *testing.T) {
	tasks := []*Task{
		{ID: "a", CreatedAt: 3},
		{ID: "b", CreatedAt: 1},
		{ID: "c", CreatedAt: 2},
	}

	sorted := TaskFilter{SortBy: "createdAt"}.SortAndPage(tasks)
	require.Equal(t, []string{"b", "c", "a"}, ids(sorted))

	desc := TaskFilter{SortBy: "createdAt", SortDesc: true}.SortAndPage(tasks)
	require.Equal(t, "a", desc[0].ID)

	paged := TaskFilter{SortBy: "createdAt", Offset: 1, Limit: 1}.SortAndPage(tasks)
	require.Equal(t, []string{"c"}, ids(paged))

	require.Empty(t, TaskFilter{Offset: 10}.SortAndPage(tasks))
}

func TestCleanupPolicy_ShouldDelete(t *testing.T) {
	now := nowMillis()
	old := &Task{Status: StatusCompleted, CreatedAt: now - time.Hour.Milliseconds()}
	fresh := &Task{Status: StatusCompleted, CreatedAt: now}
	failed := &Task{Status: StatusFailed, CreatedAt: now - time.Hour.Milliseconds()}
	idle := &Task{Status: StatusIdle, CreatedAt: now - time.Hour.Milliseconds()}

	t.Run("age gate alone", func(t *testing.T) {
		p := CleanupPolicy{OlderThan: time.Minute}
		require.True(t, p.ShouldDelete(old, now))
		require.True(t, p.ShouldDelete(idle, now))
		require.False(t, p.ShouldDelete(fresh, now))
	})

	t.Run("clause without age gate", func(t *testing.T) {
		p := CleanupPolicy{RemoveCompleted: true}
		require.True(t, p.ShouldDelete(old, now))
		require.True(t, p.ShouldDelete(fresh, now))
		require.False(t, p.ShouldDelete(failed, now))
	})

	t.Run("clause with age gate", func(t *testing.T) {
		p := CleanupPolicy{RemoveCompleted: true, OlderThan: time.Minute}
		require.True(t, p.ShouldDelete(old, now))
		require.False(t, p.ShouldDelete(fresh, now))
	})

	t.Run("statuses clause", func(t *testing.T) {
		p := CleanupPolicy{Statuses: []TaskStatus{StatusFailed}}
		require.True(t, p.ShouldDelete(failed, now))
		require.False(t, p.ShouldDelete(old, now))
	})

	t.Run("no clause no gate", func(t *testing.T) {
		require.False(t, CleanupPolicy{}.ShouldDelete(old, now))
	})
}

func TestApplyStatusPatch(t *testing.T) {
	task := &Task{ID: "t", Status: StatusIdle, Attempts: 1, UpdatedAt: 100}
	attempts := 2
	completedAt := int64(5000)
	ApplyStatusPatch(task, StatusCompleted, TaskPatch{
		Attempts:    &attempts,
		Result:      []byte(`"ok"`),
		CompletedAt: &completedAt,
	}, 6000)

	require.Equal(t, StatusCompleted, task.Status)
	require.Equal(t, int64(6000), task.UpdatedAt)
	require.Equal(t, 2, task.Attempts)
	require.Equal(t, completedAt, task.CompletedAt)
	require.Equal(t, []byte(`"ok"`), []byte(task.Result))

	// Nil fields leave stored values untouched.
	ApplyStatusPatch(task, StatusCompleted, TaskPatch{}, 7000)
	require.Equal(t, 2, task.Attempts)
	require.Equal(t, completedAt, task.CompletedAt)
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

package cloudtaskmq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopHandler(string) Handler {
	return func(context.Context, *ProcessContext) (any, error) { return nil, nil }
}

func TestRegistry_Validation(t *testing.T) {
	r := NewHandlerRegistry()
	require.ErrorIs(t, r.Register(ProcessorRegistration{Handler: noopHandler("x")}), ErrInvalidRegistration)
	require.ErrorIs(t, r.Register(ProcessorRegistration{Queue: "q"}), ErrInvalidRegistration)
	require.NoError(t, r.Register(ProcessorRegistration{Queue: "q", Handler: noopHandler("x")}))
}

func TestRegistry_DispatchRule(t *testing.T) {
	r := NewHandlerRegistry()
	require.NoError(t, r.Register(ProcessorRegistration{Queue: "q", TaskName: "resize", Handler: noopHandler("resize")}))
	require.NoError(t, r.Register(ProcessorRegistration{Queue: "q", Handler: noopHandler("default")}))
	require.NoError(t, r.Register(ProcessorRegistration{Queue: "q", TaskName: "report", Handler: noopHandler("report")}))

	t.Run("exact name wins", func(t *testing.T) {
		reg, ok := r.Resolve("q", "report")
		require.True(t, ok)
		require.Equal(t, "report", reg.TaskName)
	})

	t.Run("unnamed handler for unknown name", func(t *testing.T) {
		reg, ok := r.Resolve("q", "unknown")
		require.True(t, ok)
		require.Equal(t, "", reg.TaskName)
	})

	t.Run("unnamed handler for empty name", func(t *testing.T) {
		reg, ok := r.Resolve("q", "")
		require.True(t, ok)
		require.Equal(t, "", reg.TaskName)
	})

	t.Run("unknown queue", func(t *testing.T) {
		_, ok := r.Resolve("nope", "")
		require.False(t, ok)
	})
}

func TestRegistry_FirstRegisteredFallback(t *testing.T) {
	// Only named handlers: an unmatched name falls back to registration order.
	r := NewHandlerRegistry()
	require.NoError(t, r.Register(ProcessorRegistration{Queue: "q", TaskName: "a", Handler: noopHandler("a")}))
	require.NoError(t, r.Register(ProcessorRegistration{Queue: "q", TaskName: "b", Handler: noopHandler("b")}))

	reg, ok := r.Resolve("q", "zzz")
	require.True(t, ok)
	require.Equal(t, "a", reg.TaskName)
}

func TestRegistry_HooksFor(t *testing.T) {
	r := NewHandlerRegistry()
	called := 0
	require.NoError(t, r.Register(ProcessorRegistration{
		Queue:   "q",
		Handler: noopHandler("x"),
		Hooks:   QueueHooks{Active: func(*Task) { called++ }},
	}))
	require.NoError(t, r.Register(ProcessorRegistration{Queue: "q", Handler: noopHandler("y")}))

	hooks := r.HooksFor("q")
	require.Len(t, hooks, 2)
	hooks[0].Active(&Task{})
	require.Equal(t, 1, called)
	require.Nil(t, hooks[1].Active)
}

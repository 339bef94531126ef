package cloudtaskmq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventBus_SubscribeAndEmit(t *testing.T) {
	bus := newEventBus(noopLogger{})

	var got []string
	unsub := bus.subscribe(EventTaskCompleted, func(ev Event) {
		got = append(got, ev.TaskID)
	})
	bus.subscribe(EventTaskFailed, func(ev Event) {
		t.Fatalf("wrong kind delivered: %v", ev.Kind)
	})

	bus.emit(Event{Kind: EventTaskCompleted, TaskID: "a"})
	bus.emit(Event{Kind: EventTaskCompleted, TaskID: "b"})
	require.Equal(t, []string{"a", "b"}, got)

	unsub()
	unsub() // idempotent
	bus.emit(Event{Kind: EventTaskCompleted, TaskID: "c"})
	require.Equal(t, []string{"a", "b"}, got)
}

func TestEventBus_ListenerIsolation(t *testing.T) {
	bus := newEventBus(noopLogger{})

	survived := false
	bus.subscribe(EventTaskAdded, func(Event) { panic("listener bug") })
	bus.subscribe(EventTaskAdded, func(Event) { survived = true })

	require.NotPanics(t, func() {
		bus.emit(Event{Kind: EventTaskAdded, TaskID: "x"})
	})
	require.True(t, survived, "a panicking listener must not starve the others")
}

package web

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/SFDIGo/internal/logic/sequence"
)

func receive(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt StatusEvent
		require.NoError(t, json.Unmarshal([]byte(msg), &evt))
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return StatusEvent{}
}

func TestBroadcaster_EverySubscriberReceives(t *testing.T) {
	b := NewStatusBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Broadcast("warn", "stage slow to home")

	for _, ch := range []<-chan string{ch1, ch2} {
		evt := receive(t, ch)
		assert.Equal(t, "warn", evt.Level)
		assert.Equal(t, "stage slow to home", evt.Msg)
		assert.NotEmpty(t, evt.Time)
	}
}

func TestBroadcaster_BroadcastMsgIsInfo(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.BroadcastMsg("LED on")
	evt := receive(t, ch)
	assert.Equal(t, "info", evt.Level)
	assert.Equal(t, "LED on", evt.Msg)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
	assert.NotPanics(t, func() { b.Broadcast("info", "nobody listening") })
}

func TestBroadcaster_SlowSubscriberLosesOverflow(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < cap(ch)+5; i++ {
		b.Broadcast("info", "frame")
	}
	assert.Equal(t, cap(ch), len(ch))
}

func TestBroadcastWriter(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()
	w := BroadcastWriter(b)

	line := "  {\"level\":\"info\",\"message\":\"homed\"}  \n"
	n, err := w.Write([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, len(line), n)
	evt := receive(t, ch)
	assert.Equal(t, "log", evt.Level)
	assert.Equal(t, `{"level":"info","message":"homed"}`, evt.Msg)

	_, _ = w.Write([]byte("   \n"))
	select {
	case <-ch:
		t.Error("whitespace-only write should not broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_ObserveSequenceEvents(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()
	now := time.Now()

	b.Observe(sequence.Event{RunID: "r1", Time: now, State: sequence.Homing})
	evt := receive(t, ch)
	assert.Equal(t, "r1", evt.Run)
	assert.Equal(t, "homing", evt.State)
	assert.Equal(t, "info", evt.Level)

	b.Observe(sequence.Event{RunID: "r1", Time: now, State: sequence.Capture,
		Step: &sequence.StepResult{Index: 1, Path: "/captures/a.jpg", Attempted: true, OK: true}})
	evt = receive(t, ch)
	require.NotNil(t, evt.Step)
	assert.Equal(t, 2, *evt.Step)
	assert.Equal(t, "/captures/a.jpg", evt.Path)

	b.Observe(sequence.Event{RunID: "r1", Time: now, State: sequence.Exporting,
		Export: &sequence.ExportResult{Path: "/captures/a.jpg", Err: errors.New("host unreachable")}})
	evt = receive(t, ch)
	assert.Equal(t, "error", evt.Level)
	assert.Equal(t, "Export failed: host unreachable", evt.Msg)

	b.Observe(sequence.Event{RunID: "r1", Time: now, State: sequence.Failed, Err: errors.New("rotate 1/2")})
	evt = receive(t, ch)
	assert.Equal(t, "error", evt.Level)
	assert.Equal(t, "Run failed: rotate 1/2", evt.Msg)
}

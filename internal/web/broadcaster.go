package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/logic/sequence"
)

// StatusEvent represents a single status message for SSE. Run events also
// carry the run id, the sequencer state and, for captures, the step.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
	Run   string `json:"run,omitempty"`
	State string `json:"state,omitempty"`
	Step  *int   `json:"step,omitempty"`
	Path  string `json:"path,omitempty"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Broadcast sends a message to all subscribed clients.
// Messages are sent as JSON: {"t":"...","l":"info","msg":"..."}
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	if evt.Time == "" {
		evt.Time = time.Now().Format(time.RFC3339)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// Observe turns sequencer events into status events, so the page can
// follow a run step by step.
func (b *StatusBroadcaster) Observe(ev sequence.Event) {
	evt := StatusEvent{
		Time:  ev.Time.Format(time.RFC3339),
		Level: "info",
		Run:   ev.RunID,
		State: ev.State.String(),
	}
	switch {
	case ev.Step != nil:
		step := ev.Step.Index + 1
		evt.Step = &step
		evt.Path = ev.Step.Path
		evt.Msg = "Captured " + ev.Step.Path
		if ev.Step.Err != nil {
			evt.Level = "error"
			evt.Msg = "Capture failed: " + ev.Step.Err.Error()
		}
	case ev.Export != nil:
		evt.Path = ev.Export.Path
		evt.Msg = "Exported " + ev.Export.Path
		if ev.Export.Err != nil {
			evt.Level = "error"
			evt.Msg = "Export failed: " + ev.Export.Err.Error()
		}
	case ev.State == sequence.Failed:
		evt.Level = "error"
		evt.Msg = "Run failed"
		if ev.Err != nil {
			evt.Msg += ": " + ev.Err.Error()
		}
	case ev.State == sequence.Done:
		evt.Msg = "Sequence complete"
	default:
		evt.Msg = "State " + ev.State.String()
	}
	b.send(evt)
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.Broadcast("log", msg)
	}
	return len(p), nil
}

package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/journal"
	"github.com/cjeanneret/SFDIGo/internal/logic/sequence"
	"github.com/cjeanneret/SFDIGo/internal/logic/session"
	"github.com/cjeanneret/SFDIGo/internal/preview"
)

// Limits on request handling.
const (
	MaxRequestBytes = 1 << 20
	RunCooldown     = 5 * time.Second
	historyLimit    = 20
	frameWriteWait  = 200 * time.Millisecond
)

// RunOwner is the arbiter name a web-started run holds the camera under.
const RunOwner = "run"

// RunRequest holds the parameters of one acquisition run. Zero values mean
// "use the configured default"; Level is a pointer because 0 is a valid level.
type RunRequest struct {
	Level      *int    `json:"level,omitempty"`
	Mode       string  `json:"mode,omitempty"` // "auto" or "manual"
	ExposureUs float64 `json:"exposure_us,omitempty"`
	GainDB     float64 `json:"gain_db,omitempty"`
}

// ValidateRunRequest rejects values no camera accepts. The level is not
// range checked: the DAC clamps it.
func ValidateRunRequest(req RunRequest) error {
	switch req.Mode {
	case "", "auto", "manual":
	default:
		return fmt.Errorf("mode must be auto or manual, got %q", req.Mode)
	}
	if err := validNonNegative("exposure_us", req.ExposureUs); err != nil {
		return err
	}
	if err := validNonNegative("gain_db", req.GainDB); err != nil {
		return err
	}
	if req.ExposureUs > 30_000_000 {
		return fmt.Errorf("exposure_us must be at most 30 s, got %.0f", req.ExposureUs)
	}
	if req.GainDB > 100 {
		return fmt.Errorf("gain_db must be at most 100, got %.2f", req.GainDB)
	}
	return nil
}

func validNonNegative(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number", name)
	}
	if v < 0 {
		return fmt.Errorf("%s must be >= 0, got %v", name, v)
	}
	return nil
}

// RunFunc runs one acquisition sequence. It is called from the POST /run
// handler in a goroutine, with the camera already claimed.
type RunFunc func(ctx context.Context, req RunRequest) (*sequence.Result, error)

// FormConfig holds default values for the run form (from config).
type FormConfig struct {
	Level      int     `json:"level"`
	Mode       string  `json:"mode"`
	ExposureUs float64 `json:"exposure_us"`
	GainDB     float64 `json:"gain_db"`
	Positions  int     `json:"positions"`
}

// Previewer is the live preview task.
type Previewer interface {
	Start() error
	Stop()
	Running() bool
	Subscribe() (<-chan preview.Frame, func())
}

// History lists journaled runs.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Run, error)
}

// Deps are the collaborators of the HTTP handlers. Run, Preview and
// History may be nil; the matching routes then answer 503.
type Deps struct {
	Broadcaster *StatusBroadcaster
	Arbiter     *session.Arbiter
	Run         RunFunc
	Preview     Previewer
	History     History
	Defaults    func() FormConfig
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Deps
	staticFS fs.FS
	limiter  *rate.Limiter
	upgrader websocket.Upgrader

	// runCtx parents every run; cancelling it stops runs at the next step
	// boundary and runs waits for their cleanup.
	runCtx    context.Context
	stopRuns  context.CancelFunc
	runs      sync.WaitGroup
	runMu     sync.Mutex
	runCancel context.CancelFunc
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(deps Deps, staticFS fs.FS) *Handlers {
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewStatusBroadcaster()
	}
	if deps.Arbiter == nil {
		deps.Arbiter = &session.Arbiter{}
	}
	if deps.Defaults == nil {
		deps.Defaults = func() FormConfig { return FormConfig{} }
	}
	runCtx, stopRuns := context.WithCancel(context.Background())
	return &Handlers{
		Deps:     deps,
		staticFS: staticFS,
		limiter:  rate.NewLimiter(rate.Every(RunCooldown), 1),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		runCtx:   runCtx,
		stopRuns: stopRuns,
	}
}

// StopRuns cancels the active run, if any, and blocks until its cleanup has
// finished. Later POST /run requests are refused.
func (h *Handlers) StopRuns() {
	h.runMu.Lock()
	h.stopRuns()
	h.runMu.Unlock()
	h.runs.Wait()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Warn("web: encode response: %v", err)
	}
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Defaults())
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleRun handles POST /run to start an acquisition run.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateRunRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Run == nil {
		http.Error(w, "acquisition not configured", http.StatusServiceUnavailable)
		return
	}
	if h.runCtx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	release, err := h.Arbiter.TryAcquire(RunOwner)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if !h.limiter.Allow() {
		release()
		http.Error(w, "a run just finished, wait before starting another", http.StatusTooManyRequests)
		return
	}

	h.runMu.Lock()
	if h.runCtx.Err() != nil {
		h.runMu.Unlock()
		release()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithCancel(h.runCtx)
	h.runCancel = cancel
	h.runs.Add(1)
	h.runMu.Unlock()

	go func() {
		defer h.runs.Done()
		defer release()
		defer func() {
			h.runMu.Lock()
			h.runCancel = nil
			h.runMu.Unlock()
			cancel()
		}()

		res, err := h.Run(ctx, req)
		switch {
		case err != nil:
			h.Broadcaster.Broadcast("error", "Run failed: "+err.Error())
			debug.Error(err)
		case res != nil:
			h.Broadcaster.Broadcast("info", fmt.Sprintf("Run %s finished: %d file(s)", res.RunID, len(res.Paths())))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleCancel handles POST /run/cancel. The run stops at the next step boundary.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.runMu.Lock()
	cancel := h.runCancel
	h.runMu.Unlock()
	if cancel == nil {
		http.Error(w, "no run in progress", http.StatusConflict)
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// HandleRuns handles GET /runs with the journaled history.
func (h *Handlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		http.Error(w, "journal disabled", http.StatusServiceUnavailable)
		return
	}
	runs, err := h.History.Recent(r.Context(), historyLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []journal.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandlePreviewStart handles POST /preview/start.
func (h *Handlers) HandlePreviewStart(w http.ResponseWriter, r *http.Request) {
	if h.Preview == nil {
		http.Error(w, "preview not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Preview.Start(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, errors.ErrBusy) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

// HandlePreviewStop handles POST /preview/stop.
func (h *Handlers) HandlePreviewStop(w http.ResponseWriter, r *http.Request) {
	if h.Preview == nil {
		http.Error(w, "preview not configured", http.StatusServiceUnavailable)
		return
	}
	h.Preview.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

// HandlePreviewStream handles GET /preview/ws: every preview frame goes out
// as one binary websocket message.
func (h *Handlers) HandlePreviewStream(w http.ResponseWriter, r *http.Request) {
	if h.Preview == nil {
		http.Error(w, "preview not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	frames, unsub := h.Preview.Subscribe()
	defer unsub()

	// the client only sends close frames; reading detects the disconnect
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(frameWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

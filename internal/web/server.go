package web

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, deps Deps) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("web: sub static fs: %w", err)
	}
	return &Server{
		addr:     addr,
		handlers: NewHandlers(deps, subFS),
	}, nil
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /run", s.handlers.HandleRun)
	mux.HandleFunc("POST /run/cancel", s.handlers.HandleCancel)
	mux.HandleFunc("GET /runs", s.handlers.HandleRuns)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("POST /preview/start", s.handlers.HandlePreviewStart)
	mux.HandleFunc("POST /preview/stop", s.handlers.HandlePreviewStop)
	mux.HandleFunc("GET /preview/ws", s.handlers.HandlePreviewStream)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. It returns only after an active run has cleaned up.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// a run in progress still owns the LED and the stage; let its cleanup finish
		debug.Info("Web server stopped, waiting for the active run to clean up")
		s.handlers.StopRuns()
		return err
	}
}

package session

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
)

// Arbiter hands camera ownership to one user at a time (a sequence run or
// the preview poller). It never waits: a second claimant gets ErrBusy.
type Arbiter struct {
	mu    sync.Mutex
	owner string
}

// TryAcquire claims the camera for owner. The returned func gives it back
// and may be called more than once.
func (a *Arbiter) TryAcquire(owner string) (release func(), err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner != "" {
		return nil, fmt.Errorf("camera held by %s: %w", a.owner, errors.ErrBusy)
	}
	a.owner = owner
	debug.Trace("Arbiter: camera claimed by %s", owner)

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.owner = ""
			a.mu.Unlock()
			debug.Trace("Arbiter: camera released by %s", owner)
		})
	}, nil
}

// Owner returns the current owner, or "" when free.
func (a *Arbiter) Owner() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

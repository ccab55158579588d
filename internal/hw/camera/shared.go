package camera

import (
	"sync"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
)

// SharedSystem reference-counts one System across sessions. The underlying
// handle is opened by the first Acquire and released by the last Release.
type SharedSystem struct {
	mu   sync.Mutex
	open func() (System, error)
	sys  System
	refs int
}

// NewSharedSystem returns a handle that opens its System lazily with open.
func NewSharedSystem(open func() (System, error)) *SharedSystem {
	return &SharedSystem{open: open}
}

// Acquire returns the system, opening it if this is the first reference.
func (s *SharedSystem) Acquire() (System, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sys == nil {
		sys, err := s.open()
		if err != nil {
			return nil, errors.NewDeviceError("open camera system", err)
		}
		debug.Verbose("Camera system opened")
		s.sys = sys
	}
	s.refs++
	debug.Trace("Camera system refs=%d", s.refs)
	return s.sys, nil
}

// Release drops one reference and frees the system when none remain.
func (s *SharedSystem) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return errors.ErrClosed
	}
	s.refs--
	debug.Trace("Camera system refs=%d", s.refs)
	if s.refs > 0 {
		return nil
	}
	sys := s.sys
	s.sys = nil
	debug.Verbose("Camera system released")
	return sys.Release()
}

// Refs returns the number of live references.
func (s *SharedSystem) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

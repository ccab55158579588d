package motion

import (
	"context"
	"fmt"
	"sync"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
)

// Call is one command received by a MockStage.
type Call struct {
	Op      string // "home" or "move_by"
	Degrees float64
}

// MockStage records commands and fails on request. It is used in mock
// hardware mode and in tests.
type MockStage struct {
	mu       sync.Mutex
	calls    []Call
	position float64
	homeErr  error
	moveErrs map[int]error
	moves    int
}

// NewMockStage returns a stage that always succeeds.
func NewMockStage() *MockStage {
	return &MockStage{moveErrs: make(map[int]error)}
}

// FailHome makes Home fail with err.
func (m *MockStage) FailHome(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.homeErr = err
}

// FailMove makes the nth MoveBy (1-based) fail with err.
func (m *MockStage) FailMove(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moveErrs[n] = err
}

// Calls returns the commands received so far.
func (m *MockStage) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Position returns degrees travelled since the last Home.
func (m *MockStage) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

func (m *MockStage) Home(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.NewMotionError("home", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "home"})
	if m.homeErr != nil {
		return errors.NewMotionError("home", m.homeErr)
	}
	m.position = 0
	debug.Verbose("MockStage: homed")
	return nil
}

func (m *MockStage) MoveBy(ctx context.Context, degrees float64) error {
	op := fmt.Sprintf("move_by %.2f", degrees)
	if err := ctx.Err(); err != nil {
		return errors.NewMotionError(op, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moves++
	m.calls = append(m.calls, Call{Op: "move_by", Degrees: degrees})
	if err := m.moveErrs[m.moves]; err != nil {
		return errors.NewMotionError(op, err)
	}
	m.position += degrees
	debug.Move("mock", degrees)
	return nil
}

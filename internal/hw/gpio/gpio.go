package gpio

import (
	"sync"

	"github.com/cjeanneret/SFDIGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
	// InputPullUp is an input with the internal pull-up enabled.
	// Used for the stage home switch, which shorts the pin to ground.
	InputPullUp
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	case InputPullUp:
		return "input+pullup"
	default:
		return "unknown"
	}
}

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

// MockDriver is a test implementation that logs actions and lets
// callers script input levels. Unscripted inputs read High, which is
// the idle level of a pulled-up switch.
type MockDriver struct {
	mu     sync.Mutex
	inputs map[int]func() Level
	writes map[int]int
}

// NewMockDriver creates a MockDriver with no scripted inputs.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		inputs: make(map[int]func() Level),
		writes: make(map[int]int),
	}
}

// ScriptInput makes ReadPin(pin) return fn().
func (m *MockDriver) ScriptInput(pin int, fn func() Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[pin] = fn
}

// Writes returns how many times pin was written.
func (m *MockDriver) Writes(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[pin]
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	m.writes[pin]++
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	fn := m.inputs[pin]
	m.mu.Unlock()
	lvl := High
	if fn != nil {
		lvl = fn()
	}
	debug.GPIO("ReadPin", pin, lvl)
	return lvl, nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}

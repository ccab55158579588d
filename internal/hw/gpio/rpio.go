package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// The stage stepper and the home switch share one memory-mapped GPIO block.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setup(pin, mode)
}

// setup must be called with mu held.
func (r *RPiDriver) setup(pin int, mode PinMode) error {
	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
		p.PullOff()
	case InputPullUp:
		p.Input()
		p.PullUp()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as output
		if err := r.setup(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as pulled-up input
		if err := r.setup(pin, InputPullUp); err != nil {
			r.mu.Unlock()
			return Low, err
		}
		p = r.pins[pin]
	}
	r.mu.Unlock()

	lvl := Low
	if p.Read() == rpio.High {
		lvl = High
	}
	debug.GPIO("ReadPin", pin, lvl)
	return lvl, nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	r.mu.Lock()
	defer r.mu.Unlock()
	// Reset all pins to input (safe state)
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}
	return rpio.Close()
}

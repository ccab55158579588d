package stepper

import (
	"fmt"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/hw/gpio"
)

// Config holds the hardware configuration for the rotation stage motor.
type Config struct {
	StepPin       int
	DirPin        int
	EnablePin     int // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepsPerRev   int
	Microstepping int
	GearRatio     float64       // motor revolutions per stage revolution. 0 = direct drive.
	InvertDir     bool          // swap DIR polarity so positive moves are counter-clockwise
	StepDelay     time.Duration // delay per half-cycle of STEP pulse. Total step = 2*StepDelay.
}

// Stepper drives an A4988-style STEP/DIR motor.
// Moves are blocking: a call returns once the last pulse has been issued.
type Stepper struct {
	gpio  gpio.Driver
	cfg   Config
	delay time.Duration // delay between STEP pulse half-cycles
}

// NewStepper creates a new stepper motor controller.
// cfg.StepDelay: if 0, defaults to 1ms.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}
	if cfg.GearRatio <= 0 {
		cfg.GearRatio = 1
	}

	s := &Stepper{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

// StepsPerDegree returns microsteps per degree of stage rotation.
func (s *Stepper) StepsPerDegree() float64 {
	return float64(s.cfg.StepsPerRev*s.cfg.Microstepping) * s.cfg.GearRatio / 360.0
}

// MoveSteps moves the motor by a number of steps (positive or negative).
func (s *Stepper) MoveSteps(steps int) error {
	if steps == 0 {
		return nil
	}

	forward := steps > 0
	if !forward {
		steps = -steps
	}
	if err := s.setDirection(forward); err != nil {
		return err
	}

	for i := 0; i < steps; i++ {
		if err := s.stepPulse(); err != nil {
			return fmt.Errorf("step %d/%d: %w", i+1, steps, err)
		}
	}
	return nil
}

// SeekSwitch steps in one direction until hit reports true, giving up after
// maxSteps. It returns the number of steps taken before the switch closed.
// hit is evaluated before every pulse, so an already closed switch costs 0 steps.
func (s *Stepper) SeekSwitch(forward bool, maxSteps int, hit func() (bool, error)) (int, error) {
	if err := s.setDirection(forward); err != nil {
		return 0, err
	}
	for taken := 0; taken <= maxSteps; taken++ {
		closed, err := hit()
		if err != nil {
			return taken, err
		}
		if closed {
			debug.Verbose("Stepper: switch closed after %d steps", taken)
			return taken, nil
		}
		if taken == maxSteps {
			break
		}
		if err := s.stepPulse(); err != nil {
			return taken, err
		}
	}
	return maxSteps, fmt.Errorf("switch not reached within %d steps", maxSteps)
}

func (s *Stepper) setDirection(forward bool) error {
	direction := "forward"
	if !forward {
		direction = "backward"
	}
	debug.Printf("Stepper: direction %s on pin %d", direction, s.cfg.DirPin)

	level := gpio.Level(forward != s.cfg.InvertDir)
	return s.gpio.WritePin(s.cfg.DirPin, level)
}

func (s *Stepper) stepPulse() error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(s.delay)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(s.delay)
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). The stage holds position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). No holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}

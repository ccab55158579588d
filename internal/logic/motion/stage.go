// Package motion implements the rotation stage contract used by the
// sequencer: home, then relative moves that block until the stage stopped.
package motion

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/hw/gpio"
	"github.com/cjeanneret/SFDIGo/internal/hw/stepper"
	"github.com/cjeanneret/SFDIGo/internal/logic/geometry"
)

// Stage is a single-axis rotation stage. Failures are *errors.MotionError.
// A move in progress is never interrupted; ctx is only checked before it starts.
type Stage interface {
	Home(ctx context.Context) error
	MoveBy(ctx context.Context, degrees float64) error
}

// StepperConfig configures a StepperStage.
type StepperConfig struct {
	HomePin        int     // limit switch input (BCM), pulled up, closed = LOW
	HomeForward    bool    // direction that reaches the switch
	MaxHomeDegrees float64 // give up homing after this much travel. 0 = 400.
}

// StepperStage is a stepper-driven rotation stage homed against a limit switch.
type StepperStage struct {
	mu       sync.Mutex
	motor    *stepper.Stepper
	gpio     gpio.Driver
	cfg      StepperConfig
	steps    *geometry.StepsCalculator
	position float64
	homed    bool
}

// NewStepperStage returns a stage over motor with the home switch read through g.
// It fails when the switch input cannot be configured.
func NewStepperStage(motor *stepper.Stepper, g gpio.Driver, cfg StepperConfig) (*StepperStage, error) {
	if cfg.MaxHomeDegrees <= 0 {
		cfg.MaxHomeDegrees = 400
	}
	if err := g.SetupPin(cfg.HomePin, gpio.InputPullUp); err != nil {
		return nil, errors.NewMotionError(fmt.Sprintf("setup home pin %d", cfg.HomePin), err)
	}
	return &StepperStage{
		motor: motor,
		gpio:  g,
		cfg:   cfg,
		steps: geometry.NewStepsCalculator(motor.StepsPerDegree()),
	}, nil
}

// Home rotates toward the limit switch until it closes and makes that 0°.
func (s *StepperStage) Home(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.NewMotionError("home", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	debug.Live("Homing rotation stage")
	if err := s.motor.Enable(); err != nil {
		return errors.NewMotionError("home", err)
	}
	maxSteps := int(math.Round(s.cfg.MaxHomeDegrees * s.steps.StepsPerDegree()))
	taken, err := s.motor.SeekSwitch(s.cfg.HomeForward, maxSteps, func() (bool, error) {
		lvl, err := s.gpio.ReadPin(s.cfg.HomePin)
		return lvl == gpio.Low, err
	})
	if err != nil {
		s.homed = false
		return errors.NewMotionError("home", err)
	}
	s.position = 0
	s.homed = true
	s.steps.Reset()
	debug.Verbose("Stage homed after %d steps", taken)
	return nil
}

// MoveBy rotates by degrees relative to the current position.
func (s *StepperStage) MoveBy(ctx context.Context, degrees float64) error {
	op := fmt.Sprintf("move_by %.2f", degrees)
	if err := ctx.Err(); err != nil {
		return errors.NewMotionError(op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.homed {
		debug.Warn("Stage: moving before homing, position is relative to power-up")
	}
	n := s.steps.Steps(degrees)
	debug.Move("rotation", degrees)
	debug.Verbose("Stage: %d steps", n)
	if err := s.motor.MoveSteps(n); err != nil {
		return errors.NewMotionError(op, err)
	}
	s.position += degrees
	return nil
}

// Position returns degrees travelled since homing.
func (s *StepperStage) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Close removes holding torque.
func (s *StepperStage) Close() error {
	return s.motor.Disable()
}

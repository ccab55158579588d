// Package session owns one camera for the duration of an acquisition: it
// connects, configures, negotiates exposure, runs acquisition and captures
// frames, releasing every buffer it is handed.
package session

import (
	"fmt"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/hw/camera"
)

// State is the lifecycle state of a Session.
type State int

const (
	Disconnected State = iota
	Connected
	Configured
	Acquiring
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Configured:
		return "configured"
	case Acquiring:
		return "acquiring"
	default:
		return "unknown"
	}
}

const (
	// DefaultSettleTimeout bounds the throwaway frame grabbed after a settings change.
	DefaultSettleTimeout = 15 * time.Second
	// DefaultCaptureTimeout bounds a real capture.
	DefaultCaptureTimeout = 5 * time.Second
	// LinearGamma keeps pixel values proportional to intensity.
	LinearGamma = 1.0
)

// AutoSettings are the values the camera resolved in single-shot auto mode.
type AutoSettings struct {
	ExposureUs float64
	GainDB     float64
	Gamma      float64
}

// Session drives one camera.Device through its lifecycle.
type Session struct {
	shared        *camera.SharedSystem
	platform      string
	settleTimeout time.Duration

	held  bool
	dev   camera.Device
	state State
	plan  Plan
}

// Option configures a Session.
type Option func(*Session)

// WithPlatform overrides the platform family used to pick the stream mode.
func WithPlatform(goos string) Option {
	return func(s *Session) { s.platform = goos }
}

// WithSettleTimeout overrides DefaultSettleTimeout.
func WithSettleTimeout(d time.Duration) Option {
	return func(s *Session) { s.settleTimeout = d }
}

// New returns a disconnected session on the shared camera system.
func New(shared *camera.SharedSystem, opts ...Option) *Session {
	s := &Session{
		shared:        shared,
		settleTimeout: DefaultSettleTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Serial returns the serial of the connected device, or "".
func (s *Session) Serial() string {
	if s.dev == nil {
		return ""
	}
	return s.dev.Serial()
}

// Plan returns the plan applied by the last Configure.
func (s *Session) Plan() Plan { return s.plan }

func (s *Session) require(op string, want State) error {
	if s.state != want {
		return fmt.Errorf("%s in state %s (want %s): %w", op, s.state, want, errors.ErrState)
	}
	return nil
}

// Connect takes a reference on the camera system, opens the first camera
// and selects the stream mode for this platform. A missing or read-only
// stream mode node is logged and ignored.
func (s *Session) Connect() error {
	if err := s.require("connect", Disconnected); err != nil {
		return err
	}
	sys, err := s.shared.Acquire()
	if err != nil {
		return err
	}
	s.held = true

	cams, err := sys.Cameras()
	if err != nil {
		s.releaseSystem()
		return errors.NewDeviceError("enumerate cameras", err)
	}
	if len(cams) == 0 {
		s.releaseSystem()
		return errors.NewDeviceError("connect", errors.ErrNoDevice)
	}
	debug.Verbose("Session: %d camera(s) found", len(cams))

	dev := cams[0]
	if err := dev.Init(); err != nil {
		s.releaseSystem()
		return errors.NewDeviceError("init camera", err)
	}
	s.dev = dev
	s.state = Connected
	debug.Info("Camera connected (serial %q)", dev.Serial())

	mode := StreamModeFor(s.platform)
	if !dev.Access(camera.StreamMode).Writable() {
		debug.Verbose("Session: stream mode node not writable, keeping device default")
	} else if err := dev.Set(camera.StreamMode, camera.Enum(mode)); err != nil {
		debug.Warn("Session: stream mode %s rejected: %v", mode, err)
	} else {
		debug.Node("config", camera.StreamMode.String(), mode)
	}
	return nil
}

// Configure resolves cfg into a plan and applies it.
func (s *Session) Configure(cfg AcquisitionConfig) (Plan, error) {
	if s.state != Connected && s.state != Configured {
		return Plan{}, fmt.Errorf("configure in state %s: %w", s.state, errors.ErrState)
	}
	plan, err := BuildPlan(s.dev, cfg)
	if err != nil {
		return Plan{}, err
	}
	debug.Verbose("Session: plan has %d writes, %d skipped", len(plan.Writes), len(plan.Skipped))
	if err := plan.Apply(s.dev); err != nil {
		return plan, err
	}
	s.plan = plan
	s.state = Configured
	return plan, nil
}

// NegotiateAuto lets the camera pick exposure and gain in single-shot auto
// mode on one discarded frame, then pins gamma to LinearGamma.
func (s *Session) NegotiateAuto() (AutoSettings, error) {
	if err := s.require("negotiate auto", Configured); err != nil {
		return AutoSettings{}, err
	}
	for _, st := range []camera.Setting{camera.ExposureAuto, camera.GainAuto} {
		if err := s.dev.Set(st, camera.Enum(camera.AutoOnce)); err != nil {
			debug.Warn("%v", errors.NewConfigError(st.String(), false, err))
		}
	}

	if err := s.dev.BeginAcquisition(); err != nil {
		return AutoSettings{}, errors.NewDeviceError("begin acquisition", err)
	}
	s.state = Acquiring
	settleErr := s.discard()
	if err := s.EndAcquisition(); err != nil && settleErr == nil {
		settleErr = err
	}
	if settleErr != nil {
		return AutoSettings{}, fmt.Errorf("auto settle frame: %w", settleErr)
	}

	var auto AutoSettings
	if v, err := s.dev.Get(camera.ExposureTime); err == nil {
		auto.ExposureUs = v.Number()
	}
	if v, err := s.dev.Get(camera.Gain); err == nil {
		auto.GainDB = v.Number()
	}

	if s.dev.Access(camera.GammaEnable).Writable() {
		if err := s.dev.Set(camera.GammaEnable, camera.Bool(true)); err != nil {
			debug.Warn("%v", errors.NewConfigError(camera.GammaEnable.String(), false, err))
		}
	}
	if err := s.dev.Set(camera.Gamma, camera.Float(LinearGamma)); err != nil {
		return auto, errors.NewConfigError(camera.Gamma.String(), true, err)
	}
	v, err := s.dev.Get(camera.Gamma)
	if err != nil {
		return auto, errors.NewConfigError(camera.Gamma.String(), true, err)
	}
	auto.Gamma = v.Number()

	debug.Info("Auto settings: exposure %.1f us, gain %.2f dB, gamma %.2f", auto.ExposureUs, auto.GainDB, auto.Gamma)
	return auto, nil
}

// DisableAuto switches exposure and gain to manual.
func (s *Session) DisableAuto() error {
	if s.state != Connected && s.state != Configured {
		return fmt.Errorf("disable auto in state %s: %w", s.state, errors.ErrState)
	}
	for _, st := range []camera.Setting{camera.ExposureAuto, camera.GainAuto} {
		if err := s.dev.Set(st, camera.Enum(camera.AutoOff)); err != nil {
			return errors.NewConfigError(st.String(), true, err)
		}
	}
	return nil
}

// SetManual writes exposure and gain, clamped to the device limits. Both
// auto modes must already be off.
func (s *Session) SetManual(exposureUs, gainDB float64) error {
	if s.state != Connected && s.state != Configured {
		return fmt.Errorf("set manual in state %s: %w", s.state, errors.ErrState)
	}
	for _, st := range []camera.Setting{camera.ExposureAuto, camera.GainAuto} {
		v, err := s.dev.Get(st)
		if err == nil && v.S != camera.AutoOff {
			return fmt.Errorf("%s is %s: %w", st, v.S, errors.ErrPrecedence)
		}
	}

	manual := []struct {
		setting camera.Setting
		value   float64
	}{
		{camera.ExposureTime, exposureUs},
		{camera.Gain, gainDB},
	}
	for _, m := range manual {
		v := m.value
		if b, err := s.dev.Bounds(m.setting); err == nil {
			if c := b.Clamp(v); c != v {
				debug.Warn("Session: %s %.2f clamped to %.2f", m.setting, v, c)
				v = c
			}
		}
		if err := s.dev.Set(m.setting, camera.Float(v)); err != nil {
			return errors.NewConfigError(m.setting.String(), true, err)
		}
		debug.Value(m.setting.String(), v)
	}
	return nil
}

// BeginAcquisition starts streaming and discards one settle frame. If the
// settle frame fails, acquisition is stopped again.
func (s *Session) BeginAcquisition() error {
	if err := s.require("begin acquisition", Configured); err != nil {
		return err
	}
	if err := s.dev.BeginAcquisition(); err != nil {
		return errors.NewDeviceError("begin acquisition", err)
	}
	s.state = Acquiring
	debug.Verbose("Session: acquiring")

	if err := s.discard(); err != nil {
		_ = s.EndAcquisition()
		return fmt.Errorf("settle frame: %w", err)
	}
	return nil
}

// EndAcquisition stops streaming.
func (s *Session) EndAcquisition() error {
	if err := s.require("end acquisition", Acquiring); err != nil {
		return err
	}
	s.state = Configured
	if err := s.dev.EndAcquisition(); err != nil {
		return errors.NewDeviceError("end acquisition", err)
	}
	debug.Verbose("Session: acquisition stopped")
	return nil
}

// Teardown releases everything the session holds. It is safe in any state
// and on a session that failed halfway through Connect.
func (s *Session) Teardown() error {
	var errs []error
	if s.state == Acquiring {
		if err := s.EndAcquisition(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.dev != nil {
		if err := s.dev.DeInit(); err != nil {
			errs = append(errs, errors.NewDeviceError("deinit camera", err))
		}
		s.dev = nil
	}
	if err := s.releaseSystem(); err != nil {
		errs = append(errs, err)
	}
	if s.state != Disconnected {
		debug.Verbose("Session: torn down")
	}
	s.state = Disconnected
	return errors.Join(errs...)
}

func (s *Session) releaseSystem() error {
	if !s.held {
		return nil
	}
	s.held = false
	return s.shared.Release()
}

// grab waits for the next frame. Incomplete frames are released here.
func (s *Session) grab(timeout time.Duration) (camera.Image, error) {
	if err := s.require("grab", Acquiring); err != nil {
		return nil, err
	}
	img, err := s.dev.NextImage(timeout)
	if err != nil {
		return nil, err
	}
	if st := img.Status(); st != camera.StatusComplete {
		if rerr := img.Release(); rerr != nil {
			debug.Warn("Session: release incomplete frame: %v", rerr)
		}
		return nil, &errors.IncompleteFrameError{Status: int(st)}
	}
	return img, nil
}

// discard grabs and releases one settle frame.
func (s *Session) discard() error {
	debug.Trace("Session: settle frame (timeout %v)", s.settleTimeout)
	img, err := s.grab(s.settleTimeout)
	if err != nil {
		return err
	}
	return img.Release()
}

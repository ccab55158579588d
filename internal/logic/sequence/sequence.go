// Package sequence runs the acquisition cycle: illumination on, stage
// homed, one frame per angular position, then guaranteed cleanup and export.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/hw/dac"
	"github.com/cjeanneret/SFDIGo/internal/logic/geometry"
	"github.com/cjeanneret/SFDIGo/internal/logic/motion"
	"github.com/google/uuid"
)

// State is the phase a run is in.
type State int

const (
	Idle State = iota
	LedOn
	Homing
	Preparing
	Capture
	Settle
	Rotate
	CaptureFinal
	LedOff
	Exporting
	Done
	Failed
)

var stateNames = [...]string{
	Idle:         "idle",
	LedOn:        "led_on",
	Homing:       "homing",
	Preparing:    "preparing",
	Capture:      "capture",
	Settle:       "settle",
	Rotate:       "rotate",
	CaptureFinal: "capture_final",
	LedOff:       "led_off",
	Exporting:    "exporting",
	Done:         "done",
	Failed:       "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Step is one capture position. The stage turns by RotationDeg after the
// capture, except after the last step.
type Step struct {
	RotationDeg          float64
	SettleBeforeRotation time.Duration
	SettleBeforeCapture  time.Duration
	// Filename overrides the generated name when set.
	Filename string
}

// EvenlySpaced returns n steps a full turn apart divided evenly (120° for n=3).
func EvenlySpaced(n int, settleBeforeRotation, settleBeforeCapture time.Duration) []Step {
	return Spaced(n, 360, settleBeforeRotation, settleBeforeCapture)
}

// Spaced returns n steps dividing span degrees evenly.
func Spaced(n int, span float64, settleBeforeRotation, settleBeforeCapture time.Duration) []Step {
	deltas := geometry.Deltas(geometry.EvenlySpaced(n, span))
	steps := make([]Step, n)
	for i := range steps {
		steps[i] = Step{
			SettleBeforeRotation: settleBeforeRotation,
			SettleBeforeCapture:  settleBeforeCapture,
		}
		if i+1 < n {
			steps[i].RotationDeg = deltas[i+1]
		}
	}
	return steps
}

// Illumination is the LED intensity output.
type Illumination interface {
	SetLevel(level int) error
	Close() error
}

// Camera is what the sequencer needs from the acquisition side.
type Camera interface {
	// Prepare connects and configures the camera, exposure included.
	Prepare(ctx context.Context) error
	// Capture acquires and saves one frame, returning its path.
	Capture(name string) (string, error)
	// Teardown releases the camera. It must be safe after any failure.
	Teardown() error
}

// Exporter copies one captured file elsewhere.
type Exporter interface {
	Export(ctx context.Context, path string) error
}

// Config holds the run parameters.
type Config struct {
	Level      int
	LedWarmup  time.Duration
	HomeSettle time.Duration
	Steps      []Step
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index     int
	Angle     float64
	Path      string
	Attempted bool
	OK        bool
	Err       error
}

// ExportResult is the outcome of exporting one file.
type ExportResult struct {
	Path string
	Err  error
}

// Result is everything a run produced. Steps has one entry per planned step.
type Result struct {
	RunID    string
	Level    int
	Started  time.Time
	Finished time.Time
	Steps    []StepResult
	Exports  []ExportResult
	State    State
	Err      error
}

// Paths returns the captured files in capture order.
func (r Result) Paths() []string {
	var out []string
	for _, s := range r.Steps {
		if s.OK {
			out = append(out, s.Path)
		}
	}
	return out
}

// Event is published to observers as the run progresses. Exactly one of
// Step and Export is set for result events; both are nil for state changes.
type Event struct {
	RunID  string
	Time   time.Time
	Level  int
	State  State
	Step   *StepResult
	Export *ExportResult
	Err    error
}

// Observer receives run events synchronously, in order.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Sequencer owns one run. It is the only writer of illumination and
// rotation state while Run executes.
type Sequencer struct {
	led       Illumination
	stage     motion.Stage
	cam       Camera
	exporter  Exporter
	cfg       Config
	observers []Observer
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration)

	runID string
	state State
}

// New returns a sequencer. exporter may be nil to skip the export phase.
func New(led Illumination, stage motion.Stage, cam Camera, exporter Exporter, cfg Config) *Sequencer {
	return &Sequencer{
		led:      led,
		stage:    stage,
		cam:      cam,
		exporter: exporter,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Observe registers o for run events.
func (s *Sequencer) Observe(o Observer) {
	s.observers = append(s.observers, o)
}

// State returns the current phase.
func (s *Sequencer) State() State { return s.state }

func (s *Sequencer) emit(ev Event) {
	ev.RunID = s.runID
	ev.Time = s.now()
	ev.Level = dac.Clamp(s.cfg.Level)
	ev.State = s.state
	for _, o := range s.observers {
		o.Observe(ev)
	}
}

func (s *Sequencer) enter(st State) {
	s.state = st
	debug.Trace("Sequence %s: %s", s.runID, st)
	s.emit(Event{})
}

// Run executes the cycle. Whatever happens, illumination is switched off
// exactly once and the camera and bus are released before Run returns.
// Files captured before a failure are still exported. ctx is honoured
// between steps only.
func (s *Sequencer) Run(ctx context.Context) Result {
	s.runID = uuid.NewString()
	res := Result{
		RunID:   s.runID,
		Level:   dac.Clamp(s.cfg.Level),
		Started: s.now(),
		Steps:   make([]StepResult, len(s.cfg.Steps)),
	}
	for i := range res.Steps {
		res.Steps[i].Index = i
	}
	debug.Section("Acquisition " + s.runID)
	s.enter(Idle)

	runErr := s.acquire(ctx, &res)
	if err := s.cleanup(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	s.export(ctx, &res)

	res.Err = runErr
	res.Finished = s.now()
	if runErr != nil {
		debug.Error(runErr)
		s.state = Failed
		s.emit(Event{Err: runErr})
	} else {
		s.enter(Done)
	}
	res.State = s.state
	debug.Info("Run %s %s: %d/%d captures, %s", s.runID, s.state, len(res.Paths()), len(res.Steps), res.Finished.Sub(res.Started).Round(time.Millisecond))
	return res
}

func (s *Sequencer) acquire(ctx context.Context, res *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.enter(LedOn)
	if err := s.led.SetLevel(s.cfg.Level); err != nil {
		return fmt.Errorf("illumination on: %w", err)
	}
	if err := s.wait(ctx, s.cfg.LedWarmup); err != nil {
		return err
	}

	s.enter(Homing)
	if err := s.stage.Home(ctx); err != nil {
		return err
	}
	if err := s.wait(ctx, s.cfg.HomeSettle); err != nil {
		return err
	}

	s.enter(Preparing)
	if err := s.cam.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare camera: %w", err)
	}

	angle := 0.0
	last := len(s.cfg.Steps) - 1
	for i, step := range s.cfg.Steps {
		if err := s.wait(ctx, step.SettleBeforeCapture); err != nil {
			return err
		}

		if i == last {
			s.enter(CaptureFinal)
		} else {
			s.enter(Capture)
		}
		sr := &res.Steps[i]
		sr.Angle = angle
		sr.Attempted = true
		debug.Step(i+1, fmt.Sprintf("capture at %.1f°", angle))
		path, err := s.cam.Capture(step.Filename)
		if err != nil {
			sr.Err = err
			s.emit(Event{Step: sr, Err: err})
			return fmt.Errorf("capture %d/%d: %w", i+1, len(s.cfg.Steps), err)
		}
		sr.Path, sr.OK = path, true
		debug.Shot(i+1, len(s.cfg.Steps), path)
		s.emit(Event{Step: sr})

		if i == last {
			break
		}
		s.enter(Settle)
		if err := s.wait(ctx, step.SettleBeforeRotation); err != nil {
			return err
		}
		s.enter(Rotate)
		if err := s.stage.MoveBy(ctx, step.RotationDeg); err != nil {
			return err
		}
		angle += step.RotationDeg
		s.enter(Settle)
	}
	return nil
}

// cleanup runs on every path.
func (s *Sequencer) cleanup() error {
	s.enter(LedOff)
	var errs []error
	if err := s.led.SetLevel(dac.LevelOff); err != nil {
		errs = append(errs, fmt.Errorf("illumination off: %w", err))
	}
	if err := s.cam.Teardown(); err != nil {
		errs = append(errs, fmt.Errorf("camera teardown: %w", err))
	}
	if err := s.led.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	return errors.Join(errs...)
}

// export copies every captured file in capture order. A failed transfer is
// recorded and the next file is still attempted. Cancellation of ctx does
// not stop the export of files already on disk.
func (s *Sequencer) export(ctx context.Context, res *Result) {
	paths := res.Paths()
	if s.exporter == nil || len(paths) == 0 {
		return
	}
	s.enter(Exporting)
	ctx = context.WithoutCancel(ctx)
	for _, p := range paths {
		er := ExportResult{Path: p, Err: s.exporter.Export(ctx, p)}
		if er.Err != nil {
			debug.Warn("Export %s failed: %v", p, er.Err)
		} else {
			debug.Live("Exported %s", p)
		}
		res.Exports = append(res.Exports, er)
		s.emit(Event{Export: &er, Err: er.Err})
	}
}

func (s *Sequencer) wait(ctx context.Context, d time.Duration) error {
	if d > 0 {
		s.sleep(ctx, d)
	}
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

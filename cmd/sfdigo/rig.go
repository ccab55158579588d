package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cjeanneret/SFDIGo/internal/config"
	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/export"
	"github.com/cjeanneret/SFDIGo/internal/hw/camera"
	"github.com/cjeanneret/SFDIGo/internal/hw/camera/cvcam"
	"github.com/cjeanneret/SFDIGo/internal/hw/dac"
	"github.com/cjeanneret/SFDIGo/internal/hw/gpio"
	"github.com/cjeanneret/SFDIGo/internal/hw/stepper"
	"github.com/cjeanneret/SFDIGo/internal/imaging"
	"github.com/cjeanneret/SFDIGo/internal/journal"
	"github.com/cjeanneret/SFDIGo/internal/logic/motion"
	"github.com/cjeanneret/SFDIGo/internal/logic/sequence"
	"github.com/cjeanneret/SFDIGo/internal/logic/session"
	"github.com/cjeanneret/SFDIGo/internal/preview"
	"github.com/cjeanneret/SFDIGo/internal/web"
)

// simSerial is the serial reported by the simulated camera.
const simSerial = "SIM0001"

// rig is the hardware of one process: GPIO, rotation stage, the shared
// camera system and the optional journal. The LED bus is opened per use
// because a run closes it in its cleanup.
type rig struct {
	mu  sync.RWMutex
	cfg *config.Config

	gpio    gpio.Driver
	stage   motion.Stage
	shared  *camera.SharedSystem
	arbiter *session.Arbiter
	proc    *imaging.Processor
	journal *journal.Journal
}

func newRig(c *config.Config) (*rig, error) {
	r := &rig{cfg: c, arbiter: &session.Arbiter{}}

	algo, err := imaging.ParseAlgorithm(c.Camera.Algorithm)
	if err != nil {
		return nil, errors.NewConfigError("camera.algorithm", true, err)
	}
	if r.proc, err = imaging.NewProcessor(algo, c.Camera.OutputFormat); err != nil {
		return nil, errors.NewConfigError("camera.output_format", true, err)
	}

	debug.Step(1, "Initializing GPIO driver")
	if r.gpio, err = gpio.NewDriver(c.Defaults.MockHardware); err != nil {
		return nil, errors.NewDeviceError("open gpio", err)
	}

	debug.Step(2, "Initializing rotation stage")
	if c.Defaults.MockHardware {
		r.stage = motion.NewMockStage()
	} else {
		motor := stepper.NewStepper(r.gpio, stepper.Config{
			StepPin:       c.Stage.StepPin,
			DirPin:        c.Stage.DirPin,
			EnablePin:     c.Stage.EnablePin,
			StepsPerRev:   c.Stage.StepsPerRev,
			Microstepping: c.Stage.Microstepping,
			GearRatio:     c.Stage.GearRatio,
			InvertDir:     c.Stage.InvertDir,
			StepDelay:     c.StepDelay(),
		})
		stage, err := motion.NewStepperStage(motor, r.gpio, motion.StepperConfig{
			HomePin:        c.Stage.HomePin,
			HomeForward:    c.Stage.HomeForward,
			MaxHomeDegrees: c.Stage.MaxHomeDeg,
		})
		if err != nil {
			r.Close()
			return nil, err
		}
		r.stage = stage
		debug.PrintStruct("Stage config", c.Stage)
	}

	debug.Step(3, "Initializing camera system")
	debug.Value("Camera backend", c.Camera.Backend)
	backend, devices := c.Camera.Backend, c.Camera.Devices
	r.shared = camera.NewSharedSystem(func() (camera.System, error) {
		if backend == config.BackendSim {
			return camera.NewSimSystem(camera.NewSimCamera(simSerial)), nil
		}
		return cvcam.NewSystem(devices...), nil
	})

	if c.Journal.Path != "" {
		debug.Step(4, "Opening run journal")
		if r.journal, err = journal.Open(c.Journal.Path); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// config returns the configuration runs currently use.
func (r *rig) config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// setConfig swaps the run parameters. Hardware wiring keeps the values it
// was built with.
func (r *rig) setConfig(c *config.Config) {
	r.mu.Lock()
	r.cfg = c
	r.mu.Unlock()
}

// Close releases the GPIO and the journal.
func (r *rig) Close() error {
	var errs []error
	if c, ok := r.stage.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if r.gpio != nil {
		errs = append(errs, r.gpio.Close())
	}
	if r.journal != nil {
		errs = append(errs, r.journal.Close())
	}
	return errors.Join(errs...)
}

func (r *rig) openLED() (*dac.MCP4922, error) {
	c := r.config()
	return dac.Open(dac.BusConfig{
		Device:  c.Illumination.SPIDevice,
		SpeedHz: c.Illumination.SpeedHz,
		Mock:    c.Defaults.MockHardware,
	})
}

func (r *rig) newSession() *session.Session {
	return session.New(r.shared, session.WithSettleTimeout(r.config().SettleTimeout()))
}

func (r *rig) acquisition() session.AcquisitionConfig {
	cam := r.config().Camera
	return session.AcquisitionConfig{
		PixelFormat:      cam.PixelFormat,
		Binning:          cam.Binning,
		Width:            cam.Width,
		Height:           cam.Height,
		OffsetX:          cam.OffsetX,
		OffsetY:          cam.OffsetY,
		FrameRate:        cam.FrameRate,
		BufferCountFloor: cam.BufferCountFloor,
		BufferHandling:   camera.BufferNewestOnly,
	}
}

// converter adapts the imaging processor to the capture contract.
func (r *rig) converter() session.Converter {
	return session.ConverterFunc(func(img camera.Image) (session.Output, error) {
		out, err := r.proc.Convert(img)
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

func (r *rig) newPreview() *preview.Poller {
	c := r.config()
	pcfg := preview.DefaultConfig()
	pcfg.Acquisition.PixelFormat = c.Camera.PixelFormat
	pcfg.Acquisition.Binning = c.Preview.Binning
	pcfg.Acquisition.FrameRate = c.Preview.FrameRate
	pcfg.Acquisition.BufferCountFloor = c.Preview.BufferCount
	pcfg.Period = c.PreviewPeriod()
	pcfg.GrabTimeout = c.PreviewGrabTimeout()
	return preview.New(r.shared, r.arbiter, preview.EncoderFunc(r.proc.EncodeJPEG), pcfg,
		session.WithSettleTimeout(c.SettleTimeout()))
}

// formDefaults feeds the web form.
func (r *rig) formDefaults() web.FormConfig {
	c := r.config()
	return web.FormConfig{
		Level:      c.Illumination.Level,
		Mode:       c.Camera.Mode,
		ExposureUs: c.Camera.ExposureUs,
		GainDB:     c.Camera.GainDB,
		Positions:  c.Sequence.Positions,
	}
}

// run executes one acquisition cycle. The caller holds the camera through
// the arbiter. Zero fields of req fall back to the configuration.
func (r *rig) run(ctx context.Context, req web.RunRequest, observers ...sequence.Observer) (sequence.Result, error) {
	c := r.config()
	level := c.Illumination.Level
	if req.Level != nil {
		level = *req.Level
	}
	mode := c.Camera.Mode
	if req.Mode != "" {
		mode = req.Mode
	}
	exposure, gain := c.Camera.ExposureUs, c.Camera.GainDB
	if req.ExposureUs > 0 {
		exposure = req.ExposureUs
	}
	if req.GainDB > 0 {
		gain = req.GainDB
	}

	if err := os.MkdirAll(c.Output.Dir, 0o755); err != nil {
		return sequence.Result{}, fmt.Errorf("create output directory: %w", err)
	}
	led, err := r.openLED()
	if err != nil {
		return sequence.Result{}, fmt.Errorf("open illumination: %w", err)
	}

	sess := r.newSession()
	cam := &sequence.SessionCamera{
		Session:        sess,
		Capturer:       session.NewCapture(sess, r.converter(), session.NewNamer(c.Output.Dir, c.Output.Prefix, c.Output.Ext)),
		Acquisition:    r.acquisition(),
		Mode:           mode,
		ExposureUs:     exposure,
		GainDB:         gain,
		CaptureTimeout: c.CaptureTimeout(),
	}
	steps := sequence.Spaced(c.Sequence.Positions, c.Sequence.SpanDeg, c.SettleDelay(), c.CaptureSettleDelay())
	if debug.IsEnabled(debug.LevelVerbose) {
		debug.PrintStruct("Step plan", steps)
	}
	seq := sequence.New(led, r.stage, cam, export.New(c.Export.Target, c.ExportTimeout()), sequence.Config{
		Level:      level,
		LedWarmup:  c.WarmupDelay(),
		HomeSettle: c.HomeSettle(),
		Steps:      steps,
	})
	if r.journal != nil {
		seq.Observe(r.journal)
	}
	for _, o := range observers {
		seq.Observe(o)
	}

	debug.Summary("Acquisition")
	debug.Value("Level", level)
	debug.Value("Camera mode", mode)
	debug.Value("Positions", c.Sequence.Positions)
	res := seq.Run(ctx)
	return res, res.Err
}

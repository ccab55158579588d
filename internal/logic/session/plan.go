package session

import (
	"fmt"
	"runtime"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/hw/camera"
)

// StreamModes maps a platform family (runtime.GOOS) to the stream mode its
// transport uses. Platforms not listed use DefaultStreamMode.
var StreamModes = map[string]string{
	"windows": camera.StreamTeledyneGigeVision,
}

// DefaultStreamMode is the stream mode for platforms missing from StreamModes.
const DefaultStreamMode = camera.StreamSocket

// StreamModeFor returns the stream mode for goos ("" means this host).
func StreamModeFor(goos string) string {
	if goos == "" {
		goos = runtime.GOOS
	}
	if m, ok := StreamModes[goos]; ok {
		return m
	}
	return DefaultStreamMode
}

// AcquisitionConfig is the acquisition setup applied by Configure.
// Zero values mean "leave the device default" except where noted.
type AcquisitionConfig struct {
	PixelFormat      string
	Binning          int
	Width, Height    int // 0 = full sensor
	OffsetX, OffsetY int
	FrameRate        float64 // 0 = frame rate limit disabled
	BufferCountFloor int
	// BufferHandling defaults to NewestOnly so a slow consumer never reads a backlog.
	BufferHandling string
}

// PlanWrite is one setting write.
type PlanWrite struct {
	Setting  camera.Setting
	Value    camera.Value
	Required bool
	// UseMax writes the device maximum read at apply time (full-sensor ROI
	// after binning changed the limits).
	UseMax bool
}

func (w PlanWrite) String() string {
	v := w.Value.String()
	if w.UseMax {
		v = "max"
	}
	return fmt.Sprintf("%s=%s", w.Setting, v)
}

// Skip is an optional setting the device could not take.
type Skip struct {
	Setting camera.Setting
	Reason  string
}

// Plan is the resolved configuration: ordered writes and the optional
// settings skipped because the device does not support them.
type Plan struct {
	Writes  []PlanWrite
	Skipped []Skip
}

// BuildPlan resolves cfg once against the capabilities of dev.
// A required setting the device cannot write fails with a *errors.ConfigError.
func BuildPlan(dev camera.Device, cfg AcquisitionConfig) (Plan, error) {
	var plan Plan
	add := func(w PlanWrite) error {
		if a := dev.Access(w.Setting); !a.Writable() {
			if w.Required {
				return errors.NewConfigError(w.Setting.String(), true, fmt.Errorf("%s: %w", a, errors.ErrNotWritable))
			}
			plan.Skipped = append(plan.Skipped, Skip{Setting: w.Setting, Reason: a.String()})
			return nil
		}
		plan.Writes = append(plan.Writes, w)
		return nil
	}

	handling := cfg.BufferHandling
	if handling == "" {
		handling = camera.BufferNewestOnly
	}

	writes := []PlanWrite{
		{Setting: camera.AcquisitionMode, Value: camera.Enum(camera.AcquisitionContinuous), Required: true},
		{Setting: camera.PixelFormat, Value: camera.Enum(cfg.PixelFormat), Required: true},
		{Setting: camera.TriggerMode, Value: camera.Enum(camera.TriggerOff)},
		{Setting: camera.BufferHandlingMode, Value: camera.Enum(handling)},
		{Setting: camera.BufferCountMode, Value: camera.Enum(camera.BufferCountManual)},
	}
	if cfg.PixelFormat == "" {
		writes[1].Value = camera.Enum(camera.FormatBayerRG8)
	}

	count := int64(cfg.BufferCountFloor)
	if b, err := dev.Bounds(camera.BufferCount); err == nil {
		count = int64(b.Clamp(max(float64(count), b.Min)))
	}
	if count > 0 {
		writes = append(writes, PlanWrite{Setting: camera.BufferCount, Value: camera.Int(count)})
	}

	if cfg.Binning > 0 {
		writes = append(writes,
			PlanWrite{Setting: camera.BinningHorizontal, Value: camera.Int(int64(cfg.Binning))},
			PlanWrite{Setting: camera.BinningVertical, Value: camera.Int(int64(cfg.Binning))},
		)
	}

	// Offsets go to 0 first so any width fits, then back to the requested origin.
	writes = append(writes,
		PlanWrite{Setting: camera.OffsetX, Value: camera.Int(0)},
		PlanWrite{Setting: camera.OffsetY, Value: camera.Int(0)},
		roi(camera.Width, cfg.Width),
		roi(camera.Height, cfg.Height),
	)
	if cfg.OffsetX > 0 {
		writes = append(writes, PlanWrite{Setting: camera.OffsetX, Value: camera.Int(int64(cfg.OffsetX))})
	}
	if cfg.OffsetY > 0 {
		writes = append(writes, PlanWrite{Setting: camera.OffsetY, Value: camera.Int(int64(cfg.OffsetY))})
	}

	writes = append(writes, PlanWrite{Setting: camera.FrameRateEnable, Value: camera.Bool(cfg.FrameRate > 0)})
	if cfg.FrameRate > 0 {
		writes = append(writes, PlanWrite{Setting: camera.FrameRate, Value: camera.Float(cfg.FrameRate)})
	}

	for _, w := range writes {
		if err := add(w); err != nil {
			return Plan{}, err
		}
	}
	return plan, nil
}

func roi(s camera.Setting, v int) PlanWrite {
	if v <= 0 {
		return PlanWrite{Setting: s, Value: camera.Int(0), UseMax: true}
	}
	return PlanWrite{Setting: s, Value: camera.Int(int64(v))}
}

// Apply performs the writes in order. An optional write the device rejects
// is logged and recorded as skipped; a rejected required write aborts.
func (p *Plan) Apply(dev camera.Device) error {
	for _, w := range p.Writes {
		v := w.Value
		if w.UseMax {
			b, err := dev.Bounds(w.Setting)
			if err != nil {
				p.skip(w, err)
				continue
			}
			v = camera.Int(int64(b.Max))
		}
		if err := dev.Set(w.Setting, v); err != nil {
			if w.Required {
				return errors.NewConfigError(w.Setting.String(), true, err)
			}
			p.skip(w, err)
			continue
		}
		debug.Node("config", w.Setting.String(), v)
	}
	return nil
}

func (p *Plan) skip(w PlanWrite, err error) {
	debug.Warn("%v", errors.NewConfigError(w.Setting.String(), false, err))
	p.Skipped = append(p.Skipped, Skip{Setting: w.Setting, Reason: err.Error()})
}

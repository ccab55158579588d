package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/SFDIGo/internal/errors"
)

// MaxConfigFileBytes bounds the size of a config file read by Load.
const MaxConfigFileBytes = 1 << 20

// Camera backends.
const (
	BackendSim    = "sim"
	BackendOpenCV = "opencv"
)

// Camera exposure modes for a run.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// IlluminationConfig describes the DAC driving the LED.
type IlluminationConfig struct {
	Level       int    `yaml:"level"`        // default run level, 0-4095 (4095 = off)
	SPIDevice   string `yaml:"spi_device"`   // periph port name, "" = first available
	SpeedHz     int64  `yaml:"speed_hz"`     // SPI clock
	WarmupMs    int    `yaml:"warmup_ms"`    // wait after LED on before homing
	HoldSeconds int    `yaml:"hold_seconds"` // default duration of "led hold"
}

// StageConfig holds the rotation stage motor and home switch wiring.
type StageConfig struct {
	StepPin       int     `yaml:"step_pin"`
	DirPin        int     `yaml:"dir_pin"`
	EnablePin     int     `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	StepsPerRev   int     `yaml:"steps_per_rev"`
	Microstepping int     `yaml:"microstepping"`
	GearRatio     float64 `yaml:"gear_ratio"`
	InvertDir     bool    `yaml:"invert_dir"`
	StepDelayUs   int     `yaml:"step_delay_us"`
	HomePin       int     `yaml:"home_pin"`     // limit switch to ground, pulled up
	HomeForward   bool    `yaml:"home_forward"` // seek direction
	MaxHomeDeg    float64 `yaml:"max_home_deg"`
	HomeSettleMs  int     `yaml:"home_settle_ms"`
}

// CameraConfig describes the camera and how frames are acquired and stored.
type CameraConfig struct {
	Backend          string  `yaml:"backend"` // "sim" or "opencv"
	Devices          []int   `yaml:"devices"` // opencv device indexes
	Mode             string  `yaml:"mode"`    // "auto" or "manual"
	ExposureUs       float64 `yaml:"exposure_us"`
	GainDB           float64 `yaml:"gain_db"`
	PixelFormat      string  `yaml:"pixel_format"`
	Binning          int     `yaml:"binning"`
	Width            int     `yaml:"width"` // 0 = full sensor
	Height           int     `yaml:"height"`
	OffsetX          int     `yaml:"offset_x"`
	OffsetY          int     `yaml:"offset_y"`
	FrameRate        float64 `yaml:"frame_rate"` // 0 = free running
	BufferCountFloor int     `yaml:"buffer_count_floor"`
	Algorithm        string  `yaml:"algorithm"`     // bilinear, hq-linear, vng
	OutputFormat     string  `yaml:"output_format"` // Mono8 or BGR8
	CaptureTimeoutMs int     `yaml:"capture_timeout_ms"`
	SettleTimeoutMs  int     `yaml:"settle_timeout_ms"`
}

// SequenceConfig describes the capture cycle.
type SequenceConfig struct {
	Positions       int     `yaml:"positions"`
	SpanDeg         float64 `yaml:"span_deg"`
	SettleMs        int     `yaml:"settle_ms"`         // before and after each rotation
	CaptureSettleMs int     `yaml:"capture_settle_ms"` // before each capture
}

// ExportConfig names where captured files go after a run.
type ExportConfig struct {
	Target   string `yaml:"target"` // user@host:/path, a local directory, or "" for none
	TimeoutS int    `yaml:"timeout_s"`
}

// OutputConfig names where captured files are written.
type OutputConfig struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
	Ext    string `yaml:"ext"`
}

// JournalConfig enables the SQLite run journal when Path is set.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// PreviewConfig describes the live preview stream.
type PreviewConfig struct {
	Binning       int     `yaml:"binning"`
	FrameRate     float64 `yaml:"frame_rate"`
	BufferCount   int     `yaml:"buffer_count"`
	PeriodMs      int     `yaml:"period_ms"`
	GrabTimeoutMs int     `yaml:"grab_timeout_ms"`
}

// DefaultsConfig contains process-wide switches.
type DefaultsConfig struct {
	DebugLevel   int  `yaml:"debug_level"`   // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockHardware bool `yaml:"mock_hardware"` // mock GPIO, SPI and camera (true=dev/test)
}

// Config aggregates all application configuration.
type Config struct {
	Illumination IlluminationConfig `yaml:"illumination"`
	Stage        StageConfig        `yaml:"stage"`
	Camera       CameraConfig       `yaml:"camera"`
	Sequence     SequenceConfig     `yaml:"sequence"`
	Export       ExportConfig       `yaml:"export"`
	Output       OutputConfig       `yaml:"output"`
	Journal      JournalConfig      `yaml:"journal"`
	Preview      PreviewConfig      `yaml:"preview"`
	Defaults     DefaultsConfig     `yaml:"defaults"`
}

// ValidateConfigPath rejects paths that are not a .yaml file directly inside
// a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have a .yaml extension: %s", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must live in a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file, applies defaults and SFDI_* environment
// overrides, then validates the result.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewConfigError("file", true, fmt.Errorf("read config file: %w", err))
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, errors.NewConfigError("file", true, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError("file", true, fmt.Errorf("read config file: %w", err))
	}
	return Parse(data)
}

// Parse decodes YAML content the same way Load does.
func Parse(data []byte) (*Config, error) {
	// zero is a valid level and gain, so these defaults are set before decoding
	cfg := Config{
		Illumination: IlluminationConfig{Level: 3000},
		Camera:       CameraConfig{GainDB: 4.48},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewConfigError("file", true, fmt.Errorf("unmarshal yaml: %w", err))
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment, without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// applyEnv overrides file settings with SFDI_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SFDI_MOCK_HARDWARE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.NewConfigError("SFDI_MOCK_HARDWARE", true, err)
		}
		c.Defaults.MockHardware = b
	}
	if v, ok := lookup("SFDI_DEBUG_LEVEL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.NewConfigError("SFDI_DEBUG_LEVEL", true, err)
		}
		c.Defaults.DebugLevel = n
	}
	if v, ok := lookup("SFDI_EXPORT_TARGET"); ok {
		c.Export.Target = v
	}
	if v, ok := lookup("SFDI_OUTPUT_DIR"); ok {
		c.Output.Dir = v
	}
	if v, ok := lookup("SFDI_JOURNAL_PATH"); ok {
		c.Journal.Path = v
	}
	if v, ok := lookup("SFDI_CAMERA_BACKEND"); ok {
		c.Camera.Backend = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	il := &c.Illumination
	if il.SpeedHz <= 0 {
		il.SpeedHz = 4_000_000
	}
	if il.WarmupMs <= 0 {
		il.WarmupMs = 500
	}
	if il.HoldSeconds <= 0 {
		il.HoldSeconds = 270 // LED stability runs
	}

	st := &c.Stage
	if st.StepsPerRev <= 0 {
		st.StepsPerRev = 200
	}
	if st.Microstepping <= 0 {
		st.Microstepping = 16
	}
	if st.GearRatio <= 0 {
		st.GearRatio = 1
	}
	if st.StepDelayUs <= 0 {
		st.StepDelayUs = 1000
	}
	if st.MaxHomeDeg <= 0 {
		st.MaxHomeDeg = 400
	}
	if st.HomeSettleMs <= 0 {
		st.HomeSettleMs = 1000
	}

	cam := &c.Camera
	if cam.Backend == "" {
		cam.Backend = BackendOpenCV
		if c.Defaults.MockHardware {
			cam.Backend = BackendSim
		}
	}
	if len(cam.Devices) == 0 {
		cam.Devices = []int{0}
	}
	if cam.Mode == "" {
		cam.Mode = ModeManual
	}
	if cam.ExposureUs <= 0 {
		cam.ExposureUs = 7372
	}
	if cam.PixelFormat == "" {
		cam.PixelFormat = "BayerRG8"
	}
	if cam.Binning <= 0 {
		cam.Binning = 1
	}
	if cam.BufferCountFloor <= 0 {
		cam.BufferCountFloor = 20
	}
	if cam.Algorithm == "" {
		cam.Algorithm = "hq-linear"
	}
	if cam.OutputFormat == "" {
		cam.OutputFormat = "Mono8"
	}
	if cam.CaptureTimeoutMs <= 0 {
		cam.CaptureTimeoutMs = 5000
	}
	if cam.SettleTimeoutMs <= 0 {
		cam.SettleTimeoutMs = 15000
	}

	seq := &c.Sequence
	if seq.Positions <= 0 {
		seq.Positions = 3
	}
	if seq.SpanDeg <= 0 {
		seq.SpanDeg = 360
	}
	if seq.SettleMs <= 0 {
		seq.SettleMs = 2500
	}

	if c.Export.TimeoutS <= 0 {
		c.Export.TimeoutS = 120
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "captures"
	}
	if c.Output.Prefix == "" {
		c.Output.Prefix = "Acquisition"
	}
	if c.Output.Ext == "" {
		c.Output.Ext = ".jpg"
	}
	if !strings.HasPrefix(c.Output.Ext, ".") {
		c.Output.Ext = "." + c.Output.Ext
	}

	pv := &c.Preview
	if pv.Binning <= 0 {
		pv.Binning = 2
	}
	if pv.FrameRate <= 0 {
		pv.FrameRate = 30
	}
	if pv.BufferCount <= 0 {
		pv.BufferCount = 1
	}
	if pv.PeriodMs <= 0 {
		pv.PeriodMs = 33
	}
	if pv.GrabTimeoutMs <= 0 {
		pv.GrabTimeoutMs = 1000
	}
}

// Validate checks the settings Load cannot default. The illumination level
// is not range checked here: the DAC clamps it.
func (c *Config) Validate() error {
	switch c.Camera.Backend {
	case BackendSim, BackendOpenCV:
	default:
		return errors.NewConfigError("camera.backend", true, fmt.Errorf("unknown backend %q", c.Camera.Backend))
	}
	switch c.Camera.Mode {
	case ModeAuto, ModeManual:
	default:
		return errors.NewConfigError("camera.mode", true, fmt.Errorf("must be %q or %q, got %q", ModeAuto, ModeManual, c.Camera.Mode))
	}
	if c.Camera.GainDB < 0 {
		return errors.NewConfigError("camera.gain_db", true, fmt.Errorf("must be >= 0, got %.2f: %w", c.Camera.GainDB, errors.ErrRange))
	}
	if c.Sequence.SpanDeg > 360 {
		return errors.NewConfigError("sequence.span_deg", true, fmt.Errorf("must be <= 360, got %.2f: %w", c.Sequence.SpanDeg, errors.ErrRange))
	}
	if !c.Defaults.MockHardware && c.Stage.StepPin == c.Stage.DirPin {
		return errors.NewConfigError("stage.dir_pin", true, fmt.Errorf("step and dir share pin %d", c.Stage.StepPin))
	}
	return nil
}

// WarmupDelay returns the LED warm-up wait.
func (c *Config) WarmupDelay() time.Duration {
	return time.Duration(c.Illumination.WarmupMs) * time.Millisecond
}

// HoldDuration returns the default "led hold" duration.
func (c *Config) HoldDuration() time.Duration {
	return time.Duration(c.Illumination.HoldSeconds) * time.Second
}

// StepDelay returns the half period of a STEP pulse.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Stage.StepDelayUs) * time.Microsecond
}

// HomeSettle returns the wait after homing.
func (c *Config) HomeSettle() time.Duration {
	return time.Duration(c.Stage.HomeSettleMs) * time.Millisecond
}

// SettleDelay returns the wait before and after each rotation.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Sequence.SettleMs) * time.Millisecond
}

// CaptureSettleDelay returns the wait before each capture.
func (c *Config) CaptureSettleDelay() time.Duration {
	return time.Duration(c.Sequence.CaptureSettleMs) * time.Millisecond
}

// CaptureTimeout returns the grab timeout of a saved frame.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Camera.CaptureTimeoutMs) * time.Millisecond
}

// SettleTimeout returns the grab timeout of a discarded settle frame.
func (c *Config) SettleTimeout() time.Duration {
	return time.Duration(c.Camera.SettleTimeoutMs) * time.Millisecond
}

// ExportTimeout returns the per-file transfer timeout.
func (c *Config) ExportTimeout() time.Duration {
	return time.Duration(c.Export.TimeoutS) * time.Second
}

// PreviewPeriod returns the preview polling period.
func (c *Config) PreviewPeriod() time.Duration {
	return time.Duration(c.Preview.PeriodMs) * time.Millisecond
}

// PreviewGrabTimeout returns the preview grab timeout.
func (c *Config) PreviewGrabTimeout() time.Duration {
	return time.Duration(c.Preview.GrabTimeoutMs) * time.Millisecond
}

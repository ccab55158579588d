package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/errors"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	// Create a real configs/ directory so filepath.Abs resolves correctly.
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_PathTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"configs/../../../etc/shadow",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for traversal path %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_WrongExtension(t *testing.T) {
	cases := []string{
		"configs/default.json",
		"configs/default.yml",
		"configs/default.txt",
		"configs/default",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for extension in %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_NotInConfigsDir(t *testing.T) {
	cases := []string{
		"other/default.yaml",
		"default.yaml",
		"/tmp/default.yaml",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for path outside configs/ %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_EmptyPath(t *testing.T) {
	if err := ValidateConfigPath(""); err == nil {
		t.Error("expected error for empty path, got nil")
	}
}

func TestValidateConfigPath_VeryLongPath(t *testing.T) {
	long := "configs/" + strings.Repeat("a", 1000) + ".yaml"
	// Should not panic; error or success is OS-dependent, but must not crash.
	_ = ValidateConfigPath(long)
}

func TestValidateConfigPath_SpecialChars(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		wantErr bool
	}{
		{"con fig.yaml", false},
		{"café.yaml", false},
	}
	for _, tc := range cases {
		path := filepath.Join(cfgDir, tc.name)
		err := ValidateConfigPath(path)
		if tc.wantErr && err == nil {
			t.Errorf("expected error for %q, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("unexpected error for %q: %v", tc.name, err)
		}
	}
}

func TestValidateConfigPath_DoubleTraversal(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Traversal is cleaned first; what counts is the directory the file ends up in.
	if err := ValidateConfigPath(filepath.Join(cfgDir, "../../configs/ok.yaml")); err != nil {
		t.Errorf("path resolving into a configs/ dir should pass: %v", err)
	}
	if err := ValidateConfigPath(filepath.Join(cfgDir, "../../etc/ok.yaml")); err == nil {
		t.Error("path resolving outside configs/ should fail")
	}
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
illumination:
  level: 3000
  spi_device: "SPI0.0"
  warmup_ms: 800
stage:
  step_pin: 17
  dir_pin: 27
  enable_pin: 5
  steps_per_rev: 200
  microstepping: 16
  gear_ratio: 3
  home_pin: 22
camera:
  backend: "opencv"
  devices: [0, 2]
  mode: "auto"
  exposure_us: 9000
  gain_db: 0
  pixel_format: "BayerRG8"
  algorithm: "vng"
sequence:
  positions: 4
  settle_ms: 1500
export:
  target: "pi@lab:/data/sfdi"
output:
  dir: "/var/lib/sfdi"
  ext: "png"
journal:
  path: "/var/lib/sfdi/journal.db"
defaults:
  debug_level: 2
  mock_hardware: false
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Illumination.SPIDevice != "SPI0.0" {
		t.Errorf("illumination.spi_device = %q, want SPI0.0", cfg.Illumination.SPIDevice)
	}
	if cfg.WarmupDelay() != 800*time.Millisecond {
		t.Errorf("WarmupDelay = %v, want 800ms", cfg.WarmupDelay())
	}
	if cfg.Stage.GearRatio != 3 || cfg.Stage.HomePin != 22 {
		t.Errorf("stage = %+v", cfg.Stage)
	}
	if cfg.Camera.Mode != ModeAuto || cfg.Camera.Algorithm != "vng" {
		t.Errorf("camera = %+v", cfg.Camera)
	}
	if len(cfg.Camera.Devices) != 2 || cfg.Camera.Devices[1] != 2 {
		t.Errorf("camera.devices = %v, want [0 2]", cfg.Camera.Devices)
	}
	if cfg.Camera.GainDB != 0 {
		t.Errorf("explicit gain 0 must be kept, got %v", cfg.Camera.GainDB)
	}
	if cfg.Sequence.Positions != 4 || cfg.SettleDelay() != 1500*time.Millisecond {
		t.Errorf("sequence = %+v", cfg.Sequence)
	}
	if cfg.Output.Ext != ".png" {
		t.Errorf("output.ext = %q, want .png", cfg.Output.Ext)
	}
	if cfg.Journal.Path != "/var/lib/sfdi/journal.db" {
		t.Errorf("journal.path = %q", cfg.Journal.Path)
	}
	if cfg.Defaults.DebugLevel != 2 {
		t.Errorf("debug_level = %d, want 2", cfg.Defaults.DebugLevel)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	path := writeConfig(t, "defaults:\n  mock_hardware: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checks := []struct {
		name     string
		got, want interface{}
	}{
		{"illumination.level", cfg.Illumination.Level, 3000},
		{"illumination.speed_hz", cfg.Illumination.SpeedHz, int64(4_000_000)},
		{"led hold", cfg.HoldDuration(), 270 * time.Second},
		{"stage.steps_per_rev", cfg.Stage.StepsPerRev, 200},
		{"stage.max_home_deg", cfg.Stage.MaxHomeDeg, 400.0},
		{"step delay", cfg.StepDelay(), time.Millisecond},
		{"camera.backend", cfg.Camera.Backend, BackendSim},
		{"camera.mode", cfg.Camera.Mode, ModeManual},
		{"camera.exposure_us", cfg.Camera.ExposureUs, 7372.0},
		{"camera.gain_db", cfg.Camera.GainDB, 4.48},
		{"camera.buffer_count_floor", cfg.Camera.BufferCountFloor, 20},
		{"camera.algorithm", cfg.Camera.Algorithm, "hq-linear"},
		{"camera.output_format", cfg.Camera.OutputFormat, "Mono8"},
		{"capture timeout", cfg.CaptureTimeout(), 5 * time.Second},
		{"settle timeout", cfg.SettleTimeout(), 15 * time.Second},
		{"sequence.positions", cfg.Sequence.Positions, 3},
		{"sequence.span_deg", cfg.Sequence.SpanDeg, 360.0},
		{"settle", cfg.SettleDelay(), 2500 * time.Millisecond},
		{"output.dir", cfg.Output.Dir, "captures"},
		{"output.ext", cfg.Output.Ext, ".jpg"},
		{"preview.binning", cfg.Preview.Binning, 2},
		{"preview period", cfg.PreviewPeriod(), 33 * time.Millisecond},
		{"preview grab", cfg.PreviewGrabTimeout(), time.Second},
		{"export timeout", cfg.ExportTimeout(), 2 * time.Minute},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s default = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_RealHardwareDefaultsToOpenCV(t *testing.T) {
	path := writeConfig(t, "stage:\n  step_pin: 17\n  dir_pin: 27\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Camera.Backend != BackendOpenCV {
		t.Errorf("camera.backend = %q, want %q", cfg.Camera.Backend, BackendOpenCV)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		setting string
	}{
		{"bad_backend", "camera:\n  backend: gige\ndefaults:\n  mock_hardware: true\n", "camera.backend"},
		{"bad_mode", "camera:\n  mode: semi\ndefaults:\n  mock_hardware: true\n", "camera.mode"},
		{"negative_gain", "camera:\n  gain_db: -2\ndefaults:\n  mock_hardware: true\n", "camera.gain_db"},
		{"span_too_large", "sequence:\n  span_deg: 720\ndefaults:\n  mock_hardware: true\n", "sequence.span_deg"},
		{"shared_pins", "stage:\n  step_pin: 17\n  dir_pin: 17\n", "stage.dir_pin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			var cfgErr *errors.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Setting != tc.setting {
				t.Errorf("setting = %q, want %q", cfgErr.Setting, tc.setting)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SFDI_MOCK_HARDWARE", "true")
	t.Setenv("SFDI_DEBUG_LEVEL", "4")
	t.Setenv("SFDI_EXPORT_TARGET", "/mnt/share")
	t.Setenv("SFDI_OUTPUT_DIR", "/tmp/out")
	t.Setenv("SFDI_JOURNAL_PATH", "/tmp/j.db")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Defaults.MockHardware || cfg.Defaults.DebugLevel != 4 {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
	if cfg.Export.Target != "/mnt/share" || cfg.Output.Dir != "/tmp/out" || cfg.Journal.Path != "/tmp/j.db" {
		t.Errorf("env overrides not applied: export=%q output=%q journal=%q", cfg.Export.Target, cfg.Output.Dir, cfg.Journal.Path)
	}
	// the file pins the backend, the env does not
	if cfg.Camera.Backend != BackendOpenCV {
		t.Errorf("camera.backend = %q, want opencv", cfg.Camera.Backend)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("SFDI_DEBUG_LEVEL", "loud")
	_, err := Load(writeConfig(t, validYAML))
	if !errors.IsFatalConfig(err) {
		t.Errorf("expected fatal config error, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("SFDI_OUTPUT_DIR=/srv/sfdi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SFDI_OUTPUT_DIR", "")
	os.Unsetenv("SFDI_OUTPUT_DIR")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("SFDI_OUTPUT_DIR"); got != "/srv/sfdi" {
		t.Errorf("SFDI_OUTPUT_DIR = %q, want /srv/sfdi", got)
	}
}

func TestLoadDotEnv_NoFiles(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Errorf("missing env files should be ignored, got %v", err)
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "big.yaml")
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "{{{{invalid yaml!!!!")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
defaults:
  mock_hardware: true
unknown_section:
  foo: bar
`
	path := writeConfig(t, yaml)
	_, err := Load(path)
	if err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "nonexistent.yaml")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

// ---------- Watch ----------

func TestWatch_ReloadsValidEdits(t *testing.T) {
	path := writeConfig(t, "defaults:\n  mock_hardware: true\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { got <- c }) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("illumination:\n  level: 1200\ndefaults:\n  mock_hardware: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-got:
		if cfg.Illumination.Level != 1200 {
			t.Errorf("reloaded level = %d, want 1200", cfg.Illumination.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}

	// an invalid edit keeps the previous configuration
	if err := os.WriteFile(path, []byte("camera:\n  mode: semi\ndefaults:\n  mock_hardware: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-got:
		t.Errorf("invalid config delivered: %+v", cfg.Camera)
	case <-time.After(600 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestLoad_OutOfRangeLevelIsLeftToTheDAC(t *testing.T) {
	cfg, err := Load(writeConfig(t, "illumination:\n  level: 5000\ndefaults:\n  mock_hardware: true\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Illumination.Level != 5000 {
		t.Errorf("level = %d, want 5000 unchanged", cfg.Illumination.Level)
	}
}

func TestLoad_ShippedDefaultConfig(t *testing.T) {
	path := filepath.Join("..", "..", "configs", "default.yaml")
	if err := ValidateConfigPath(path); err != nil {
		t.Fatalf("ValidateConfigPath: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Camera.OutputFormat != "Mono8" || cfg.Camera.Algorithm != "hq-linear" {
		t.Errorf("conversion = %s/%s, want hq-linear/Mono8", cfg.Camera.Algorithm, cfg.Camera.OutputFormat)
	}
	if cfg.Camera.BufferCountFloor != 20 {
		t.Errorf("buffer_count_floor = %d, want 20", cfg.Camera.BufferCountFloor)
	}
	if cfg.Illumination.Level != 3000 || cfg.Sequence.SettleMs != 2500 {
		t.Errorf("level/settle = %d/%d, want 3000/2500", cfg.Illumination.Level, cfg.Sequence.SettleMs)
	}
}

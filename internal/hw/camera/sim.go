package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
)

// Outcome scripts what a simulated NextImage call returns.
type Outcome int

const (
	OutcomeComplete Outcome = iota
	OutcomeIncomplete
	OutcomeTimeout
	OutcomeFault
)

// IncompleteStatus is the status code simulated incomplete frames carry.
const IncompleteStatus Status = 5

// SimSystem is a System over simulated cameras.
type SimSystem struct {
	mu       sync.Mutex
	cams     []*SimCamera
	released bool
}

// NewSimSystem returns a system exposing cams. No cameras is a valid rig
// state and makes Cameras return an empty list.
func NewSimSystem(cams ...*SimCamera) *SimSystem {
	return &SimSystem{cams: cams}
}

func (s *SimSystem) Cameras() ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, errors.ErrClosed
	}
	out := make([]Device, len(s.cams))
	for i, c := range s.cams {
		out[i] = c
	}
	return out, nil
}

func (s *SimSystem) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errors.ErrClosed
	}
	s.released = true
	return nil
}

// Released reports whether Release was called.
func (s *SimSystem) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Write is one recorded setting write.
type Write struct {
	Setting Setting
	Value   Value
}

// SimCamera behaves like a GenICam USB3 camera: typed nodes with access
// rules, a bounded buffer pool, single-shot auto exposure and scriptable
// frame outcomes. Timeouts are simulated without sleeping.
type SimCamera struct {
	mu          sync.Mutex
	serial      string
	values      map[Setting]Value
	access      map[Setting]Access
	bounds      map[Setting]Bounds
	initialized bool
	acquiring   bool
	outstanding int
	frames      int
	script      []Outcome
	timeouts    []time.Duration
	writes      []Write
	initErr     error
	autoExp     float64
	autoGain    float64
}

// lockedWhileStreaming are the nodes a camera refuses to change during acquisition.
var lockedWhileStreaming = map[Setting]bool{
	PixelFormat:       true,
	Width:             true,
	Height:            true,
	OffsetX:           true,
	OffsetY:           true,
	BinningHorizontal: true,
	BinningVertical:   true,
	BufferCount:       true,
	BufferCountMode:   true,
	StreamMode:        true,
}

// NewSimCamera returns a 1440x1080 BayerRG8 camera. An empty serial
// simulates a device that does not report one.
func NewSimCamera(serial string) *SimCamera {
	c := &SimCamera{
		serial: serial,
		values: map[Setting]Value{
			AcquisitionMode:    Enum("SingleFrame"),
			PixelFormat:        Enum(FormatBayerRG8),
			TriggerMode:        Enum(TriggerOff),
			StreamMode:         Enum(StreamSocket),
			BufferHandlingMode: Enum("OldestFirst"),
			BufferCountMode:    Enum("Auto"),
			BufferCount:        Int(10),
			BinningHorizontal:  Int(1),
			BinningVertical:    Int(1),
			Width:              Int(1440),
			Height:             Int(1080),
			OffsetX:            Int(0),
			OffsetY:            Int(0),
			FrameRateEnable:    Bool(false),
			FrameRate:          Float(30),
			ExposureAuto:       Enum(AutoContinuous),
			GainAuto:           Enum(AutoContinuous),
			ExposureTime:       Float(10000),
			Gain:               Float(0),
			GammaEnable:        Bool(true),
			Gamma:              Float(0.8),
		},
		access: make(map[Setting]Access),
		bounds: map[Setting]Bounds{
			BufferCount:       {Min: 1, Max: 100},
			BinningHorizontal: {Min: 1, Max: 4},
			BinningVertical:   {Min: 1, Max: 4},
			Width:             {Min: 8, Max: 1440},
			Height:            {Min: 8, Max: 1080},
			OffsetX:           {Min: 0, Max: 1432},
			OffsetY:           {Min: 0, Max: 1072},
			FrameRate:         {Min: 1, Max: 60},
			ExposureTime:      {Min: 10, Max: 1_000_000},
			Gain:              {Min: 0, Max: 47.99},
			Gamma:             {Min: 0.25, Max: 4},
		},
		autoExp:  8123.5,
		autoGain: 3.2,
	}
	for _, s := range Settings() {
		c.access[s] = ReadWrite
	}
	return c
}

// SetAccess overrides the base access of a setting.
func (c *SimCamera) SetAccess(s Setting, a Access) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.access[s] = a
}

// SetBounds overrides the numeric range of a setting.
func (c *SimCamera) SetBounds(s Setting, b Bounds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bounds[s] = b
}

// SetAutoResult sets the exposure and gain a single-shot auto run settles on.
func (c *SimCamera) SetAutoResult(exposureUs, gainDB float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoExp, c.autoGain = exposureUs, gainDB
}

// FailInit makes the next Init return err.
func (c *SimCamera) FailInit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initErr = err
}

// Script queues outcomes for the following NextImage calls. Once the queue
// is empty every frame is complete.
func (c *SimCamera) Script(outcomes ...Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, outcomes...)
}

// Writes returns every accepted setting write in order.
func (c *SimCamera) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

// Timeouts returns the timeout passed to every NextImage call.
func (c *SimCamera) Timeouts() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.timeouts...)
}

// Outstanding returns the number of delivered, unreleased images.
func (c *SimCamera) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// FreeBuffers returns how many buffers the pool can still deliver.
func (c *SimCamera) FreeBuffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.values[BufferCount].I) - c.outstanding
}

// Initialized reports whether the device is initialized.
func (c *SimCamera) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Acquiring reports whether acquisition is running.
func (c *SimCamera) Acquiring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquiring
}

// Value returns the current value of s without access checks.
func (c *SimCamera) Value(s Setting) Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[s]
}

func (c *SimCamera) Serial() string { return c.serial }

func (c *SimCamera) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initErr != nil {
		err := c.initErr
		c.initErr = nil
		return err
	}
	c.initialized = true
	debug.Trace("SimCamera %q: init", c.serial)
	return nil
}

func (c *SimCamera) DeInit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquiring = false
	c.initialized = false
	debug.Trace("SimCamera %q: deinit", c.serial)
	return nil
}

func (c *SimCamera) Access(s Setting) Access {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessLocked(s)
}

func (c *SimCamera) accessLocked(s Setting) Access {
	if !c.initialized {
		return NotAvailable
	}
	a := c.access[s]
	if a == ReadWrite {
		switch {
		case c.acquiring && lockedWhileStreaming[s]:
			a = ReadOnly
		case s == ExposureTime && c.values[ExposureAuto].S != AutoOff:
			a = ReadOnly
		case s == Gain && c.values[GainAuto].S != AutoOff:
			a = ReadOnly
		}
	}
	return a
}

func (c *SimCamera) Get(s Setting) (Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accessLocked(s).Readable() {
		return Value{}, fmt.Errorf("read %s: not readable", s)
	}
	return c.values[s], nil
}

func (c *SimCamera) Set(s Setting, v Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accessLocked(s).Writable() {
		return fmt.Errorf("write %s: %w", s, errors.ErrNotWritable)
	}
	if v.Kind != s.Kind() {
		return fmt.Errorf("write %s: want %s value, got %s", s, s.Kind(), v.Kind)
	}
	if b, ok := c.bounds[s]; ok {
		if n := v.Number(); n < b.Min || n > b.Max {
			return fmt.Errorf("write %s=%s outside [%g, %g]: %w", s, v, b.Min, b.Max, errors.ErrRange)
		}
	}
	c.values[s] = v
	c.writes = append(c.writes, Write{Setting: s, Value: v})
	debug.Node("set", s.String(), v)
	return nil
}

func (c *SimCamera) Bounds(s Setting) (Bounds, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bounds[s]
	if !ok || !c.accessLocked(s).Readable() {
		return Bounds{}, fmt.Errorf("bounds of %s: not numeric or not available", s)
	}
	return b, nil
}

func (c *SimCamera) BeginAcquisition() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return fmt.Errorf("begin acquisition: %w", errors.ErrState)
	}
	c.acquiring = true
	return nil
}

func (c *SimCamera) EndAcquisition() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquiring {
		return fmt.Errorf("end acquisition: %w", errors.ErrState)
	}
	c.acquiring = false
	return nil
}

func (c *SimCamera) NextImage(timeout time.Duration) (Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts = append(c.timeouts, timeout)
	if !c.acquiring {
		return nil, fmt.Errorf("next image: %w", errors.ErrState)
	}

	outcome := OutcomeComplete
	if len(c.script) > 0 {
		outcome = c.script[0]
		c.script = c.script[1:]
	}
	switch outcome {
	case OutcomeTimeout:
		return nil, errors.NewTimeoutError("next image", timeout)
	case OutcomeFault:
		return nil, errors.NewDeviceError("next image", fmt.Errorf("stream fault on %q", c.serial))
	}
	if c.outstanding >= int(c.values[BufferCount].I) {
		// every buffer is held by the host: the stream stalls
		return nil, errors.NewTimeoutError("next image", timeout)
	}

	c.outstanding++
	c.frames++
	c.resolveAuto()

	status := StatusComplete
	if outcome == OutcomeIncomplete {
		status = IncompleteStatus
	}
	w, h := int(c.values[Width].I), int(c.values[Height].I)
	format := c.values[PixelFormat].S
	return &simImage{
		cam:    c,
		data:   pattern(w, h, bytesPerPixel(format), c.frames),
		width:  w,
		height: h,
		format: format,
		status: status,
	}, nil
}

// resolveAuto ends a single-shot auto run on the first delivered frame.
func (c *SimCamera) resolveAuto() {
	if c.values[ExposureAuto].S == AutoOnce {
		c.values[ExposureTime] = Float(c.autoExp)
		c.values[ExposureAuto] = Enum(AutoOff)
	}
	if c.values[GainAuto].S == AutoOnce {
		c.values[Gain] = Float(c.autoGain)
		c.values[GainAuto] = Enum(AutoOff)
	}
}

func bytesPerPixel(format string) int {
	if format == FormatBGR8 {
		return 3
	}
	return 1
}

func pattern(w, h, bpp, seed int) []byte {
	data := make([]byte, w*h*bpp)
	for i := range data {
		px := i / bpp
		data[i] = byte(px%w + px/w + seed)
	}
	return data
}

type simImage struct {
	cam      *SimCamera
	data     []byte
	width    int
	height   int
	format   string
	status   Status
	released bool
}

func (i *simImage) Data() []byte   { return i.data }
func (i *simImage) Width() int     { return i.width }
func (i *simImage) Height() int    { return i.height }
func (i *simImage) Format() string { return i.format }
func (i *simImage) Status() Status { return i.status }

func (i *simImage) Release() error {
	i.cam.mu.Lock()
	defer i.cam.mu.Unlock()
	if i.released {
		return fmt.Errorf("release image: %w", errors.ErrClosed)
	}
	i.released = true
	i.cam.outstanding--
	return nil
}

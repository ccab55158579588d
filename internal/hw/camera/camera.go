// Package camera describes the machine vision camera contracts used by the
// acquisition session, plus a reference-counted system handle and a
// simulated camera for mock mode and tests.
//
// A vendor binding implements System, Device and Image. Settings are a fixed
// typed table instead of free-form node names, so a typo is a compile error
// and every setting has a known value kind.
package camera

import (
	"fmt"
	"time"
)

// Kind is the value type of a setting.
type Kind int

const (
	KindEnum Kind = iota
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindEnum:
		return "enum"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Setting identifies one camera feature.
type Setting int

const (
	AcquisitionMode Setting = iota
	PixelFormat
	TriggerMode
	StreamMode
	BufferHandlingMode
	BufferCountMode
	BufferCount
	BinningHorizontal
	BinningVertical
	Width
	Height
	OffsetX
	OffsetY
	FrameRateEnable
	FrameRate
	ExposureAuto
	GainAuto
	ExposureTime
	Gain
	GammaEnable
	Gamma
	numSettings
)

var settingTable = [numSettings]struct {
	name string
	kind Kind
}{
	AcquisitionMode:    {"AcquisitionMode", KindEnum},
	PixelFormat:        {"PixelFormat", KindEnum},
	TriggerMode:        {"TriggerMode", KindEnum},
	StreamMode:         {"StreamMode", KindEnum},
	BufferHandlingMode: {"StreamBufferHandlingMode", KindEnum},
	BufferCountMode:    {"StreamBufferCountMode", KindEnum},
	BufferCount:        {"StreamBufferCountManual", KindInt},
	BinningHorizontal:  {"BinningHorizontal", KindInt},
	BinningVertical:    {"BinningVertical", KindInt},
	Width:              {"Width", KindInt},
	Height:             {"Height", KindInt},
	OffsetX:            {"OffsetX", KindInt},
	OffsetY:            {"OffsetY", KindInt},
	FrameRateEnable:    {"AcquisitionFrameRateEnable", KindBool},
	FrameRate:          {"AcquisitionFrameRate", KindFloat},
	ExposureAuto:       {"ExposureAuto", KindEnum},
	GainAuto:           {"GainAuto", KindEnum},
	ExposureTime:       {"ExposureTime", KindFloat},
	Gain:               {"Gain", KindFloat},
	GammaEnable:        {"GammaEnable", KindBool},
	Gamma:              {"Gamma", KindFloat},
}

// Settings returns every known setting in declaration order.
func Settings() []Setting {
	out := make([]Setting, numSettings)
	for i := range out {
		out[i] = Setting(i)
	}
	return out
}

// String returns the GenICam node name of the setting.
func (s Setting) String() string {
	if s < 0 || s >= numSettings {
		return fmt.Sprintf("Setting(%d)", int(s))
	}
	return settingTable[s].name
}

// Kind returns the value kind the setting accepts.
func (s Setting) Kind() Kind {
	if s < 0 || s >= numSettings {
		return -1
	}
	return settingTable[s].kind
}

// Enum entries used by the acquisition session.
const (
	AcquisitionContinuous = "Continuous"
	TriggerOff            = "Off"
	BufferNewestOnly      = "NewestOnly"
	BufferCountManual     = "Manual"

	AutoOff        = "Off"
	AutoOnce       = "Once"
	AutoContinuous = "Continuous"

	StreamTeledyneGigeVision = "TeledyneGigeVision"
	StreamSocket             = "Socket"

	FormatMono8    = "Mono8"
	FormatBGR8     = "BGR8"
	FormatBayerRG8 = "BayerRG8"
	FormatBayerBG8 = "BayerBG8"
	FormatBayerGR8 = "BayerGR8"
	FormatBayerGB8 = "BayerGB8"
)

// Value is a typed setting value.
type Value struct {
	Kind Kind
	F    float64
	I    int64
	B    bool
	S    string
}

func Float(v float64) Value { return Value{Kind: KindFloat, F: v} }
func Int(v int64) Value     { return Value{Kind: KindInt, I: v} }
func Bool(v bool) Value     { return Value{Kind: KindBool, B: v} }
func Enum(v string) Value   { return Value{Kind: KindEnum, S: v} }

// Number returns the value as a float64 for numeric kinds.
func (v Value) Number() float64 {
	switch v.Kind {
	case KindFloat:
		return v.F
	case KindInt:
		return float64(v.I)
	case KindBool:
		if v.B {
			return 1
		}
	}
	return 0
}

func (v Value) String() string {
	switch v.Kind {
	case KindEnum:
		return v.S
	case KindInt:
		return fmt.Sprintf("%d", v.I)
	case KindFloat:
		return fmt.Sprintf("%g", v.F)
	case KindBool:
		return fmt.Sprintf("%t", v.B)
	default:
		return "<invalid>"
	}
}

// Access is the capability of a setting on a given device and mode.
type Access int

const (
	NotAvailable Access = iota
	ReadOnly
	ReadWrite
)

func (a Access) Readable() bool { return a >= ReadOnly }
func (a Access) Writable() bool { return a == ReadWrite }

func (a Access) String() string {
	switch a {
	case NotAvailable:
		return "not available"
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

// Bounds is the numeric range a device accepts for a setting.
type Bounds struct {
	Min, Max float64
}

// Clamp bounds v to [Min, Max].
func (b Bounds) Clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// Status is the completion status of a delivered image. Zero is complete;
// any other value is the device specific incomplete reason.
type Status int

const StatusComplete Status = 0

// Image is one frame held in the device buffer pool until Release.
type Image interface {
	Data() []byte
	Width() int
	Height() int
	// Format is the pixel format name, e.g. "BayerRG8".
	Format() string
	Status() Status
	// Release hands the buffer back to the device. It must be called exactly once.
	Release() error
}

// Device is one camera handle.
type Device interface {
	// Serial returns the device serial number, or "" if the device has none.
	Serial() string
	Init() error
	DeInit() error

	Access(s Setting) Access
	Get(s Setting) (Value, error)
	Set(s Setting, v Value) error
	Bounds(s Setting) (Bounds, error)

	BeginAcquisition() error
	EndAcquisition() error
	// NextImage blocks up to timeout for the next frame. A timeout is
	// reported as an error wrapping errors.ErrTimeout.
	NextImage(timeout time.Duration) (Image, error)
}

// System enumerates cameras. It is the process-wide SDK handle.
type System interface {
	Cameras() ([]Device, error)
	Release() error
}

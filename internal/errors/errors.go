// Package errors defines the error taxonomy of the acquisition engine.
//
// Sentinel errors mark the condition, typed errors carry the context
// (which setting, which stage operation, which file). Every typed error
// unwraps to its cause, so both styles work:
//
//	if errors.Is(err, errors.ErrTimeout) { ... }
//
//	var inc *errors.IncompleteFrameError
//	if errors.As(err, &inc) { log(inc.Status) }
//
// Classification:
//   - Device, Timeout, IncompleteFrame, Motion: abort the remaining sequence steps
//   - Config: skippable when the setting is best-effort, fatal when required
//   - Transfer: reported per file, never rolls back captured images
//   - Range, Closed, Precedence, State, Busy: caller misuse
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

var (
	// ErrNoDevice indicates that no camera was enumerated.
	ErrNoDevice = New("no camera found")
	// ErrNotWritable indicates a camera setting that is absent or read-only.
	ErrNotWritable = New("setting not writable")
	// ErrTimeout indicates that a frame did not arrive in time.
	ErrTimeout = New("operation timed out")
	// ErrIncompleteFrame indicates that the sensor delivered a truncated frame.
	ErrIncompleteFrame = New("incomplete frame")
	// ErrMotion indicates a rotation stage failure.
	ErrMotion = New("motion failed")
	// ErrTransfer indicates an export failure.
	ErrTransfer = New("transfer failed")
	// ErrRange indicates a value outside its representable range.
	ErrRange = New("value out of range")
	// ErrClosed indicates use of a released resource.
	ErrClosed = New("resource closed")
	// ErrPrecedence indicates manual exposure/gain written while auto is active.
	ErrPrecedence = New("auto mode must be off before manual values are written")
	// ErrState indicates an operation invoked in the wrong lifecycle state.
	ErrState = New("invalid state")
	// ErrBusy indicates the camera is owned by another task.
	ErrBusy = New("camera busy")
)

// -----------------------------------------------------------------------------
// Typed Errors
// -----------------------------------------------------------------------------

// DeviceError reports a camera enumeration or initialization failure.
type DeviceError struct {
	Op    string
	cause error
}

// NewDeviceError creates a DeviceError for op.
func NewDeviceError(op string, cause error) *DeviceError {
	return &DeviceError{Op: op, cause: cause}
}

func (e *DeviceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("device error: %s: %v", e.Op, e.cause)
	}
	return "device error: " + e.Op
}

func (e *DeviceError) Unwrap() error { return e.cause }

// ConfigError reports a camera setting that could not be applied.
type ConfigError struct {
	Setting  string
	Required bool
	cause    error
}

// NewConfigError creates a ConfigError for setting.
func NewConfigError(setting string, required bool, cause error) *ConfigError {
	return &ConfigError{Setting: setting, Required: required, cause: cause}
}

func (e *ConfigError) Error() string {
	kind := "optional"
	if e.Required {
		kind = "required"
	}
	if e.cause != nil {
		return fmt.Sprintf("config error [%s setting %s]: %v", kind, e.Setting, e.cause)
	}
	return fmt.Sprintf("config error [%s setting %s]", kind, e.Setting)
}

func (e *ConfigError) Unwrap() error { return e.cause }

// TimeoutError reports a blocking wait that expired.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(operation string, d time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: d}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// IncompleteFrameError reports a frame flagged incomplete by the camera.
// Status is the vendor image status code.
type IncompleteFrameError struct {
	Status int
}

func (e *IncompleteFrameError) Error() string {
	return fmt.Sprintf("incomplete frame (image status %d)", e.Status)
}

func (e *IncompleteFrameError) Unwrap() error { return ErrIncompleteFrame }

// MotionError reports a failed stage operation ("home" or "move_by").
type MotionError struct {
	Op    string
	cause error
}

// NewMotionError creates a MotionError.
func NewMotionError(op string, cause error) *MotionError {
	return &MotionError{Op: op, cause: cause}
}

func (e *MotionError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("motion error: %s: %v", e.Op, e.cause)
	}
	return "motion error: " + e.Op
}

func (e *MotionError) Unwrap() error { return e.cause }

// Is matches ErrMotion in addition to the wrapped cause.
func (e *MotionError) Is(target error) bool { return target == ErrMotion }

// TransferError reports a failed export of one file.
type TransferError struct {
	Path  string
	cause error
}

// NewTransferError creates a TransferError for path.
func NewTransferError(path string, cause error) *TransferError {
	return &TransferError{Path: path, cause: cause}
}

func (e *TransferError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("transfer %s: %v", e.Path, e.cause)
	}
	return "transfer " + e.Path
}

func (e *TransferError) Unwrap() error { return e.cause }

// Is matches ErrTransfer in addition to the wrapped cause.
func (e *TransferError) Is(target error) bool { return target == ErrTransfer }

// IsFatalConfig reports whether err is a ConfigError on a required setting.
func IsFatalConfig(err error) bool {
	var ce *ConfigError
	return As(err, &ce) && ce.Required
}

package galvoscan

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to test for them; the concrete types below
// carry the details.
var (
	ErrValidation             = errors.New("invalid scan parameters")
	ErrWaveformLengthMismatch = errors.New("waveform X and Y lengths differ")
	ErrFrameShapeMismatch     = errors.New("raw block cannot be reshaped into a frame")
	ErrDeviceFault            = errors.New("acquisition device fault")
	ErrDeviceInUse            = errors.New("acquisition device is claimed by another session")
)

// ValidationError reports a ScanParameters field that violates an invariant.
type ValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s=%v %s", ErrValidation, e.Field, e.Value, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field string, value interface{}, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: fmt.Sprintf(format, args...)}
}

// WaveformLengthMismatchError is returned by GenerateWaveform when the X and Y
// drive signals come out with different lengths.
type WaveformLengthMismatchError struct {
	LenX, LenY int
}

func (e *WaveformLengthMismatchError) Error() string {
	return fmt.Sprintf("%s: len(X)=%d, len(Y)=%d", ErrWaveformLengthMismatch, e.LenX, e.LenY)
}

// Unwrap lets errors.Is match ErrWaveformLengthMismatch.
func (e *WaveformLengthMismatchError) Unwrap() error { return ErrWaveformLengthMismatch }

// FrameShapeMismatchError describes why one raw block could not be assembled.
type FrameShapeMismatchError struct {
	Channel int
	Samples int
	Msg     string
}

func (e *FrameShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: channel %d with %d samples: %s", ErrFrameShapeMismatch, e.Channel, e.Samples, e.Msg)
}

// Unwrap lets errors.Is match ErrFrameShapeMismatch.
func (e *FrameShapeMismatchError) Unwrap() error { return ErrFrameShapeMismatch }

// DeviceFault wraps an error reported by the acquisition device layer. A
// DeviceFault ends the running session; it is never retried automatically.
type DeviceFault struct {
	DeviceID string
	Err      error
}

func (e *DeviceFault) Error() string {
	return fmt.Sprintf("%s on device %q: %v", ErrDeviceFault, e.DeviceID, e.Err)
}

// Unwrap returns both the sentinel and the underlying cause.
func (e *DeviceFault) Unwrap() []error { return []error{ErrDeviceFault, e.Err} }

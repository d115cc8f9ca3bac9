package galvoscan

import (
	"fmt"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/hashicorp/go-multierror"
)

// DeviceConfig describes the channels and clock an AcquisitionDevice must set
// up. Output and input always share one sample clock.
type DeviceConfig struct {
	SampleRate       float64
	OutputChannels   []int   // analog outputs driving the X and Y galvos, in that order
	InputChannels    []int   // analog inputs, one column of each RawFrameBlock
	InputRange       float64 // AI range is [-InputRange, +InputRange] volts
	MaxOutputVoltage float64
}

// NewDeviceConfig returns the device configuration implied by p, using the
// first len(p.InputChannels) analog inputs and AO 0 and 1.
func NewDeviceConfig(p ScanParameters) DeviceConfig {
	inputs := make([]int, p.InputChannels)
	for i := range inputs {
		inputs[i] = i
	}
	return DeviceConfig{
		SampleRate:       p.SampleRate,
		OutputChannels:   []int{0, 1},
		InputChannels:    inputs,
		InputRange:       p.InputRange,
		MaxOutputVoltage: p.MaxScannerVoltage,
	}
}

// AcquisitionDevice is the hardware boundary: a DAQ board with clocked analog
// output and input. Handlers are called from the device's own goroutine and
// must return quickly.
type AcquisitionDevice interface {
	ID() string
	Open(cfg DeviceConfig) error
	QueueOutput(x, y []float64) error
	SetOutputLowHandler(threshold int, fn func())
	SetInputHandler(samplesPerChunk int, fn func(*RawFrameBlock))
	SetErrorHandler(fn func(error))
	StartBackground() error
	StopBackground() error
	WriteImmediate(values []float64) error
	Release() error
}

// claimedDevices lists device IDs held by a DeviceHandle.
var claimedDevices = struct {
	sync.Mutex
	ids map[string]bool
}{ids: make(map[string]bool)}

// DeviceHandle is exclusive ownership of an opened AcquisitionDevice. Release
// must be called on every exit path; it stops the device, parks the scanners at
// zero volts and frees the device ID.
type DeviceHandle struct {
	dev      AcquisitionDevice
	cfg      DeviceConfig
	once     sync.Once
	released error
}

// ClaimDevice opens dev with cfg and returns a handle to it. It fails with
// ErrDeviceInUse if another handle holds the same device ID.
func ClaimDevice(dev AcquisitionDevice, cfg DeviceConfig) (*DeviceHandle, error) {
	id := dev.ID()
	claimedDevices.Lock()
	if claimedDevices.ids[id] {
		claimedDevices.Unlock()
		return nil, fmt.Errorf("claim %q: %w", id, ErrDeviceInUse)
	}
	claimedDevices.ids[id] = true
	claimedDevices.Unlock()

	if err := dev.Open(cfg); err != nil {
		unclaimDevice(id)
		return nil, &DeviceFault{DeviceID: id, Err: err}
	}
	UpdateLogger.Printf("Opened device %s with configuration %s", id, spew.Sdump(cfg))
	return &DeviceHandle{dev: dev, cfg: cfg}, nil
}

func unclaimDevice(id string) {
	claimedDevices.Lock()
	delete(claimedDevices.ids, id)
	claimedDevices.Unlock()
}

// DeviceClaimed reports whether id is currently held.
func DeviceClaimed(id string) bool {
	claimedDevices.Lock()
	defer claimedDevices.Unlock()
	return claimedDevices.ids[id]
}

// Device returns the underlying device.
func (h *DeviceHandle) Device() AcquisitionDevice {
	return h.dev
}

// Release stops background operation, writes zero volts to every scanner
// output, and releases the device. Each step is attempted even if an earlier
// one fails. Only the first call does anything; later calls return the same
// error.
func (h *DeviceHandle) Release() error {
	h.once.Do(func() {
		var result *multierror.Error
		if err := h.dev.StopBackground(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop: %w", err))
		}
		zeros := make([]float64, len(h.cfg.OutputChannels))
		if err := h.dev.WriteImmediate(zeros); err != nil {
			result = multierror.Append(result, fmt.Errorf("zero scanners: %w", err))
		}
		if err := h.dev.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release: %w", err))
		}
		unclaimDevice(h.dev.ID())
		h.released = result.ErrorOrNil()
		if h.released != nil {
			ProblemLogger.Printf("Releasing device %s: %v", h.dev.ID(), h.released)
		}
	})
	return h.released
}

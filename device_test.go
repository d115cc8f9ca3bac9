package galvoscan

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDevice is an AcquisitionDevice driven by hand from a test.
type scriptedDevice struct {
	id string

	mu           sync.Mutex
	cfg          DeviceConfig
	opened       bool
	started      bool
	queuedChunks []int
	lowThreshold int
	onLow        func()
	chunk        int
	onInput      func(*RawFrameBlock)
	onError      func(error)
	written      []float64
	releases     int
	openErr      error
	startErr     error
	writeErr     error
}

func (d *scriptedDevice) ID() string { return d.id }

func (d *scriptedDevice) Open(cfg DeviceConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return d.openErr
	}
	d.cfg = cfg
	d.opened = true
	return nil
}

func (d *scriptedDevice) QueueOutput(x, y []float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queuedChunks = append(d.queuedChunks, len(x))
	return nil
}

func (d *scriptedDevice) SetOutputLowHandler(threshold int, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lowThreshold, d.onLow = threshold, fn
}

func (d *scriptedDevice) SetInputHandler(n int, fn func(*RawFrameBlock)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunk, d.onInput = n, fn
}

func (d *scriptedDevice) SetErrorHandler(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = fn
}

func (d *scriptedDevice) StartBackground() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	return nil
}

func (d *scriptedDevice) StopBackground() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

func (d *scriptedDevice) WriteImmediate(values []float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	d.written = append([]float64(nil), values...)
	return nil
}

func (d *scriptedDevice) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	d.releases++
	return nil
}

// emit delivers one input block as the device's clock would.
func (d *scriptedDevice) emit(block *RawFrameBlock) {
	d.mu.Lock()
	fn := d.onInput
	d.mu.Unlock()
	fn(block)
}

func (d *scriptedDevice) fail(err error) {
	d.mu.Lock()
	fn := d.onError
	d.mu.Unlock()
	fn(err)
}

func (d *scriptedDevice) lowBuffer() {
	d.mu.Lock()
	fn := d.onLow
	d.mu.Unlock()
	fn()
}

func (d *scriptedDevice) chunksQueued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queuedChunks)
}

func TestClaimDeviceExclusive(t *testing.T) {
	cfg := NewDeviceConfig(DefaultScanParameters())
	d1 := &scriptedDevice{id: "claim-test"}
	d2 := &scriptedDevice{id: "claim-test"}

	h1, err := ClaimDevice(d1, cfg)
	require.NoError(t, err)
	assert.True(t, DeviceClaimed("claim-test"))
	assert.Same(t, d1, h1.Device())

	_, err = ClaimDevice(d2, cfg)
	assert.ErrorIs(t, err, ErrDeviceInUse)
	assert.False(t, d2.opened, "second device must not be opened")

	require.NoError(t, h1.Release())
	assert.False(t, DeviceClaimed("claim-test"))
	assert.Equal(t, []float64{0, 0}, d1.written)
	assert.NoError(t, h1.Release(), "second Release is a no-op")
	assert.Equal(t, 1, d1.releases)

	h2, err := ClaimDevice(d2, cfg)
	require.NoError(t, err)
	require.NoError(t, h2.Release())
}

func TestClaimDeviceOpenFails(t *testing.T) {
	d := &scriptedDevice{id: "open-fails", openErr: errors.New("no such board")}
	_, err := ClaimDevice(d, NewDeviceConfig(DefaultScanParameters()))
	assert.ErrorIs(t, err, ErrDeviceFault)
	assert.False(t, DeviceClaimed("open-fails"))
}

func TestReleaseContinuesAfterZeroingFails(t *testing.T) {
	zeroErr := errors.New("AO write timed out")
	d := &scriptedDevice{id: "zero-fails", writeErr: zeroErr}
	h, err := ClaimDevice(d, NewDeviceConfig(DefaultScanParameters()))
	require.NoError(t, err)
	err = h.Release()
	assert.ErrorIs(t, err, zeroErr)
	assert.Equal(t, 1, d.releases, "device is released even when zeroing fails")
	assert.False(t, DeviceClaimed("zero-fails"))
	assert.Equal(t, err, h.Release())
}

func TestNewDeviceConfig(t *testing.T) {
	p := DefaultScanParameters()
	p.InputChannels = 3
	cfg := NewDeviceConfig(p)
	assert.Equal(t, []int{0, 1, 2}, cfg.InputChannels)
	assert.Equal(t, []int{0, 1}, cfg.OutputChannels)
	assert.Equal(t, p.SampleRate, cfg.SampleRate)
	assert.Equal(t, p.InputRange, cfg.InputRange)
}

func TestDeviceFaultUnwrap(t *testing.T) {
	cause := errors.New("cable unplugged")
	err := error(&DeviceFault{DeviceID: "Dev1", Err: cause})
	assert.ErrorIs(t, err, ErrDeviceFault)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Dev1")
}

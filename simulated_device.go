package galvoscan

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

// DetectorModel maps the galvo position at one sample to the voltage seen on
// one input channel.
type DetectorModel func(channel int, x, y float64) float64

// IdentityDetector reports the X position, an idealized detector useful for
// checking reconstruction geometry.
func IdentityDetector(channel int, x, y float64) float64 {
	return x
}

// ErrOutputUnderrun means the output queue ran dry while the clock was running.
var ErrOutputUnderrun = errors.New("output buffer underrun")

// SimulatedDevice is an AcquisitionDevice with no hardware. A ticker stands in
// for the sample clock: every tick consumes one input chunk's worth of queued
// output and produces the matching input block. The detector sees the output
// Lag samples late.
type SimulatedDevice struct {
	id         string
	Detector   DetectorModel
	Lag        int     // samples between commanded position and detector response
	Noise      float64 // standard deviation of additive noise, volts
	FaultAfter int     // if >0, report a hardware fault after this many chunks
	Seed       int64

	mu           sync.Mutex
	cfg          DeviceConfig
	isOpen       bool
	isStarted    bool
	queueX       []float64
	queueY       []float64
	tailX        []float64 // last Lag output samples, for the delayed detector
	tailY        []float64
	lowThreshold int
	onLow        func()
	chunkLen     int
	onInput      func(*RawFrameBlock)
	onError      func(error)
	lastWritten  []float64
	chunksRead   int
	abort        chan struct{}
	loopDone     sync.WaitGroup
	rng          *rand.Rand
}

// NewSimulatedDevice returns a closed SimulatedDevice with the identity detector.
func NewSimulatedDevice(id string) *SimulatedDevice {
	return &SimulatedDevice{id: id, Detector: IdentityDetector, Seed: 1}
}

// ID returns the device name.
func (sd *SimulatedDevice) ID() string {
	return sd.id
}

// Open errors if already open.
func (sd *SimulatedDevice) Open(cfg DeviceConfig) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.isOpen {
		return fmt.Errorf("SimulatedDevice.Open: %s already open", sd.id)
	}
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("SimulatedDevice.Open: sample rate %v", cfg.SampleRate)
	}
	if len(cfg.OutputChannels) != 2 || len(cfg.InputChannels) < 1 {
		return fmt.Errorf("SimulatedDevice.Open: need 2 outputs and at least 1 input, have %d and %d",
			len(cfg.OutputChannels), len(cfg.InputChannels))
	}
	sd.cfg = cfg
	sd.isOpen = true
	sd.queueX = sd.queueX[:0]
	sd.queueY = sd.queueY[:0]
	sd.chunksRead = 0
	sd.rng = rand.New(rand.NewSource(sd.Seed))
	return nil
}

// QueueOutput appends samples to the output queue.
func (sd *SimulatedDevice) QueueOutput(x, y []float64) error {
	if len(x) != len(y) {
		return fmt.Errorf("SimulatedDevice.QueueOutput: len(x)=%d, len(y)=%d", len(x), len(y))
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.isOpen {
		return fmt.Errorf("SimulatedDevice.QueueOutput: %s not open", sd.id)
	}
	for i, v := range x {
		if v > sd.cfg.MaxOutputVoltage || v < -sd.cfg.MaxOutputVoltage || y[i] > sd.cfg.MaxOutputVoltage || y[i] < -sd.cfg.MaxOutputVoltage {
			return fmt.Errorf("SimulatedDevice.QueueOutput: sample %d (%v, %v) exceeds %v V", i, v, y[i], sd.cfg.MaxOutputVoltage)
		}
	}
	sd.queueX = append(sd.queueX, x...)
	sd.queueY = append(sd.queueY, y...)
	return nil
}

// SetOutputLowHandler registers fn to run whenever fewer than threshold
// samples remain queued.
func (sd *SimulatedDevice) SetOutputLowHandler(threshold int, fn func()) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.lowThreshold = threshold
	sd.onLow = fn
}

// SetInputHandler registers fn to receive every samplesPerChunk input samples.
func (sd *SimulatedDevice) SetInputHandler(samplesPerChunk int, fn func(*RawFrameBlock)) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.chunkLen = samplesPerChunk
	sd.onInput = fn
}

// SetErrorHandler registers fn to receive asynchronous device errors.
func (sd *SimulatedDevice) SetErrorHandler(fn func(error)) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.onError = fn
}

// StartBackground starts the simulated clock.
func (sd *SimulatedDevice) StartBackground() error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.isOpen {
		return fmt.Errorf("SimulatedDevice.StartBackground: %s not open", sd.id)
	}
	if sd.isStarted {
		return fmt.Errorf("SimulatedDevice.StartBackground: already started")
	}
	if sd.chunkLen <= 0 || sd.onInput == nil {
		return fmt.Errorf("SimulatedDevice.StartBackground: no input handler")
	}
	sd.tailX = make([]float64, sd.Lag)
	sd.tailY = make([]float64, sd.Lag)
	sd.isStarted = true
	sd.abort = make(chan struct{})
	period := time.Duration(float64(time.Second) * float64(sd.chunkLen) / sd.cfg.SampleRate)
	if period < time.Millisecond {
		period = time.Millisecond
	}
	sd.loopDone.Add(1)
	go sd.run(period, sd.abort)
	return nil
}

// StopBackground stops the clock and waits for the last callback to return.
// Stopping a stopped device is not an error.
func (sd *SimulatedDevice) StopBackground() error {
	sd.mu.Lock()
	if !sd.isStarted {
		sd.mu.Unlock()
		return nil
	}
	sd.isStarted = false
	close(sd.abort)
	sd.mu.Unlock()
	sd.loopDone.Wait()
	sd.mu.Lock()
	sd.queueX = sd.queueX[:0]
	sd.queueY = sd.queueY[:0]
	sd.mu.Unlock()
	return nil
}

// WriteImmediate sets the outputs to values while the clock is stopped.
func (sd *SimulatedDevice) WriteImmediate(values []float64) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.isOpen {
		return fmt.Errorf("SimulatedDevice.WriteImmediate: %s not open", sd.id)
	}
	if sd.isStarted {
		return fmt.Errorf("SimulatedDevice.WriteImmediate: clock is running")
	}
	if len(values) != len(sd.cfg.OutputChannels) {
		return fmt.Errorf("SimulatedDevice.WriteImmediate: %d values for %d outputs", len(values), len(sd.cfg.OutputChannels))
	}
	sd.lastWritten = append(sd.lastWritten[:0], values...)
	return nil
}

// LastWritten returns the values of the most recent WriteImmediate.
func (sd *SimulatedDevice) LastWritten() []float64 {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return append([]float64(nil), sd.lastWritten...)
}

// Queued returns the number of output samples waiting to be played.
func (sd *SimulatedDevice) Queued() int {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return len(sd.queueX)
}

// Release errors if already closed.
func (sd *SimulatedDevice) Release() error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.isOpen {
		return fmt.Errorf("SimulatedDevice.Release: already closed")
	}
	if sd.isStarted {
		return fmt.Errorf("SimulatedDevice.Release: clock is running")
	}
	sd.isOpen = false
	sd.onLow = nil
	sd.onInput = nil
	sd.onError = nil
	return nil
}

func (sd *SimulatedDevice) run(period time.Duration, abort chan struct{}) {
	defer sd.loopDone.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return
		case ts := <-ticker.C:
			block, low, err := sd.readChunk(ts)
			sd.mu.Lock()
			onLow, onInput, onError := sd.onLow, sd.onInput, sd.onError
			sd.mu.Unlock()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			if low && onLow != nil {
				onLow()
			}
			if onInput != nil {
				onInput(block)
			}
		}
	}
}

// readChunk plays one chunk of output and digitizes the response.
func (sd *SimulatedDevice) readChunk(ts time.Time) (*RawFrameBlock, bool, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	n := sd.chunkLen
	if len(sd.queueX) < n {
		return nil, false, fmt.Errorf("%w: %d samples queued, %d needed", ErrOutputUnderrun, len(sd.queueX), n)
	}
	if sd.FaultAfter > 0 && sd.chunksRead >= sd.FaultAfter {
		return nil, false, fmt.Errorf("simulated hardware fault after %d chunks", sd.chunksRead)
	}
	x := append(sd.tailX, sd.queueX[:n]...)
	y := append(sd.tailY, sd.queueY[:n]...)
	nchan := len(sd.cfg.InputChannels)
	samples := make([]float64, n*nchan)
	for t := 0; t < n; t++ {
		for c := 0; c < nchan; c++ {
			v := sd.Detector(c, x[t], y[t])
			if sd.Noise > 0 {
				v += sd.Noise * sd.rng.NormFloat64()
			}
			samples[t*nchan+c] = v
		}
	}
	sd.tailX = append([]float64(nil), x[n:]...)
	sd.tailY = append([]float64(nil), y[n:]...)
	sd.queueX = sd.queueX[n:]
	sd.queueY = sd.queueY[n:]
	sd.chunksRead++
	low := len(sd.queueX) < sd.lowThreshold
	block, err := NewRawFrameBlock(samples, nchan, ts)
	return block, low, err
}

// SynthesizeBlock builds the input block an ideal periodic scan of w would
// produce, with the detector responding lag samples late.
func SynthesizeBlock(w *Waveform, lag int, nchan int, detector DetectorModel) *RawFrameBlock {
	n := w.Len()
	samples := make([]float64, n*nchan)
	for t := 0; t < n; t++ {
		src := ((t-lag)%n + n) % n
		for c := 0; c < nchan; c++ {
			samples[t*nchan+c] = detector(c, w.X[src], w.Y[src])
		}
	}
	return &RawFrameBlock{Data: mat.NewDense(n, nchan, samples), Timestamp: time.Now()}
}

package galvoscan

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// BufferStats summarizes a ScanBufferController's activity.
type BufferStats struct {
	FramesPerChunk int
	ChunkSamples   int
	ChunksQueued   int64
	BlocksReceived int64
	BlocksIgnored  int64
}

// ScanBufferController keeps a device's output queue topped up with copies of
// one waveform and hands each frame of input to a callback. One controller
// serves one run; a restart builds a new one.
type ScanBufferController struct {
	dev     AcquisitionDevice
	onBlock func(*RawFrameBlock)
	onFault func(*DeviceFault)

	waveform       *Waveform
	chunkX, chunkY []float64
	framesPerChunk int

	halted         atomic.Bool
	faultOnce      sync.Once
	chunksQueued   atomic.Int64
	blocksReceived atomic.Int64
	blocksIgnored  atomic.Int64
}

// NewScanBufferController returns a controller for dev. onBlock receives every
// input block; onFault receives at most one fault.
func NewScanBufferController(dev AcquisitionDevice, onBlock func(*RawFrameBlock), onFault func(*DeviceFault)) *ScanBufferController {
	return &ScanBufferController{dev: dev, onBlock: onBlock, onFault: onFault}
}

// FramesPerQueueChunk is the number of waveform copies needed so that one
// queue chunk plays for at least minBufferedSeconds.
func FramesPerQueueChunk(w *Waveform, minBufferedSeconds float64) int {
	n := int(math.Ceil(minBufferedSeconds / w.Duration()))
	if n < 1 {
		n = 1
	}
	return n
}

// Configure builds the queue chunk from w and registers the device handlers.
// The output-low threshold is half a chunk.
func (bc *ScanBufferController) Configure(w *Waveform, minBufferedSeconds float64) error {
	if w == nil || w.Len() == 0 {
		return fmt.Errorf("ScanBufferController.Configure: empty waveform")
	}
	bc.waveform = w
	bc.framesPerChunk = FramesPerQueueChunk(w, minBufferedSeconds)
	if bc.framesPerChunk == 1 {
		bc.chunkX, bc.chunkY = w.X, w.Y
	} else {
		bc.chunkX = make([]float64, 0, bc.framesPerChunk*w.Len())
		bc.chunkY = make([]float64, 0, bc.framesPerChunk*w.Len())
		for i := 0; i < bc.framesPerChunk; i++ {
			bc.chunkX = append(bc.chunkX, w.X...)
			bc.chunkY = append(bc.chunkY, w.Y...)
		}
	}
	bc.dev.SetOutputLowHandler(len(bc.chunkX)/2, bc.OnOutputBufferLow)
	bc.dev.SetInputHandler(w.Len(), bc.OnInputChunkReady)
	bc.dev.SetErrorHandler(bc.onDeviceError)
	return nil
}

// Start queues the first chunk and starts the device clock.
func (bc *ScanBufferController) Start() error {
	if bc.waveform == nil {
		return fmt.Errorf("ScanBufferController.Start: not configured")
	}
	if err := bc.dev.QueueOutput(bc.chunkX, bc.chunkY); err != nil {
		return &DeviceFault{DeviceID: bc.dev.ID(), Err: err}
	}
	bc.chunksQueued.Add(1)
	if err := bc.dev.StartBackground(); err != nil {
		return &DeviceFault{DeviceID: bc.dev.ID(), Err: err}
	}
	return nil
}

// Halt makes the controller ignore every later callback. It does not touch
// the device.
func (bc *ScanBufferController) Halt() {
	bc.halted.Store(true)
}

// OnOutputBufferLow queues one more chunk.
func (bc *ScanBufferController) OnOutputBufferLow() {
	if bc.halted.Load() {
		return
	}
	if err := bc.dev.QueueOutput(bc.chunkX, bc.chunkY); err != nil {
		bc.onDeviceError(err)
		return
	}
	bc.chunksQueued.Add(1)
}

// OnInputChunkReady forwards one frame of input.
func (bc *ScanBufferController) OnInputChunkReady(block *RawFrameBlock) {
	if bc.halted.Load() {
		bc.blocksIgnored.Add(1)
		return
	}
	bc.blocksReceived.Add(1)
	bc.onBlock(block)
}

func (bc *ScanBufferController) onDeviceError(err error) {
	if bc.halted.Load() {
		return
	}
	bc.faultOnce.Do(func() {
		bc.onFault(&DeviceFault{DeviceID: bc.dev.ID(), Err: err})
	})
}

// Stats returns the controller's counters.
func (bc *ScanBufferController) Stats() BufferStats {
	return BufferStats{
		FramesPerChunk: bc.framesPerChunk,
		ChunkSamples:   len(bc.chunkX),
		ChunksQueued:   bc.chunksQueued.Load(),
		BlocksReceived: bc.blocksReceived.Load(),
		BlocksIgnored:  bc.blocksIgnored.Load(),
	}
}

package galvoscan

import (
	"fmt"
	"sync/atomic"

	"github.com/pebbe/zmq4"
	"github.com/rasterlab/galvoscan/getbytes"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/mat"
)

// FramePublisher is a FrameConsumer that publishes frames on a ZMQ PUB socket
// for display clients. Each message has two parts: a header from
// frameHeader and the pixels as little-endian float32, row-major. Frames
// beyond maxPerSecond per channel are skipped. It must be used from a single
// goroutine, such as an AsyncConsumer's worker.
type FramePublisher struct {
	socket    *zmq4.Socket
	limiters  map[int]*rate.Limiter
	maxRate   rate.Limit
	published atomic.Int64
	skipped   atomic.Int64
}

// NewFramePublisher binds a PUB socket to portnum on all interfaces.
func NewFramePublisher(portnum int, maxPerSecond float64) (*FramePublisher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	if err := socket.Bind(hostname); err != nil {
		socket.Close()
		return nil, fmt.Errorf("could not bind frame publisher to %s: %w", hostname, err)
	}
	limit := rate.Inf
	if maxPerSecond > 0 {
		limit = rate.Limit(maxPerSecond)
	}
	return &FramePublisher{socket: socket, limiters: make(map[int]*rate.Limiter), maxRate: limit}, nil
}

// frameHeader packs channel (uint16), image size (uint16), frame index
// (int64) and timestamp in Unix nanoseconds (int64), 20 bytes in all.
func frameHeader(f *Frame) []byte {
	header := make([]byte, 0, 20)
	header = append(header, getbytes.FromValue(uint16(f.Channel))...)
	header = append(header, getbytes.FromValue(uint16(f.Size()))...)
	header = append(header, getbytes.FromValue(int64(f.Index))...)
	header = append(header, getbytes.FromValue(f.Timestamp.UnixNano())...)
	return header
}

// framePixels flattens f.Data row by row, whatever its stride.
func framePixels(data *mat.Dense) []float64 {
	raw := data.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	out := make([]float64, 0, raw.Rows*raw.Cols)
	for i := 0; i < raw.Rows; i++ {
		out = append(out, raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols]...)
	}
	return out
}

// ConsumeFrame publishes f, unless its channel is over the rate limit.
func (fp *FramePublisher) ConsumeFrame(f *Frame) error {
	lim, ok := fp.limiters[f.Channel]
	if !ok {
		lim = rate.NewLimiter(fp.maxRate, 1)
		fp.limiters[f.Channel] = lim
	}
	if !lim.Allow() {
		fp.skipped.Add(1)
		return nil
	}
	if _, err := fp.socket.SendMessage(frameHeader(f), getbytes.Float32s(framePixels(f.Data))); err != nil {
		return err
	}
	fp.published.Add(1)
	return nil
}

// Published returns the number of frames sent.
func (fp *FramePublisher) Published() int64 {
	return fp.published.Load()
}

// Skipped returns the number of frames dropped by the rate limit.
func (fp *FramePublisher) Skipped() int64 {
	return fp.skipped.Load()
}

// Close closes the socket.
func (fp *FramePublisher) Close() error {
	return fp.socket.Close()
}

package galvoscan

import (
	"io"
	"sync"
	"sync/atomic"
)

// FrameConsumer accepts assembled frames: a display, a file writer, a network
// publisher. Frames are shared between consumers and must not be modified.
type FrameConsumer interface {
	ConsumeFrame(f *Frame) error
}

// FrameConsumerFunc adapts a function to the FrameConsumer interface.
type FrameConsumerFunc func(f *Frame) error

// ConsumeFrame calls fn(f).
func (fn FrameConsumerFunc) ConsumeFrame(f *Frame) error {
	return fn(f)
}

// ConsumerStats counts what happened to the frames offered to one consumer.
type ConsumerStats struct {
	Name      string
	Delivered int64
	Dropped   int64 // queue was full
	Errors    int64 // ConsumeFrame returned an error
}

// AsyncConsumer runs a FrameConsumer on its own goroutine behind a bounded
// queue, so a slow consumer loses frames instead of stalling acquisition.
type AsyncConsumer struct {
	name      string
	inner     FrameConsumer
	queue     chan *Frame
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	delivered atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64
}

// NewAsyncConsumer starts a worker for inner with room for depth waiting frames.
func NewAsyncConsumer(name string, inner FrameConsumer, depth int) *AsyncConsumer {
	if depth < 1 {
		depth = 1
	}
	ac := &AsyncConsumer{
		name:  name,
		inner: inner,
		queue: make(chan *Frame, depth),
		done:  make(chan struct{}),
	}
	go ac.work()
	return ac
}

func (ac *AsyncConsumer) work() {
	defer close(ac.done)
	var lastErr string
	for f := range ac.queue {
		if err := ac.inner.ConsumeFrame(f); err != nil {
			ac.errors.Add(1)
			// Log each distinct error once instead of once per frame.
			if msg := err.Error(); msg != lastErr {
				ProblemLogger.Printf("Consumer %s: frame %d channel %d: %v", ac.name, f.Index, f.Channel, err)
				lastErr = msg
			}
			continue
		}
		ac.delivered.Add(1)
	}
}

// Offer queues f without blocking. It returns false if the frame was dropped.
func (ac *AsyncConsumer) Offer(f *Frame) bool {
	select {
	case ac.queue <- f:
		return true
	default:
		ac.dropped.Add(1)
		return false
	}
}

// Name returns the name the consumer was registered under.
func (ac *AsyncConsumer) Name() string {
	return ac.name
}

// Stats returns the consumer's counters.
func (ac *AsyncConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Name:      ac.name,
		Delivered: ac.delivered.Load(),
		Dropped:   ac.dropped.Load(),
		Errors:    ac.errors.Load(),
	}
}

// Close stops accepting frames, waits for the queued ones to be consumed, and
// closes the inner consumer if it is an io.Closer. Offer must not be called
// after Close.
func (ac *AsyncConsumer) Close() error {
	ac.closeOnce.Do(func() {
		close(ac.queue)
		<-ac.done
		if c, ok := ac.inner.(io.Closer); ok {
			ac.closeErr = c.Close()
		}
	})
	return ac.closeErr
}

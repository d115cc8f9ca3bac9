// Package asyncbufio provides a buffered writer whose Write never blocks on
// the underlying file. Data pass through a channel to a goroutine that does the
// actual (buffered) writing and flushes periodically.
package asyncbufio

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Writer writes asynchronously to an underlying io.Writer.
type Writer struct {
	writer        *bufio.Writer
	flushNow      chan chan error
	datachannel   chan []byte
	flushInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
	closeErr      error
	dropped       atomic.Int64
	writeErr      error // first error from the underlying writer; used only by writeLoop
}

// NewWriter creates a Writer holding up to channelDepth pending writes.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan chan error),
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
	go aw.writeLoop()
	return aw
}

// Write queues a copy of p. If the queue is full the data are dropped and
// io.ErrShortWrite is returned.
func (aw *Writer) Write(p []byte) (int, error) {
	data := append([]byte(nil), p...)
	select {
	case aw.datachannel <- data:
		return len(p), nil
	default:
		aw.dropped.Add(1)
		return 0, io.ErrShortWrite
	}
}

// WriteString queues s.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Dropped returns how many writes were refused because the queue was full.
func (aw *Writer) Dropped() int64 {
	return aw.dropped.Load()
}

// Flush writes everything queued so far and flushes the buffer.
func (aw *Writer) Flush() error {
	reply := make(chan error)
	select {
	case aw.flushNow <- reply:
		return <-reply
	case <-aw.done:
		return io.ErrClosedPipe
	}
}

// Close flushes remaining data and stops the writer goroutine. Closing twice
// is harmless and returns the first result.
func (aw *Writer) Close() error {
	aw.closeOnce.Do(func() {
		aw.closeErr = aw.Flush()
		close(aw.done)
	})
	return aw.closeErr
}

func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)
		case reply := <-aw.flushNow:
			reply <- aw.flush()
		case <-ticker.C:
			aw.flush()
		case <-aw.done:
			return
		}
	}
}

func (aw *Writer) write(data []byte) {
	if _, err := aw.writer.Write(data); err != nil && aw.writeErr == nil {
		aw.writeErr = err
	}
}

// flush drains the channel before flushing the bufio.Writer.
func (aw *Writer) flush() error {
	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)
		default:
			if err := aw.writer.Flush(); err != nil && aw.writeErr == nil {
				aw.writeErr = err
			}
			return aw.writeErr
		}
	}
}

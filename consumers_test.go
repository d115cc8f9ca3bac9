package galvoscan

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closingConsumer struct {
	mu     sync.Mutex
	seen   []FrameIndex
	closed bool
	gate   chan struct{}
}

func (c *closingConsumer) ConsumeFrame(f *Frame) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, f.Index)
	return nil
}

func (c *closingConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestAsyncConsumerDeliversInOrder(t *testing.T) {
	inner := &closingConsumer{}
	ac := NewAsyncConsumer("order", inner, 10)
	for i := 0; i < 10; i++ {
		require.True(t, ac.Offer(&Frame{Index: FrameIndex(i)}))
	}
	require.NoError(t, ac.Close())
	assert.True(t, inner.closed)
	assert.Equal(t, []FrameIndex{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, inner.seen)
	assert.Equal(t, ConsumerStats{Name: "order", Delivered: 10}, ac.Stats())
	assert.NoError(t, ac.Close())
}

func TestAsyncConsumerDropsWhenFull(t *testing.T) {
	inner := &closingConsumer{gate: make(chan struct{})}
	ac := NewAsyncConsumer("slow", inner, 2)
	offered := 0
	// The worker holds at most one frame while blocked on the gate.
	for i := 0; i < 10; i++ {
		if ac.Offer(&Frame{Index: FrameIndex(i)}) {
			offered++
		}
	}
	assert.LessOrEqual(t, offered, 3)
	assert.GreaterOrEqual(t, offered, 2)
	close(inner.gate)
	require.NoError(t, ac.Close())
	st := ac.Stats()
	assert.EqualValues(t, offered, st.Delivered)
	assert.EqualValues(t, 10-offered, st.Dropped)
}

func TestAsyncConsumerCountsErrors(t *testing.T) {
	calls := 0
	ac := NewAsyncConsumer("failing", FrameConsumerFunc(func(f *Frame) error {
		calls++
		if f.Index%2 == 1 {
			return errors.New("disk full")
		}
		return nil
	}), 8)
	for i := 0; i < 6; i++ {
		ac.Offer(&Frame{Index: FrameIndex(i)})
	}
	require.NoError(t, ac.Close())
	assert.Equal(t, 6, calls)
	assert.Equal(t, ConsumerStats{Name: "failing", Delivered: 3, Errors: 3}, ac.Stats())
}

// frameCollector passes every frame it consumes to a channel.
type frameCollector struct {
	frames chan *Frame
}

func newFrameCollector() *frameCollector {
	return &frameCollector{frames: make(chan *Frame, 1000)}
}

func (c *frameCollector) ConsumeFrame(f *Frame) error {
	select {
	case c.frames <- f:
	default:
	}
	return nil
}

func (c *frameCollector) next(t *testing.T) *Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return nil
}

// Package unboundedchan provides a channel-fronted queue whose sender never
// waits for the receiver.
package unboundedchan

import "sync/atomic"

// UnboundedChannel queues everything sent on In until it can be received from
// Out. With a positive limit, the oldest queued item is discarded whenever the
// queue would grow past limit, so a stalled receiver cannot exhaust memory.
// Use pointers for large T.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	queue   []T
	limit   int
	dropped atomic.Int64
	queued  atomic.Int64
}

// NewUnboundedChannel creates a queue with no limit.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	return NewLimitedChannel[T](0)
}

// NewLimitedChannel creates a queue holding at most limit items (0 means no
// limit).
func NewLimitedChannel[T any](limit int) *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:    make(chan T),
		out:   make(chan T),
		queue: make([]T, 0),
		limit: limit,
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) push(val T) {
	uc.queue = append(uc.queue, val)
	if uc.limit > 0 && len(uc.queue) > uc.limit {
		var zero T
		uc.queue[0] = zero
		uc.queue = uc.queue[1:]
		uc.dropped.Add(1)
	}
	uc.queued.Store(int64(len(uc.queue)))
}

func (uc *UnboundedChannel[T]) run() {
	for {
		if len(uc.queue) == 0 {
			val, ok := <-uc.in
			if !ok {
				close(uc.out)
				return
			}
			uc.push(val)
			continue
		}
		select {
		case uc.out <- uc.queue[0]:
			uc.queue = uc.queue[1:]
			uc.queued.Store(int64(len(uc.queue)))
		case val, ok := <-uc.in:
			if !ok {
				// Deliver what is queued, then close the output.
				for _, item := range uc.queue {
					uc.out <- item
				}
				close(uc.out)
				return
			}
			uc.push(val)
		}
	}
}

// In returns the input channel. Close it to end the queue.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel, closed after In is closed and drained.
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Len returns the number of items waiting.
func (uc *UnboundedChannel[T]) Len() int {
	return int(uc.queued.Load())
}

// Dropped returns how many items were discarded to honor the limit.
func (uc *UnboundedChannel[T]) Dropped() int64 {
	return uc.dropped.Load()
}

package embedding

import "sync"

// BoundedEventChannel is a permitted alternative to the required
// unbounded processor-input channel: it caps outstanding events, keeps
// at most one queued event per path (the newest replaces an older one
// for the same path), and on overflow drops the oldest queued event
// rather than blocking the sender or dropping the new event.
//
// Reference: spec.md §5 ("Bounded vs. unbounded embedding channel")
type BoundedEventChannel struct {
	mu       sync.Mutex
	capacity int
	queue    []EmbeddingEvent
	notify   chan struct{}
	closed   bool
}

// NewBoundedEventChannel constructs a BoundedEventChannel holding at
// most capacity events.
func NewBoundedEventChannel(capacity int) *BoundedEventChannel {
	if capacity <= 0 {
		capacity = 1
	}
	return &BoundedEventChannel{capacity: capacity, notify: make(chan struct{}, 1)}
}

func (c *BoundedEventChannel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Send enqueues ev. Any event already queued for the same path is
// removed first, whatever the fill level, so the newest event for a
// path replaces the older one; if the channel is still at capacity
// after that, the oldest event overall is evicted.
func (c *BoundedEventChannel) Send(ev EmbeddingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	for i, existing := range c.queue {
		if existing.RelativePath == ev.RelativePath {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}

	if len(c.queue) >= c.capacity {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, ev)
	c.signal()
}

// Receive returns the oldest queued event and true, or a zero value and
// false if the channel is empty.
func (c *BoundedEventChannel) Receive() (EmbeddingEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return EmbeddingEvent{}, false
	}
	ev := c.queue[0]
	c.queue = c.queue[1:]
	return ev, true
}

// Notify returns a channel that receives a value whenever an event is
// enqueued, for callers that want to select on arrival rather than
// poll Receive.
func (c *BoundedEventChannel) Notify() <-chan struct{} {
	return c.notify
}

// Len reports the number of events currently queued.
func (c *BoundedEventChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close marks the channel closed; subsequent Sends are no-ops.
func (c *BoundedEventChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

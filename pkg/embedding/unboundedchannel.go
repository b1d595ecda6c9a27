package embedding

import (
	"context"
	"sync"
)

// UnboundedEventChannel is the default processor-input queue: Send
// never blocks and never evicts, growing the internal queue without
// bound. It is the Go analog of the original's mpsc unbounded channel.
//
// Reference: spec.md §4.4 ("sends over an unbounded channel"), §5
// ("unbounded by construction")
type UnboundedEventChannel struct {
	mu     sync.Mutex
	queue  []EmbeddingEvent
	notify chan struct{}
	closed bool
}

// NewUnboundedEventChannel constructs an empty UnboundedEventChannel.
func NewUnboundedEventChannel() *UnboundedEventChannel {
	return &UnboundedEventChannel{notify: make(chan struct{}, 1)}
}

func (c *UnboundedEventChannel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Send enqueues ev unconditionally. It never blocks and never drops an
// event; the queue grows to hold it.
func (c *UnboundedEventChannel) Send(ev EmbeddingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, ev)
	c.signal()
}

// Receive returns the oldest queued event and true, or a zero value and
// false if the channel is empty.
func (c *UnboundedEventChannel) Receive() (EmbeddingEvent, bool) {
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
func (c *UnboundedEventChannel) Notify() <-chan struct{} {
	return c.notify
}

// Len reports the number of events currently queued.
func (c *UnboundedEventChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close marks the channel closed; subsequent Sends are no-ops.
func (c *UnboundedEventChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// eventQueue is the shape both UnboundedEventChannel and
// BoundedEventChannel expose, letting Pump forward either into a
// native channel without caring which backpressure policy is in
// effect.
type eventQueue interface {
	Receive() (EmbeddingEvent, bool)
	Notify() <-chan struct{}
}

// Pump drains q into out until ctx is canceled, blocking on out only
// when the consumer (the processor task) is slower than the producer
// — never on the Send side, which is what makes q's chosen
// backpressure policy (unbounded growth or bounded eviction) the only
// place events can be lost or queued.
func Pump(ctx context.Context, q eventQueue, out chan<- EmbeddingEvent) {
	for {
		for {
			ev, ok := q.Receive()
			if !ok {
				break
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-q.Notify():
		case <-ctx.Done():
			return
		}
	}
}

var (
	_ eventQueue = (*UnboundedEventChannel)(nil)
	_ eventQueue = (*BoundedEventChannel)(nil)
)

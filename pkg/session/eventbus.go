package session

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// BusSubscriber receives every event the reactor processes. Emit lets a
// subscriber push a follow-up event into the reactor's own ring, the
// same ring chain handlers emit into. Bus emissions are buffered
// separately from the chain's: the chain's emissions for an event are
// already in the ring when subscribers run, and Publish pushes the
// subscribers' emissions after them, so the order stays deterministic.
type BusSubscriber interface {
	Name() string
	OnEvent(ctx context.Context, ev Event, emit func(Event))
}

// EventBus is an optional pub/sub bridge alongside the handler chain.
// A subscriber's panic is recovered and logged: the bus never
// aborts processing, matching the chain's fail-open default.
//
// Reference: subscription bridging pattern, carried over from the
// surveyed event-subscription API in original_source/.
type EventBus struct {
	mu          sync.Mutex
	logger      *zap.Logger
	subscribers map[string]BusSubscriber
}

// NewEventBus constructs an empty EventBus. logger may be nil.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{logger: logger, subscribers: make(map[string]BusSubscriber)}
}

// Subscribe installs sub, replacing any prior subscriber of the same
// name.
func (b *EventBus) Subscribe(sub BusSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub.Name()] = sub
}

// Unsubscribe removes the subscriber named name, if present.
func (b *EventBus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, name)
}

// Publish delivers ev to every subscriber, in name order for
// determinism, pushing anything a subscriber emits onto ring.
func (b *EventBus) Publish(ctx context.Context, ev Event, ring *Ring) {
	b.mu.Lock()
	names := make([]string, 0, len(b.subscribers))
	for name := range b.subscribers {
		names = append(names, name)
	}
	subs := make(map[string]BusSubscriber, len(b.subscribers))
	for k, v := range b.subscribers {
		subs[k] = v
	}
	b.mu.Unlock()
	sort.Strings(names)

	var emitted []Event
	emit := func(e Event) { emitted = append(emitted, e) }

	for _, name := range names {
		sub := subs[name]
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("event bus subscriber panicked", zap.String("subscriber", name), zap.Any("panic", r))
				}
			}()
			sub.OnEvent(ctx, ev, emit)
		}()
	}

	// Buffered the same way Chain buffers handler emissions: every
	// subscriber runs before anything it emits reaches the ring, so a
	// subscriber never observes another's emission mid-Publish.
	for _, e := range emitted {
		ring.Push(e)
	}
}

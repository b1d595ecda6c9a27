package session

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Metadata describes a reactor implementation for diagnostics and the
// RPC layer's session.get surface.
type Metadata struct {
	Name        string
	Version     string
	Description string
}

// LinearReactor is the reference Session Reactor: a single ring plus a
// single handler chain, processed strictly in append order. Sessions
// needing fan-out or branching compose additional reactors around this
// one rather than replacing it.
//
// Reference: spec.md §4.5.3 Linear Reactor
type LinearReactor struct {
	ring       *Ring
	chain      *Chain
	logger     *zap.Logger
	bus        *EventBus
	tokenTotal int64
}

// NewLinearReactor constructs a LinearReactor over ring and chain. logger
// and bus may be nil.
func NewLinearReactor(ring *Ring, chain *Chain, logger *zap.Logger, bus *EventBus) *LinearReactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinearReactor{ring: ring, chain: chain, logger: logger, bus: bus}
}

// Ring exposes the reactor's underlying event ring.
func (r *LinearReactor) Ring() *Ring { return r.ring }

// TokenCount reports the running total of EstimateTokens across every
// event this reactor has processed, added to the session context on
// each processed event.
//
// Reference: spec.md §4.5.4 Token accounting, §3 Session.token_count
func (r *LinearReactor) TokenCount() int64 {
	return atomic.LoadInt64(&r.tokenTotal)
}

// OnSessionStart pushes a SessionStarted event and runs the chain over
// it.
func (r *LinearReactor) OnSessionStart(ctx context.Context, config map[string]string) (Event, error) {
	return r.HandleEvent(ctx, NewSessionStarted(config))
}

// OnSessionEnd pushes a SessionEnded event, runs the chain over it, and
// logs the session's total processed-event count.
func (r *LinearReactor) OnSessionEnd(ctx context.Context, reason string) (Event, error) {
	ev, err := r.HandleEvent(ctx, NewSessionEnded(reason))
	r.logger.Info("session ended", zap.String("reason", reason), zap.Uint64("events_processed", r.ring.WriteSequence()))
	return ev, err
}

// HandleEvent pushes event to the ring, then runs the chain for the
// sequence it was assigned at. It returns the pushed event (with its
// assigned Seq/Timestamp), not any event a handler may additionally
// emit.
func (r *LinearReactor) HandleEvent(ctx context.Context, event Event) (Event, error) {
	seq := r.ring.Push(event)
	pushed, _ := r.ring.Get(seq)
	if err := r.OnEvent(ctx, seq); err != nil {
		return pushed, err
	}
	return pushed, nil
}

// OnEvent runs the handler chain for an event already appended to the
// ring at seq, bridging to the EventBus afterward if one is attached.
func (r *LinearReactor) OnEvent(ctx context.Context, seq uint64) error {
	if _, err := r.chain.ProcessSequence(r.ring, seq); err != nil {
		return err
	}
	ev, ok := r.ring.Get(seq)
	if ok {
		atomic.AddInt64(&r.tokenTotal, int64(EstimateTokens(ev)))
	}
	if r.bus != nil && ok {
		r.bus.Publish(ctx, ev, r.ring)
	}
	return nil
}

// OnBeforeCompact generates a deterministic compaction summary over
// events and pushes a SessionCompacted event carrying it.
func (r *LinearReactor) OnBeforeCompact(ctx context.Context, events []Event) (string, error) {
	summary := GenerateCompactionSummary(events)
	if _, err := r.HandleEvent(ctx, NewSessionCompacted(summary)); err != nil {
		return summary, err
	}
	return summary, nil
}

// Metadata describes this reactor implementation.
func (r *LinearReactor) Metadata() Metadata {
	return Metadata{
		Name:        "LinearReactor",
		Version:     "1.0.0",
		Description: "single ring, single handler chain, strict append-order processing",
	}
}

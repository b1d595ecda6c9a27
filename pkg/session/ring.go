package session

import (
	"sync"

	"crucible/pkg/clock"
)

// Ring is a fixed-capacity ring buffer of session events. Events are
// stored behind shared ownership (by value, but never mutated after
// Push) so handlers can hold references past the next Push without
// copying payloads.
//
// Reference: spec.md §4.5.1 Event ring
type Ring struct {
	mu       sync.Mutex
	clk      clock.Clock
	capacity uint64
	slots    []Event
	writeSeq uint64
}

// NewRing constructs a Ring holding at most capacity events.
func NewRing(capacity int, clk clock.Clock) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{clk: clk, capacity: uint64(capacity), slots: make([]Event, capacity)}
}

// Push appends ev, assigning it the next monotone sequence number and
// the clock's current time, possibly evicting the oldest retained
// event. It returns the assigned sequence.
func (r *Ring) Push(ev Event) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.writeSeq
	ev.Seq = seq
	ev.Timestamp = r.clk.Now()
	r.slots[seq%r.capacity] = ev
	r.writeSeq++
	return seq
}

func (r *Ring) oldestSequenceLocked() uint64 {
	if r.writeSeq <= r.capacity {
		return 0
	}
	return r.writeSeq - r.capacity
}

// Get returns the event at seq, or (zero, false) if seq was evicted or
// has not yet been written.
func (r *Ring) Get(seq uint64) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq >= r.writeSeq || seq < r.oldestSequenceLocked() {
		return Event{}, false
	}
	return r.slots[seq%r.capacity], true
}

// Iter returns every retrievable event, oldest to newest, as of the
// call. The result is a point-in-time snapshot; it does not reflect
// subsequent pushes and cannot be restarted to replay from the
// beginning again.
func (r *Ring) Iter() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldest := r.oldestSequenceLocked()
	out := make([]Event, 0, r.writeSeq-oldest)
	for seq := oldest; seq < r.writeSeq; seq++ {
		out = append(out, r.slots[seq%r.capacity])
	}
	return out
}

// WriteSequence returns the sequence that will be assigned to the next
// pushed event.
func (r *Ring) WriteSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeSeq
}

// OldestSequence returns the sequence of the oldest retrievable event.
func (r *Ring) OldestSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oldestSequenceLocked()
}

// Len returns the number of currently retrievable events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.writeSeq - r.oldestSequenceLocked())
}

package embedding

import (
	"crucible/pkg/kiln"
)

// RawChange is what the file-watcher boundary (internal/watch) hands
// to the EmbeddingEventHandler: a raw notification before any
// filtering or content read has happened.
type RawChange struct {
	RelativePath string
	Kind         EventKind
	Content      string // empty for EventDeleted
}

// EventSink is anything an EmbeddingEventHandler can hand a
// constructed EmbeddingEvent to. UnboundedEventChannel (the default,
// unbounded queue) and BoundedEventChannel (the bounded,
// replace-newest alternative) both implement it, as does ChanSink for
// a plain native channel.
type EventSink interface {
	Send(ev EmbeddingEvent)
}

// ChanSink adapts a native Go channel to EventSink. Send blocks if the
// channel is unbuffered or full; production wiring should prefer
// UnboundedEventChannel or BoundedEventChannel, which never block the
// caller.
type ChanSink chan<- EmbeddingEvent

// Send implements EventSink.
func (s ChanSink) Send(ev EmbeddingEvent) { s <- ev }

// EmbeddingEventHandler filters raw file-watcher notifications by
// extension (kiln.Category.ShouldIndex) and constructs EmbeddingEvents,
// handing them to an EventSink for the processor task to eventually
// consume. No other task mutates processor state; this handler only
// ever writes to the sink.
type EmbeddingEventHandler struct {
	out    EventSink
	nextID func() string
}

// NewEmbeddingEventHandler constructs a handler writing to out. nextID
// generates unique event ids; pass a monotone counter or uuid.NewString
// in production.
func NewEmbeddingEventHandler(out EventSink, nextID func() string) *EmbeddingEventHandler {
	return &EmbeddingEventHandler{out: out, nextID: nextID}
}

// Handle filters change by category and, if it should be indexed,
// constructs and sends an EmbeddingEvent. Deleted events are always
// forwarded regardless of category, since a prior index entry may need
// removing even for a file type that is no longer indexed.
func (h *EmbeddingEventHandler) Handle(change RawChange) {
	if change.Kind != EventDeleted {
		category := kiln.CategoryForPath(change.RelativePath)
		if !category.ShouldIndex() {
			return
		}
		h.out.Send(EmbeddingEvent{
			ID:            h.nextID(),
			Kind:          change.Kind,
			RelativePath:  change.RelativePath,
			Content:       change.Content,
			ContentLength: len(change.Content),
			Category:      category,
		})
		return
	}

	h.out.Send(EmbeddingEvent{
		ID:           h.nextID(),
		Kind:         EventDeleted,
		RelativePath: change.RelativePath,
	})
}

// Package embedding implements the Embedding Pipeline (C4): a
// processor task that consumes file-change events, batches and
// dispatches them to an embedding provider, and exposes read-your-writes
// consistency for callers that need to know whether a path's embedding
// is still in flight.
//
// Reference: spec.md §4.4 Embedding Pipeline
package embedding

import (
	"crucible/pkg/kiln"
)

// EventKind discriminates the cause of an EmbeddingEvent.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// EmbeddingEvent is what the EmbeddingEventHandler constructs from a
// raw file-watcher notification and hands to the processor task.
type EmbeddingEvent struct {
	ID            string
	Kind          EventKind
	RelativePath  string
	Content       string
	ContentLength int
	Category      kiln.Category

	// BatchID is assigned at batch-admission time; empty until then.
	BatchID string
}

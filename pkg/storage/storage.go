// Package storage defines the ContentAddressedStorage capability (C2):
// a content-addressed block store plus a typed entity store, polymorphic
// over in-memory, on-disk, and embedded-DB backends, composed behind one
// interface so callers never switch on backend kind.
//
// Reference: spec.md §4.2 Storage Backend
package storage

import (
	"context"
	"time"

	"crucible/pkg/hash"
)

// Entity is a stored typed entity: a note today, with room for future
// entity types. Invariant: ContentHash equals the hash of the ingested
// bytes at Data["relative_path"].
type Entity struct {
	ID          string
	Type        string
	ContentHash hash.Hash
	Data        map[string]string
	UpdatedAt   time.Time
}

// EntityFilter narrows a QueryEntities call. A zero-value filter matches
// every entity. Non-empty fields are ANDed together.
type EntityFilter struct {
	Type          string
	DataEquals    map[string]string
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
}

// Matches reports whether e satisfies f.
func (f EntityFilter) Matches(e Entity) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	for k, v := range f.DataEquals {
		if e.Data[k] != v {
			return false
		}
	}
	if !f.UpdatedAfter.IsZero() && !e.UpdatedAt.After(f.UpdatedAfter) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !e.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// Stats summarizes a backend's current state.
type Stats struct {
	BlockCount     int64
	BlockSizeBytes int64
	EntityCount    int64
}

// BlockStore is the content-addressed block sub-capability.
type BlockStore interface {
	// StoreBlock persists b under h. It succeeds only if hash(b) == h,
	// otherwise it returns an errkind.HashMismatch error. Storing a
	// block whose hash already exists is a no-op that still succeeds
	// and increments a reference count (deduplication).
	StoreBlock(ctx context.Context, h hash.Hash, b []byte) error

	// GetBlock returns the bytes stored under h, or ok=false if absent.
	GetBlock(ctx context.Context, h hash.Hash) (data []byte, ok bool, err error)

	// HasBlock reports whether a block is stored under h.
	HasBlock(ctx context.Context, h hash.Hash) (bool, error)

	// DeleteBlock removes the block stored under h, reporting whether
	// anything was deleted.
	DeleteBlock(ctx context.Context, h hash.Hash) (bool, error)
}

// EntityStore is the typed-entity sub-capability.
type EntityStore interface {
	// UpsertEntity inserts or replaces e, keyed by e.ID.
	UpsertEntity(ctx context.Context, e Entity) error

	// GetEntity returns the entity with the given id, or ok=false.
	GetEntity(ctx context.Context, id string) (Entity, bool, error)

	// DeleteEntity removes the entity with the given id, reporting
	// whether anything was deleted.
	DeleteEntity(ctx context.Context, id string) (bool, error)

	// QueryEntities returns every entity matching filter.
	QueryEntities(ctx context.Context, filter EntityFilter) ([]Entity, error)
}

// Management exposes backend introspection and maintenance operations.
type Management interface {
	// GetStats returns the backend's current Stats.
	GetStats(ctx context.Context) (Stats, error)

	// Compact reclaims space (e.g. removing tombstoned blocks). A no-op
	// is a valid implementation for backends with nothing to compact.
	Compact(ctx context.Context) error

	// VerifyIntegrity checks that every stored block's key equals the
	// hash of its bytes, returning the first violation found (if any).
	VerifyIntegrity(ctx context.Context) error
}

// OpKind identifies the kind of operation inside a Batch.
type OpKind string

const (
	OpStoreBlock   OpKind = "store_block"
	OpDeleteBlock  OpKind = "delete_block"
	OpUpsertEntity OpKind = "upsert_entity"
	OpDeleteEntity OpKind = "delete_entity"
)

// Op is a single operation inside an all-or-nothing Batch.
type Op struct {
	Kind   OpKind
	Hash   hash.Hash // for OpStoreBlock / OpDeleteBlock
	Block  []byte    // for OpStoreBlock
	Entity Entity    // for OpUpsertEntity
	ID     string    // for OpDeleteEntity
}

// Batcher applies a set of block/entity operations transactionally:
// all operations succeed, or none are visible.
type Batcher interface {
	ApplyBatch(ctx context.Context, ops []Op) error
}

// ContentAddressedStorage composes every C2 sub-capability into the
// single handle the rest of Crucible depends on.
type ContentAddressedStorage interface {
	BlockStore
	EntityStore
	Management
	Batcher
}

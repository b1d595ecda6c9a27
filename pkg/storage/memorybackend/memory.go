// Package memorybackend implements storage.ContentAddressedStorage
// in-memory, with optional LRU eviction of blocks when a memory limit
// is configured. Entities are never evicted.
//
// Reference: spec.md §4.2 Storage Backend ("In-memory" row)
package memorybackend

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"crucible/pkg/errkind"
	"crucible/pkg/hash"
	"crucible/pkg/storage"
)

func init() {
	storage.RegisterBuilder(storage.BackendMemory, func(_ context.Context, cfg storage.Config) (storage.ContentAddressedStorage, error) {
		return New(cfg.Memory)
	})
}

type block struct {
	data     []byte
	refCount int
}

// Backend is the in-memory ContentAddressedStorage implementation.
type Backend struct {
	mu sync.Mutex

	cfg storage.MemoryConfig

	blocks       map[hash.Hash]*block
	blockBytes   int64
	entities     map[string]storage.Entity

	// evictOrder tracks least-recently-used order when LRU eviction is
	// enabled; nil otherwise. Keyed by hash, value is unused — only
	// recency of StoreBlock/GetBlock calls matters.
	evictOrder *lru.Cache[hash.Hash, struct{}]
}

// New constructs an in-memory backend from cfg. cfg must already be
// valid (storage.Config.Validate is the caller's responsibility, done
// by storage.Factory.Build).
func New(cfg storage.MemoryConfig) (*Backend, error) {
	b := &Backend{
		cfg:      cfg,
		blocks:   make(map[hash.Hash]*block),
		entities: make(map[string]storage.Entity),
	}
	if cfg.EnableLRUEviction {
		// The LRU cache only tracks recency order; actual eviction is
		// size-driven (see evictUntilWithinLimitLocked). Its fixed entry
		// cap of 1<<20 keeps hashicorp/golang-lru's internal bookkeeping
		// bounded; past that many distinct blocks the cache drops its own
		// oldest entries, and those blocks are no longer candidates for
		// size-driven eviction.
		cache, err := lru.New[hash.Hash, struct{}](1 << 20)
		if err != nil {
			return nil, errkind.Wrap(errkind.Configuration, "constructing LRU eviction cache", err)
		}
		b.evictOrder = cache
	}
	return b, nil
}

var _ storage.ContentAddressedStorage = (*Backend)(nil)

func (b *Backend) touch(h hash.Hash) {
	if b.evictOrder != nil {
		b.evictOrder.Add(h, struct{}{})
	}
}

// StoreBlock implements storage.BlockStore.
func (b *Backend) StoreBlock(_ context.Context, h hash.Hash, data []byte) error {
	hasher := hash.NewHasher()
	if hasher.Hash(data) != h {
		return errkind.New(errkind.HashMismatch, "store_block: bytes do not hash to the claimed key")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.blocks[h]; ok {
		existing.refCount++
		b.touch(h)
		return nil
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	b.blocks[h] = &block{data: stored, refCount: 1}
	b.blockBytes += int64(len(stored))
	b.touch(h)

	if b.cfg.EnableLRUEviction && b.cfg.MemoryLimit > 0 {
		b.evictUntilWithinLimitLocked()
	}
	return nil
}

// evictUntilWithinLimitLocked evicts least-recently-accessed blocks
// until blockBytes no longer exceeds the configured memory limit.
// Caller must hold b.mu.
func (b *Backend) evictUntilWithinLimitLocked() {
	for b.blockBytes > b.cfg.MemoryLimit {
		victim, _, ok := b.evictOrder.GetOldest()
		if !ok {
			return
		}
		blk, exists := b.blocks[victim]
		if !exists {
			b.evictOrder.Remove(victim)
			continue
		}
		b.blockBytes -= int64(len(blk.data))
		delete(b.blocks, victim)
		b.evictOrder.Remove(victim)
	}
}

// GetBlock implements storage.BlockStore.
func (b *Backend) GetBlock(_ context.Context, h hash.Hash) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	blk, ok := b.blocks[h]
	if !ok {
		return nil, false, nil
	}
	b.touch(h)
	out := make([]byte, len(blk.data))
	copy(out, blk.data)
	return out, true, nil
}

// HasBlock implements storage.BlockStore.
func (b *Backend) HasBlock(_ context.Context, h hash.Hash) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocks[h]
	return ok, nil
}

// DeleteBlock implements storage.BlockStore.
func (b *Backend) DeleteBlock(_ context.Context, h hash.Hash) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	blk, ok := b.blocks[h]
	if !ok {
		return false, nil
	}
	b.blockBytes -= int64(len(blk.data))
	delete(b.blocks, h)
	if b.evictOrder != nil {
		b.evictOrder.Remove(h)
	}
	return true, nil
}

// UpsertEntity implements storage.EntityStore.
func (b *Backend) UpsertEntity(_ context.Context, e storage.Entity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entities[e.ID] = cloneEntity(e)
	return nil
}

// GetEntity implements storage.EntityStore.
func (b *Backend) GetEntity(_ context.Context, id string) (storage.Entity, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[id]
	if !ok {
		return storage.Entity{}, false, nil
	}
	return cloneEntity(e), true, nil
}

// DeleteEntity implements storage.EntityStore.
func (b *Backend) DeleteEntity(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entities[id]
	delete(b.entities, id)
	return ok, nil
}

// QueryEntities implements storage.EntityStore.
func (b *Backend) QueryEntities(_ context.Context, filter storage.EntityFilter) ([]storage.Entity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []storage.Entity
	for _, e := range b.entities {
		if filter.Matches(e) {
			out = append(out, cloneEntity(e))
		}
	}
	return out, nil
}

// GetStats implements storage.Management.
func (b *Backend) GetStats(_ context.Context) (storage.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return storage.Stats{
		BlockCount:     int64(len(b.blocks)),
		BlockSizeBytes: b.blockBytes,
		EntityCount:    int64(len(b.entities)),
	}, nil
}

// Compact implements storage.Management. The in-memory backend has
// nothing to reclaim beyond what DeleteBlock already frees.
func (b *Backend) Compact(_ context.Context) error {
	return nil
}

// VerifyIntegrity implements storage.Management.
func (b *Backend) VerifyIntegrity(_ context.Context) error {
	hasher := hash.NewHasher()
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, blk := range b.blocks {
		if hasher.Hash(blk.data) != h {
			return errkind.New(errkind.HashMismatch, "integrity violation: block "+h.String()+" does not hash to its key")
		}
	}
	return nil
}

// ApplyBatch implements storage.Batcher. The in-memory backend holds
// its single mutex for the whole batch, so the operations are
// naturally all-or-nothing with respect to concurrent readers even
// though no individual operation can itself fail after validation.
func (b *Backend) ApplyBatch(ctx context.Context, ops []storage.Op) error {
	hasher := hash.NewHasher()
	for _, op := range ops {
		if op.Kind == storage.OpStoreBlock && hasher.Hash(op.Block) != op.Hash {
			return errkind.New(errkind.HashMismatch, "apply_batch: bytes do not hash to the claimed key")
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case storage.OpStoreBlock:
			if existing, ok := b.blocks[op.Hash]; ok {
				existing.refCount++
				b.touch(op.Hash)
				continue
			}
			stored := make([]byte, len(op.Block))
			copy(stored, op.Block)
			b.blocks[op.Hash] = &block{data: stored, refCount: 1}
			b.blockBytes += int64(len(stored))
			b.touch(op.Hash)
		case storage.OpDeleteBlock:
			if blk, ok := b.blocks[op.Hash]; ok {
				b.blockBytes -= int64(len(blk.data))
				delete(b.blocks, op.Hash)
				if b.evictOrder != nil {
					b.evictOrder.Remove(op.Hash)
				}
			}
		case storage.OpUpsertEntity:
			b.entities[op.Entity.ID] = cloneEntity(op.Entity)
		case storage.OpDeleteEntity:
			delete(b.entities, op.ID)
		}
	}
	if b.cfg.EnableLRUEviction && b.cfg.MemoryLimit > 0 {
		b.evictUntilWithinLimitLocked()
	}
	return nil
}

func cloneEntity(e storage.Entity) storage.Entity {
	data := make(map[string]string, len(e.Data))
	for k, v := range e.Data {
		data[k] = v
	}
	e.Data = data
	return e
}

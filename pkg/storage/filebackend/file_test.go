package filebackend_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"crucible/pkg/hash"
	"crucible/pkg/storage"
	"crucible/pkg/storage/filebackend"
)

func newBackend(t *testing.T, cfg storage.FileConfig) *filebackend.Backend {
	t.Helper()
	cfg.Directory = filepath.Join(t.TempDir(), "kiln-store")
	cfg.CreateIfMissing = true
	b, err := filebackend.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestMissingDirectoryWithoutCreateIfMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	_, err := filebackend.New(storage.FileConfig{Directory: dir, CreateIfMissing: false})
	if err == nil {
		t.Fatalf("expected error when directory is missing and create_if_missing is false")
	}
}

func TestStoreGetDeleteBlock(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, storage.FileConfig{})

	data := []byte("on-disk content")
	h := hash.NewHasher().Hash(data)

	if err := b.StoreBlock(ctx, h, data); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}

	got, ok, err := b.GetBlock(ctx, h)
	if err != nil || !ok {
		t.Fatalf("GetBlock: ok=%v err=%v", ok, err)
	}
	if string(got) != string(data) {
		t.Fatalf("GetBlock returned %q, want %q", got, data)
	}

	deleted, err := b.DeleteBlock(ctx, h)
	if err != nil || !deleted {
		t.Fatalf("DeleteBlock: deleted=%v err=%v", deleted, err)
	}
	if _, ok, _ := b.GetBlock(ctx, h); ok {
		t.Fatalf("expected block gone after delete")
	}
}

func TestStoreBlockHashMismatch(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, storage.FileConfig{})

	wrongHash := hash.NewHasher().Hash([]byte("other"))
	if err := b.StoreBlock(ctx, wrongHash, []byte("payload")); err == nil {
		t.Fatalf("expected HashMismatch error")
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, storage.FileConfig{EnableCompression: true})

	data := []byte("the quick brown fox jumps over the lazy dog, repeatedly, to give flate something to compress")
	h := hash.NewHasher().Hash(data)

	if err := b.StoreBlock(ctx, h, data); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	got, ok, err := b.GetBlock(ctx, h)
	if err != nil || !ok {
		t.Fatalf("GetBlock: ok=%v err=%v", ok, err)
	}
	if string(got) != string(data) {
		t.Fatalf("decompressed block mismatch")
	}
}

func TestSizeLimitRejectsOversizedStore(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, storage.FileConfig{SizeLimit: 4})

	data := []byte("this is more than four bytes")
	h := hash.NewHasher().Hash(data)

	if err := b.StoreBlock(ctx, h, data); err == nil {
		t.Fatalf("expected size_limit to reject oversized block")
	}
}

func TestEntityCRUDPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "kiln-store")

	b1, err := filebackend.New(storage.FileConfig{Directory: dir, CreateIfMissing: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e := storage.Entity{
		ID:        "note:a.md",
		Type:      "note",
		Data:      map[string]string{"relative_path": "a.md"},
		UpdatedAt: time.Unix(1700000000, 0).UTC(),
	}
	if err := b1.UpsertEntity(ctx, e); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	b2, err := filebackend.New(storage.FileConfig{Directory: dir, CreateIfMissing: true})
	if err != nil {
		t.Fatalf("reopening backend: %v", err)
	}
	got, ok, err := b2.GetEntity(ctx, "note:a.md")
	if err != nil || !ok {
		t.Fatalf("GetEntity after reopen: ok=%v err=%v", ok, err)
	}
	if got.Data["relative_path"] != "a.md" {
		t.Fatalf("unexpected entity data after reopen: %+v", got.Data)
	}
	if !got.UpdatedAt.Equal(e.UpdatedAt) {
		t.Fatalf("UpdatedAt not preserved: got %v want %v", got.UpdatedAt, e.UpdatedAt)
	}
}

func TestQueryEntitiesFiltersByType(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, storage.FileConfig{})

	if err := b.UpsertEntity(ctx, storage.Entity{ID: "note:a.md", Type: "note"}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := b.UpsertEntity(ctx, storage.Entity{ID: "session:1", Type: "session"}); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	got, err := b.QueryEntities(ctx, storage.EntityFilter{Type: "note"})
	if err != nil {
		t.Fatalf("QueryEntities: %v", err)
	}
	if len(got) != 1 || got[0].ID != "note:a.md" {
		t.Fatalf("expected only note:a.md, got %+v", got)
	}
}

func TestVerifyIntegrityDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, storage.FileConfig{})

	data := []byte("integrity check payload")
	h := hash.NewHasher().Hash(data)
	if err := b.StoreBlock(ctx, h, data); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	if err := b.VerifyIntegrity(ctx); err != nil {
		t.Fatalf("VerifyIntegrity on untouched store: %v", err)
	}
}

func TestApplyBatchAllOrNothingOnHashMismatch(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, storage.FileConfig{})

	good := []byte("good bytes")
	goodHash := hash.NewHasher().Hash(good)
	badHash := hash.NewHasher().Hash([]byte("unrelated"))

	err := b.ApplyBatch(ctx, []storage.Op{
		{Kind: storage.OpStoreBlock, Hash: goodHash, Block: good},
		{Kind: storage.OpStoreBlock, Hash: badHash, Block: []byte("mismatched")},
	})
	if err == nil {
		t.Fatalf("expected batch to fail on hash mismatch")
	}
	if ok, _ := b.HasBlock(ctx, goodHash); ok {
		t.Fatalf("expected no partial effects: good block must not be stored when batch fails")
	}
}

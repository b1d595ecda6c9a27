package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crucible/internal/watch"
	"crucible/pkg/embedding"
)

func newHandler(t *testing.T) (*embedding.EmbeddingEventHandler, <-chan embedding.EmbeddingEvent) {
	t.Helper()
	out := make(chan embedding.EmbeddingEvent, 16)
	n := 0
	h := embedding.NewEmbeddingEventHandler(embedding.ChanSink(out), func() string { n++; return "id" })
	return h, out
}

func TestWatcherForwardsFileCreation(t *testing.T) {
	root := t.TempDir()
	handler, out := newHandler(t)

	w, err := watch.New(root, handler, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(root, "note.md")
	if err := os.WriteFile(path, []byte("hello kiln"), 0o644); err != nil {
		t.Fatalf("unexpected error writing file: %v", err)
	}

	select {
	case ev := <-out:
		if ev.RelativePath != "note.md" {
			t.Fatalf("expected relative path note.md, got %q", ev.RelativePath)
		}
		if ev.Content != "hello kiln" {
			t.Fatalf("expected file content forwarded, got %q", ev.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a create event")
	}
}

func TestWatcherIgnoresNonIndexableCategories(t *testing.T) {
	root := t.TempDir()
	handler, out := newHandler(t)

	w, err := watch.New(root, handler, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(root, "photo.png")
	if err := os.WriteFile(path, []byte("binary"), 0o644); err != nil {
		t.Fatalf("unexpected error writing file: %v", err)
	}

	select {
	case ev := <-out:
		t.Fatalf("expected image category to not be forwarded for indexing, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherIgnoresCrucibleDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".crucible", "storage"), 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handler, out := newHandler(t)

	w, err := watch.New(root, handler, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(root, ".crucible", "storage", "block.bin")
	if err := os.WriteFile(path, []byte("opaque"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case ev := <-out:
		t.Fatalf("expected .crucible internal state to never be forwarded, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

package embedding_test

import (
	"testing"

	"crucible/pkg/embedding"
)

func TestHandlerFiltersNonIndexableCategories(t *testing.T) {
	out := make(chan embedding.EmbeddingEvent, 4)
	n := 0
	h := embedding.NewEmbeddingEventHandler(embedding.ChanSink(out), func() string { n++; return string(rune('a' + n)) })

	h.Handle(embedding.RawChange{RelativePath: "note.md", Kind: embedding.EventCreated, Content: "hello"})
	h.Handle(embedding.RawChange{RelativePath: "photo.png", Kind: embedding.EventCreated, Content: "binary"})

	select {
	case ev := <-out:
		if ev.RelativePath != "note.md" {
			t.Fatalf("expected note.md to pass the filter, got %+v", ev)
		}
	default:
		t.Fatalf("expected note.md to be forwarded")
	}

	select {
	case ev := <-out:
		t.Fatalf("expected photo.png to be filtered out, got %+v", ev)
	default:
	}
}

func TestHandlerAlwaysForwardsDeletes(t *testing.T) {
	out := make(chan embedding.EmbeddingEvent, 4)
	h := embedding.NewEmbeddingEventHandler(embedding.ChanSink(out), func() string { return "id" })

	h.Handle(embedding.RawChange{RelativePath: "photo.png", Kind: embedding.EventDeleted})

	select {
	case ev := <-out:
		if ev.Kind != embedding.EventDeleted || ev.RelativePath != "photo.png" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected delete event for a non-indexed category to still be forwarded")
	}
}

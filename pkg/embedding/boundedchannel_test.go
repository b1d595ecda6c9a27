package embedding_test

import (
	"testing"

	"crucible/pkg/embedding"
)

func TestBoundedEventChannelEvictsOldestOnOverflow(t *testing.T) {
	c := embedding.NewBoundedEventChannel(2)

	c.Send(embedding.EmbeddingEvent{ID: "1", RelativePath: "a.md"})
	c.Send(embedding.EmbeddingEvent{ID: "2", RelativePath: "b.md"})
	c.Send(embedding.EmbeddingEvent{ID: "3", RelativePath: "c.md"})

	if c.Len() != 2 {
		t.Fatalf("expected length capped at 2, got %d", c.Len())
	}

	ev, ok := c.Receive()
	if !ok || ev.RelativePath != "b.md" {
		t.Fatalf("expected oldest surviving event b.md, got %+v ok=%v", ev, ok)
	}
}

func TestBoundedEventChannelNewestReplacesSamePath(t *testing.T) {
	c := embedding.NewBoundedEventChannel(4)

	c.Send(embedding.EmbeddingEvent{ID: "1", RelativePath: "a.md", Content: "old"})
	c.Send(embedding.EmbeddingEvent{ID: "2", RelativePath: "a.md", Content: "new"})

	if c.Len() != 1 {
		t.Fatalf("expected same-path send to replace rather than queue both, got len=%d", c.Len())
	}

	ev, ok := c.Receive()
	if !ok || ev.Content != "new" {
		t.Fatalf("expected newest event for the path to survive, got %+v", ev)
	}
}

func TestBoundedEventChannelCloseStopsAcceptingSends(t *testing.T) {
	c := embedding.NewBoundedEventChannel(2)
	c.Close()
	c.Send(embedding.EmbeddingEvent{ID: "1", RelativePath: "a.md"})

	if c.Len() != 0 {
		t.Fatalf("expected closed channel to discard sends, got len=%d", c.Len())
	}
}

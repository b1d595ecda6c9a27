package session_test

import (
	"testing"

	"crucible/pkg/session"
)

func TestEstimateTokensContentScalesWithLength(t *testing.T) {
	short := session.EstimateTokens(session.NewMessageReceived("u", "hi"))
	long := session.EstimateTokens(session.NewMessageReceived("u", "this is a much longer message body"))
	if long <= short {
		t.Fatalf("expected longer content to estimate more tokens: short=%d long=%d", short, long)
	}
}

func TestEstimateTokensFixedOverheadForMetadataEvents(t *testing.T) {
	tool := session.EstimateTokens(session.NewToolCalled("search", nil))
	if tool != 50 {
		t.Fatalf("expected fixed overhead of 50 for tool calls, got %d", tool)
	}
	lifecycle := session.EstimateTokens(session.NewSessionStarted(nil))
	if lifecycle != 100 {
		t.Fatalf("expected fixed overhead of 100 for session lifecycle events, got %d", lifecycle)
	}
}

func TestEstimateTotalTokensSumsEvents(t *testing.T) {
	events := []session.Event{
		session.NewSessionStarted(nil),
		session.NewToolCalled("x", nil),
	}
	total := session.EstimateTotalTokens(events)
	if total != 150 {
		t.Fatalf("expected sum of 100+50=150, got %d", total)
	}
}

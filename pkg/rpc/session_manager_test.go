package rpc_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crucible/pkg/clock"
	"crucible/pkg/rpc"
)

func testClock() clock.Clock {
	return clock.NewFixed(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestSessionManagerCreatePersistsMetaJSON(t *testing.T) {
	dir := t.TempDir()
	mgr := rpc.NewSessionManager(testClock(), nil)

	descriptor, err := mgr.Create(context.Background(), "chat", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if descriptor.State != rpc.SessionActive {
		t.Fatalf("expected active state, got %s", descriptor.State)
	}

	metaPath := filepath.Join(dir, ".crucible", "sessions", descriptor.SessionID, "meta.json")
	if _, err := os.Stat(metaPath); err != nil {
		t.Fatalf("expected meta.json to exist at %s: %v", metaPath, err)
	}
}

func TestSessionManagerLifecycleTransitions(t *testing.T) {
	dir := t.TempDir()
	mgr := rpc.NewSessionManager(testClock(), nil)
	ctx := context.Background()

	descriptor, err := mgr.Create(ctx, "chat", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state, err := mgr.Pause(descriptor.SessionID); err != nil || state != rpc.SessionPaused {
		t.Fatalf("expected paused, got %s err=%v", state, err)
	}
	if state, err := mgr.Resume(descriptor.SessionID); err != nil || state != rpc.SessionActive {
		t.Fatalf("expected active, got %s err=%v", state, err)
	}
	if state, err := mgr.End(ctx, descriptor.SessionID, "user closed"); err != nil || state != rpc.SessionEnded {
		t.Fatalf("expected ended, got %s err=%v", state, err)
	}

	got, ok := mgr.Get(descriptor.SessionID)
	if !ok || got.State != rpc.SessionEnded {
		t.Fatalf("expected persisted state to be ended, got %+v ok=%v", got, ok)
	}
}

func TestSessionManagerUnknownSessionErrors(t *testing.T) {
	mgr := rpc.NewSessionManager(testClock(), nil)
	if _, err := mgr.Pause("ghost"); err == nil {
		t.Fatalf("expected error for unknown session")
	}
}

func TestSessionManagerConfigureAgentThenSwitchModel(t *testing.T) {
	dir := t.TempDir()
	mgr := rpc.NewSessionManager(testClock(), nil)
	ctx := context.Background()

	descriptor, _ := mgr.Create(ctx, "chat", dir)
	agent := rpc.AgentConfig{AgentType: "assistant", Provider: "anthropic", Model: "model-a", SystemPrompt: "be terse"}
	if err := mgr.ConfigureAgent(descriptor.SessionID, agent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mgr.SwitchModel(descriptor.SessionID, "model-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := mgr.Get(descriptor.SessionID)
	if got.Agent == nil || got.Agent.Model != "model-b" {
		t.Fatalf("expected switched model, got %+v", got.Agent)
	}
}

func TestSessionManagerSwitchModelWithoutAgentFails(t *testing.T) {
	dir := t.TempDir()
	mgr := rpc.NewSessionManager(testClock(), nil)
	descriptor, _ := mgr.Create(context.Background(), "chat", dir)

	if err := mgr.SwitchModel(descriptor.SessionID, "model-b"); err == nil {
		t.Fatalf("expected error switching model with no configured agent")
	}
}

func TestSessionManagerTokenCountAccumulatesAcrossLifecycle(t *testing.T) {
	dir := t.TempDir()
	mgr := rpc.NewSessionManager(testClock(), nil)
	ctx := context.Background()

	descriptor, err := mgr.Create(ctx, "chat", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if descriptor.TokenCount <= 0 {
		t.Fatalf("expected SessionStarted to contribute a nonzero token count, got %d", descriptor.TokenCount)
	}
	afterCreate := descriptor.TokenCount

	if _, err := mgr.End(ctx, descriptor.SessionID, "test teardown"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := mgr.Get(descriptor.SessionID)
	if !ok {
		t.Fatalf("expected session to still be known after End")
	}
	if got.TokenCount <= afterCreate {
		t.Fatalf("expected SessionEnded to add to the running token total, got %d (was %d)", got.TokenCount, afterCreate)
	}
}

func TestSessionManagerListReturnsEverySession(t *testing.T) {
	dir := t.TempDir()
	mgr := rpc.NewSessionManager(testClock(), nil)
	ctx := context.Background()
	mgr.Create(ctx, "chat", dir)
	mgr.Create(ctx, "chat", dir)

	if len(mgr.List()) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(mgr.List()))
	}
}

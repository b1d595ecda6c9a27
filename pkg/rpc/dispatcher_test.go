package rpc_test

import (
	"context"
	"encoding/json"
	"testing"

	"crucible/pkg/embedding/provider"
	"crucible/pkg/rpc"
	"crucible/pkg/storage"
	"crucible/pkg/storage/memorybackend"
)

func newTestDispatcher(t *testing.T) (*rpc.Dispatcher, *bool) {
	t.Helper()
	backend, err := memorybackend.New(storage.MemoryConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sessions := rpc.NewSessionManager(testClock(), nil)
	kilns := rpc.NewKilnRegistry()
	searcher := rpc.NewSearcher(backend, provider.NewFakeProvider(4))
	shutdownCalled := false
	d := rpc.NewDispatcher(nil, sessions, kilns, searcher, func() { shutdownCalled = true })
	return d, &shutdownCalled
}

func rawID(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	return raw
}

func TestDispatchPing(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), rpc.Request{Method: "ping", ID: rawID(t, 1)})
	if resp.Result != "pong" {
		t.Fatalf("expected pong, got %+v", resp)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), rpc.Request{Method: "nonexistent", ID: rawID(t, 1)})
	if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp)
	}
}

func TestDispatchShutdownInvokesHook(t *testing.T) {
	d, called := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), rpc.Request{Method: "shutdown", ID: rawID(t, 1)})
	if resp.Result != "shutting down" {
		t.Fatalf("unexpected result: %+v", resp)
	}
	if !*called {
		t.Fatalf("expected shutdown hook to be invoked")
	}
}

func TestDispatchKilnListInitiallyEmpty(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), rpc.Request{Method: "kiln.list", ID: rawID(t, 1)})
	kilns, ok := resp.Result.([]string)
	if !ok || len(kilns) != 0 {
		t.Fatalf("expected empty kiln list, got %+v", resp.Result)
	}
}

func TestDispatchSessionLifecycle(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	dir := t.TempDir()

	createResp := d.Dispatch(ctx, rpc.Request{Method: "session.create", ID: rawID(t, 1),
		Params: rawID(t, map[string]string{"type": "chat", "kiln": dir})})
	createResult, ok := createResp.Result.(map[string]any)
	if !ok || createResult["state"] != rpc.SessionActive {
		t.Fatalf("expected active state on create, got %+v", createResp)
	}
	sessionID, _ := createResult["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("expected a session id, got %+v", createResult)
	}

	pauseResp := d.Dispatch(ctx, rpc.Request{Method: "session.pause", ID: rawID(t, 2),
		Params: rawID(t, map[string]string{"session_id": sessionID})})
	if pauseResult, ok := pauseResp.Result.(map[string]any); !ok || pauseResult["state"] != rpc.SessionPaused {
		t.Fatalf("expected paused, got %+v", pauseResp)
	}

	resumeResp := d.Dispatch(ctx, rpc.Request{Method: "session.resume", ID: rawID(t, 3),
		Params: rawID(t, map[string]string{"session_id": sessionID})})
	if resumeResult, ok := resumeResp.Result.(map[string]any); !ok || resumeResult["state"] != rpc.SessionActive {
		t.Fatalf("expected active, got %+v", resumeResp)
	}

	endResp := d.Dispatch(ctx, rpc.Request{Method: "session.end", ID: rawID(t, 4),
		Params: rawID(t, map[string]string{"session_id": sessionID})})
	if endResult, ok := endResp.Result.(map[string]any); !ok || endResult["state"] != rpc.SessionEnded {
		t.Fatalf("expected ended, got %+v", endResp)
	}
}

func TestDispatchSessionGetUnknownYieldsInvalidParams(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), rpc.Request{Method: "session.get", ID: rawID(t, 1),
		Params: rawID(t, map[string]string{"session_id": "ghost"})})
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
		t.Fatalf("expected InvalidParams, got %+v", resp)
	}
}

func TestDispatchMissingParamsYieldsInvalidParams(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), rpc.Request{Method: "session.get", ID: rawID(t, 1)})
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
		t.Fatalf("expected InvalidParams for missing params, got %+v", resp)
	}
}

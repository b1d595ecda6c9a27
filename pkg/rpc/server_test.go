package rpc_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"crucible/pkg/embedding/provider"
	"crucible/pkg/rpc"
	"crucible/pkg/storage"
	"crucible/pkg/storage/memorybackend"
)

func startTestServer(t *testing.T) (socketPath string, stop func()) {
	t.Helper()
	backend, err := memorybackend.New(storage.MemoryConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sessions := rpc.NewSessionManager(testClock(), nil)
	kilns := rpc.NewKilnRegistry()
	searcher := rpc.NewSearcher(backend, provider.NewFakeProvider(4))

	socketPath = filepath.Join(t.TempDir(), "crucible.sock")
	var server *rpc.Server
	dispatcher := rpc.NewDispatcher(nil, sessions, kilns, searcher, func() {
		go server.Stop()
	})
	server = rpc.NewServer(socketPath, dispatcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.ListenAndServe(ctx)
		close(done)
	}()

	waitForSocket(t, socketPath)

	return socketPath, func() {
		cancel()
		<-done
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server never opened socket at %s", path)
}

func sendLine(t *testing.T, conn net.Conn, req map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unexpected response unmarshal error: %v", err)
	}
	return resp
}

func TestServerRespondsToPing(t *testing.T) {
	socketPath, stop := startTestServer(t)
	defer stop()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	defer conn.Close()

	resp := sendLine(t, conn, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	if resp["result"] != "pong" {
		t.Fatalf("expected pong, got %+v", resp)
	}
}

func TestServerMalformedThenValidLineOnSameStream(t *testing.T) {
	socketPath, stop := startTestServer(t)
	defer stop()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	var malformedResp map[string]any
	json.Unmarshal(line, &malformedResp)
	errObj, ok := malformedResp["error"].(map[string]any)
	if !ok || int(errObj["code"].(float64)) != rpc.CodeParse {
		t.Fatalf("expected parse error for malformed line, got %+v", malformedResp)
	}

	raw, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 2, "method": "ping"})
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	line, err = reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("unexpected read error on second line: %v", err)
	}
	var pingResp map[string]any
	json.Unmarshal(line, &pingResp)
	if pingResp["result"] != "pong" {
		t.Fatalf("expected the connection to remain usable after a parse error, got %+v", pingResp)
	}
}

func TestServerUnknownMethodReturnsMethodNotFound(t *testing.T) {
	socketPath, stop := startTestServer(t)
	defer stop()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	defer conn.Close()

	resp := sendLine(t, conn, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "nonexistent"})
	errObj, ok := resp["error"].(map[string]any)
	if !ok || int(errObj["code"].(float64)) != rpc.CodeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp)
	}
}

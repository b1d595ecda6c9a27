package rpc

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"crucible/pkg/errkind"
)

// Dispatcher resolves a method name to a handler and maps handler
// errors to JSON-RPC error responses. It holds no connection state —
// Server owns one Dispatcher shared across every accepted stream.
type Dispatcher struct {
	logger   *zap.Logger
	sessions *SessionManager
	kilns    *KilnRegistry
	searcher *Searcher

	shutdownRequested func()
}

// NewDispatcher wires the method surface over sessions, kilns, and
// searcher. onShutdown is invoked once when the shutdown method is
// dispatched; it should signal the accept loop to stop and active
// streams to drain.
func NewDispatcher(logger *zap.Logger, sessions *SessionManager, kilns *KilnRegistry, searcher *Searcher, onShutdown func()) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger, sessions: sessions, kilns: kilns, searcher: searcher, shutdownRequested: onShutdown}
}

// Dispatch handles one already-parsed Request and returns the Response
// to write back. It never returns an error itself: every failure is
// encoded into the Response's Error field.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "ping":
		return resultResponse(req.ID, "pong")
	case "shutdown":
		if d.shutdownRequested != nil {
			d.shutdownRequested()
		}
		return resultResponse(req.ID, "shutting down")
	case "kiln.list":
		return resultResponse(req.ID, d.kilns.List())
	case "kiln.search":
		return d.handleKilnSearch(ctx, req)
	case "session.create":
		return d.handleSessionCreate(ctx, req)
	case "session.list":
		sessions := d.sessions.List()
		return resultResponse(req.ID, map[string]any{"total": len(sessions), "sessions": sessions})
	case "session.get":
		return d.handleSessionGet(req)
	case "session.pause":
		return d.handleSessionTransition(req, d.sessions.Pause)
	case "session.resume":
		return d.handleSessionTransition(req, d.sessions.Resume)
	case "session.end":
		return d.handleSessionEnd(ctx, req)
	case "session.configure_agent":
		return d.handleConfigureAgent(req)
	case "session.switch_model":
		return d.handleSwitchModel(req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method, nil)
	}
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errkind.New(errkind.Validation, "missing params")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errkind.Wrap(errkind.Validation, "decoding params", err)
	}
	return nil
}

func (d *Dispatcher) handleKilnSearch(ctx context.Context, req Request) Response {
	var params struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponseForErr(req.ID, err)
	}
	results, err := d.searcher.Search(ctx, params.Query, params.TopK)
	if err != nil {
		return errorResponseForErr(req.ID, err)
	}
	return resultResponse(req.ID, map[string]any{"results": results})
}

func (d *Dispatcher) handleSessionCreate(ctx context.Context, req Request) Response {
	var params struct {
		Type string `json:"type"`
		Kiln string `json:"kiln"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponseForErr(req.ID, err)
	}
	descriptor, err := d.sessions.Create(ctx, params.Type, params.Kiln)
	if err != nil {
		return errorResponseForErr(req.ID, err)
	}
	d.kilns.Register(params.Kiln)
	return resultResponse(req.ID, map[string]any{"session_id": descriptor.SessionID, "state": descriptor.State})
}

func (d *Dispatcher) handleSessionGet(req Request) Response {
	var params struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponseForErr(req.ID, err)
	}
	descriptor, ok := d.sessions.Get(params.SessionID)
	if !ok {
		return errorResponse(req.ID, CodeInvalidParams, "unknown session: "+params.SessionID, nil)
	}
	return resultResponse(req.ID, descriptor)
}

func (d *Dispatcher) handleSessionTransition(req Request, transition func(string) (SessionState, error)) Response {
	var params struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponseForErr(req.ID, err)
	}
	state, err := transition(params.SessionID)
	if err != nil {
		return errorResponseForErr(req.ID, err)
	}
	return resultResponse(req.ID, map[string]any{"state": state})
}

func (d *Dispatcher) handleSessionEnd(ctx context.Context, req Request) Response {
	var params struct {
		SessionID string `json:"session_id"`
		Reason    string `json:"reason"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponseForErr(req.ID, err)
	}
	state, err := d.sessions.End(ctx, params.SessionID, params.Reason)
	if err != nil {
		return errorResponseForErr(req.ID, err)
	}
	return resultResponse(req.ID, map[string]any{"state": state})
}

func (d *Dispatcher) handleConfigureAgent(req Request) Response {
	var params struct {
		SessionID string      `json:"session_id"`
		Agent     AgentConfig `json:"agent"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponseForErr(req.ID, err)
	}
	if err := d.sessions.ConfigureAgent(params.SessionID, params.Agent); err != nil {
		return errorResponseForErr(req.ID, err)
	}
	return resultResponse(req.ID, map[string]any{})
}

func (d *Dispatcher) handleSwitchModel(req Request) Response {
	var params struct {
		SessionID string `json:"session_id"`
		ModelID   string `json:"model_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponseForErr(req.ID, err)
	}
	if err := d.sessions.SwitchModel(params.SessionID, params.ModelID); err != nil {
		return errorResponseForErr(req.ID, err)
	}
	return resultResponse(req.ID, map[string]any{"switched": true})
}

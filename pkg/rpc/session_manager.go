package rpc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crucible/pkg/clock"
	"crucible/pkg/errkind"
	"crucible/pkg/session"
)

// SessionState is the closed enum of a daemon-managed session's
// lifecycle states.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionPaused SessionState = "paused"
	SessionEnded  SessionState = "ended"
)

// AgentConfig describes the agent attached to a session.
type AgentConfig struct {
	AgentType    string `json:"agent_type"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

// SessionDescriptor is the persisted and RPC-visible view of a session.
type SessionDescriptor struct {
	SessionID string       `json:"session_id"`
	Type      string       `json:"type"`
	Kiln      string       `json:"kiln"`
	State     SessionState `json:"state"`
	Agent     *AgentConfig `json:"agent,omitempty"`

	// TokenCount is the reactor's running total of EstimateTokens
	// across every event processed so far.
	//
	// Reference: spec.md §3 Session.token_count, §4.5.4 Token accounting
	TokenCount int64     `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

type sessionEntry struct {
	descriptor SessionDescriptor
	reactor    *session.LinearReactor
}

// SessionManager owns every session the daemon has created: a
// concurrent map keyed by session id, with per-session state owned by
// its map entry, and the meta.json persistence boundary.
//
// Reference: spec.md §4.6 Session persistence boundary, §5 Shared-
// resource policy
type SessionManager struct {
	clk    clock.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewSessionManager constructs an empty SessionManager. logger may be
// nil.
func NewSessionManager(clk clock.Clock, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{clk: clk, logger: logger, sessions: make(map[string]*sessionEntry)}
}

// Create starts a new session rooted at kiln, persists its descriptor,
// and pushes SessionStarted on its reactor.
func (m *SessionManager) Create(ctx context.Context, sessionType, kiln string) (SessionDescriptor, error) {
	if kiln == "" {
		return SessionDescriptor{}, errkind.New(errkind.Validation, "session.create requires a non-empty kiln path")
	}

	id := uuid.NewString()
	descriptor := SessionDescriptor{SessionID: id, Type: sessionType, Kiln: kiln, State: SessionActive, CreatedAt: m.clk.Now()}

	ring := session.NewRing(1024, m.clk)
	chain := session.NewChain(m.logger)
	reactor := session.NewLinearReactor(ring, chain, m.logger, nil)
	if _, err := reactor.OnSessionStart(ctx, map[string]string{"session_id": id, "folder": kiln}); err != nil {
		return SessionDescriptor{}, err
	}
	descriptor.TokenCount = reactor.TokenCount()

	if err := m.persist(descriptor); err != nil {
		return SessionDescriptor{}, err
	}

	m.mu.Lock()
	m.sessions[id] = &sessionEntry{descriptor: descriptor, reactor: reactor}
	m.mu.Unlock()

	return descriptor, nil
}

// snapshot returns entry's descriptor with TokenCount refreshed from
// the reactor's live running total.
func snapshot(entry *sessionEntry) SessionDescriptor {
	d := entry.descriptor
	d.TokenCount = entry.reactor.TokenCount()
	return d
}

// Get returns the descriptor for sessionID.
func (m *SessionManager) Get(sessionID string) (SessionDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		return SessionDescriptor{}, false
	}
	return snapshot(entry), true
}

// List returns every session's descriptor.
func (m *SessionManager) List() []SessionDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionDescriptor, 0, len(m.sessions))
	for _, entry := range m.sessions {
		out = append(out, snapshot(entry))
	}
	return out
}

// Pause transitions sessionID to SessionPaused.
func (m *SessionManager) Pause(sessionID string) (SessionState, error) {
	return m.transition(sessionID, SessionPaused)
}

// Resume transitions sessionID back to SessionActive.
func (m *SessionManager) Resume(sessionID string) (SessionState, error) {
	return m.transition(sessionID, SessionActive)
}

// End transitions sessionID to SessionEnded and pushes SessionEnded on
// its reactor.
func (m *SessionManager) End(ctx context.Context, sessionID, reason string) (SessionState, error) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", errkind.New(errkind.NotFound, "unknown session: "+sessionID)
	}
	entry.descriptor.State = SessionEnded
	reactor := entry.reactor
	m.mu.Unlock()

	if _, err := reactor.OnSessionEnd(ctx, reason); err != nil {
		return "", err
	}

	m.mu.Lock()
	descriptor := snapshot(entry)
	m.mu.Unlock()

	if err := m.persist(descriptor); err != nil {
		return "", err
	}
	return SessionEnded, nil
}

func (m *SessionManager) transition(sessionID string, state SessionState) (SessionState, error) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", errkind.New(errkind.NotFound, "unknown session: "+sessionID)
	}
	entry.descriptor.State = state
	descriptor := snapshot(entry)
	m.mu.Unlock()

	if err := m.persist(descriptor); err != nil {
		return "", err
	}
	return state, nil
}

// ConfigureAgent attaches or replaces sessionID's agent configuration.
func (m *SessionManager) ConfigureAgent(sessionID string, agent AgentConfig) error {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return errkind.New(errkind.NotFound, "unknown session: "+sessionID)
	}
	entry.descriptor.Agent = &agent
	descriptor := snapshot(entry)
	m.mu.Unlock()

	return m.persist(descriptor)
}

// SwitchModel updates sessionID's agent model id in place. It fails if
// the session has no configured agent.
func (m *SessionManager) SwitchModel(sessionID, modelID string) error {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return errkind.New(errkind.NotFound, "unknown session: "+sessionID)
	}
	if entry.descriptor.Agent == nil {
		m.mu.Unlock()
		return errkind.New(errkind.Validation, "session has no configured agent to switch the model on")
	}
	entry.descriptor.Agent.Model = modelID
	descriptor := snapshot(entry)
	m.mu.Unlock()

	return m.persist(descriptor)
}

// metaPath returns <kiln>/.crucible/sessions/<session_id>/meta.json.
func metaPath(kiln, sessionID string) string {
	return filepath.Join(kiln, ".crucible", "sessions", sessionID, "meta.json")
}

// persist writes d's meta.json atomically: write-temp then rename,
// matching the storage backends' atomic-write idiom.
func (m *SessionManager) persist(d SessionDescriptor) error {
	path := metaPath(d.Kiln, d.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errkind.Wrap(errkind.Io, "create session directory", err)
	}

	payload, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.Io, "marshal session descriptor", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errkind.Wrap(errkind.Io, "write session meta temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errkind.Wrap(errkind.Io, "rename session meta temp file", err)
	}

	m.logger.Debug("persisted session descriptor",
		zap.String("session_id", d.SessionID), zap.String("state", string(d.State)),
		zap.Time("persisted_at", m.clk.Now()))
	return nil
}

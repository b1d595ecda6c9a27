// Package session implements the Session Reactor (C5): a bounded event
// ring, a topologically-ordered handler chain, and the LinearReactor
// that wraps both behind a small public surface the daemon RPC layer
// drives.
//
// Reference: spec.md §4.5 Session Reactor
package session

import "time"

// Kind discriminates the tagged session-event variant.
type Kind string

const (
	KindMessageReceived        Kind = "message_received"
	KindAgentResponded         Kind = "agent_responded"
	KindAgentThinking          Kind = "agent_thinking"
	KindToolCalled             Kind = "tool_called"
	KindToolCompleted          Kind = "tool_completed"
	KindSubagentSpawned        Kind = "subagent_spawned"
	KindSubagentCompleted      Kind = "subagent_completed"
	KindSubagentFailed         Kind = "subagent_failed"
	KindNoteCreated            Kind = "note_created"
	KindNoteModified           Kind = "note_modified"
	KindNoteParsed             Kind = "note_parsed"
	KindFileChanged            Kind = "file_changed"
	KindFileDeleted            Kind = "file_deleted"
	KindFileMoved              Kind = "file_moved"
	KindEntityStored           Kind = "entity_stored"
	KindEntityDeleted          Kind = "entity_deleted"
	KindBlocksUpdated          Kind = "blocks_updated"
	KindEmbeddingRequested     Kind = "embedding_requested"
	KindEmbeddingStored        Kind = "embedding_stored"
	KindEmbeddingFailed        Kind = "embedding_failed"
	KindEmbeddingBatchComplete Kind = "embedding_batch_complete"
	KindSessionStarted         Kind = "session_started"
	KindSessionEnded           Kind = "session_ended"
	KindSessionCompacted       Kind = "session_compacted"
	KindCustom                 Kind = "custom"
	KindPreToolCall            Kind = "pre_tool_call"
	KindPreLlmCall             Kind = "pre_llm_call"
	KindAwaitingInput          Kind = "awaiting_input"
	KindInteractionRequested   Kind = "interaction_requested"
	KindInteractionCompleted   Kind = "interaction_completed"
	KindTextDelta              Kind = "text_delta"
)

// Event is one entry in the ring: a stable sequence number (assigned by
// the ring on append), a kind discriminator, and a kind-specific
// payload. Sequence is strictly monotone; a session's first event is
// SessionStarted, and its final event, if present, is SessionEnded.
type Event struct {
	Seq       uint64
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

type MessageReceivedPayload struct {
	ParticipantID string
	Content       string
}

type AgentRespondedPayload struct {
	Content string
}

type AgentThinkingPayload struct {
	Content string
}

type ToolCalledPayload struct {
	ToolName string
	Args     map[string]string
}

type ToolCompletedPayload struct {
	ToolName string
	Result   string
	Error    string
}

type SubagentSpawnedPayload struct{ SubagentID string }
type SubagentCompletedPayload struct{ SubagentID string }
type SubagentFailedPayload struct {
	SubagentID string
	Reason     string
}

type NoteCreatedPayload struct{ RelativePath string }
type NoteModifiedPayload struct{ RelativePath string }
type NoteParsedPayload struct{ RelativePath string }

type FileChangedPayload struct{ RelativePath string }
type FileDeletedPayload struct{ RelativePath string }
type FileMovedPayload struct {
	FromPath string
	ToPath   string
}

type EntityStoredPayload struct{ EntityID string }
type EntityDeletedPayload struct{ EntityID string }

type BlocksUpdatedPayload struct{ Count int }

type EmbeddingRequestedPayload struct{ RelativePath string }
type EmbeddingStoredPayload struct{ RelativePath string }
type EmbeddingFailedPayload struct {
	RelativePath string
	Reason       string
}
type EmbeddingBatchCompletePayload struct {
	BatchID string
	Count   int
}

type SessionStartedPayload struct{ Config map[string]string }
type SessionEndedPayload struct{ Reason string }
type SessionCompactedPayload struct{ Summary string }

type CustomPayload struct {
	Name    string
	Payload map[string]string
}

type PreToolCallPayload struct{ ToolName string }
type PreLlmCallPayload struct{ Model string }
type AwaitingInputPayload struct{ Prompt string }
type InteractionRequestedPayload struct{ InteractionID string }
type InteractionCompletedPayload struct{ InteractionID string }
type TextDeltaPayload struct{ Delta string }

// NewMessageReceived constructs a MessageReceived event. Seq and
// Timestamp are assigned by Ring.Push.
func NewMessageReceived(participantID, content string) Event {
	return Event{Kind: KindMessageReceived, Payload: MessageReceivedPayload{ParticipantID: participantID, Content: content}}
}

func NewAgentResponded(content string) Event {
	return Event{Kind: KindAgentResponded, Payload: AgentRespondedPayload{Content: content}}
}

func NewAgentThinking(content string) Event {
	return Event{Kind: KindAgentThinking, Payload: AgentThinkingPayload{Content: content}}
}

func NewToolCalled(toolName string, args map[string]string) Event {
	return Event{Kind: KindToolCalled, Payload: ToolCalledPayload{ToolName: toolName, Args: args}}
}

func NewToolCompleted(toolName, result, errMessage string) Event {
	return Event{Kind: KindToolCompleted, Payload: ToolCompletedPayload{ToolName: toolName, Result: result, Error: errMessage}}
}

func NewSessionStarted(config map[string]string) Event {
	return Event{Kind: KindSessionStarted, Payload: SessionStartedPayload{Config: config}}
}

func NewSessionEnded(reason string) Event {
	return Event{Kind: KindSessionEnded, Payload: SessionEndedPayload{Reason: reason}}
}

func NewSessionCompacted(summary string) Event {
	return Event{Kind: KindSessionCompacted, Payload: SessionCompactedPayload{Summary: summary}}
}

func NewCustom(name string, payload map[string]string) Event {
	return Event{Kind: KindCustom, Payload: CustomPayload{Name: name, Payload: payload}}
}

func NewTextDelta(delta string) Event {
	return Event{Kind: KindTextDelta, Payload: TextDeltaPayload{Delta: delta}}
}

// Package journal – events.go defines the journal event vocabulary.
// Every record that reaches journal.jsonl is one of the event types below,
// serialized as a single compact JSON line.
package journal

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of a journal record.
type EventType string

const (
	EventRunStart           EventType = "RUN_START"
	EventThought            EventType = "THOUGHT"
	EventActionRequest      EventType = "ACTION_REQUEST"
	EventActionResult       EventType = "ACTION_RESULT"
	EventSystemMessage      EventType = "SYSTEM_MESSAGE"
	EventHookExecutionAudit EventType = "HOOK_EXECUTION_AUDIT"
	EventRunEnd             EventType = "RUN_END"
)

// ActionStatus classifies the outcome of one tool call.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "SUCCESS"
	ActionFailed  ActionStatus = "FAILED"
	ActionError   ActionStatus = "ERROR"
)

// RunStatus is the lifecycle state recorded in metadata and RUN_END.
type RunStatus string

const (
	StatusRunning         RunStatus = "RUNNING"
	StatusCompleted       RunStatus = "COMPLETED"
	StatusFailed          RunStatus = "FAILED"
	StatusInterrupted     RunStatus = "INTERRUPTED"
	StatusWaitingForInput RunStatus = "WAITING_FOR_INPUT"
)

// Event is one journal record. Seq is assigned by the engine loop and is
// strictly increasing, gap-free, starting at 1. Timestamp is RFC3339 UTC.
type Event struct {
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"timestamp"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// RunStartPayload opens every journal (exactly once).
type RunStartPayload struct {
	Task     string `json:"task"`
	AgentRef string `json:"agent_ref"`
}

// ThoughtPayload records one reasoning step. Content may be empty when the
// model emitted tool calls without accompanying text.
type ThoughtPayload struct {
	Content          string `json:"content"`
	LLMInvocationRef string `json:"llm_invocation_ref"`
}

// ActionRequestPayload records a tool call proposed by the model.
// ResolvedCommand is a human-readable rendering, not used for execution.
type ActionRequestPayload struct {
	ActionID        string         `json:"action_id"`
	ToolName        string         `json:"tool_name"`
	ToolArgs        map[string]any `json:"tool_args"`
	ResolvedCommand string         `json:"resolved_command"`
}

// ActionResultPayload records the observation for a prior ACTION_REQUEST.
// ExecutionRef is nil when no tool execution was attempted (skip, missing
// tool, ask_human); a spawn failure still carries the ref of its capture.
type ActionResultPayload struct {
	ActionID           string       `json:"action_id"`
	Status             ActionStatus `json:"status"`
	ObservationContent string       `json:"observation_content"`
	ExecutionRef       *string      `json:"execution_ref"`
}

// SystemMessagePayload carries engine-level diagnostics into the journal so
// the history a model replays includes what the engine did on its behalf.
type SystemMessagePayload struct {
	Level   string `json:"level"` // INFO, WARN, ERROR
	Message string `json:"message"`
}

// HookExecutionAuditPayload records one lifecycle hook invocation.
type HookExecutionAuditPayload struct {
	HookName   string `json:"hook_name"`
	Status     string `json:"status"` // SUCCESS or FAILED
	IOPathRef  string `json:"io_path_ref"`
	DurationMs int64  `json:"duration_ms"`
}

// RunEndPayload closes a liveness cycle of the run.
type RunEndPayload struct {
	Status        RunStatus `json:"status"`
	FinalResponse string    `json:"final_response,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// NewEvent assembles an event with the current UTC timestamp.
func NewEvent(seq uint64, typ EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", typ, err)
	}
	return Event{
		Seq:       seq,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      typ,
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals an event payload into the given struct.
func DecodePayload(ev Event, into any) error {
	if err := json.Unmarshal(ev.Payload, into); err != nil {
		return fmt.Errorf("decoding %s payload (seq %d): %w", ev.Type, ev.Seq, err)
	}
	return nil
}

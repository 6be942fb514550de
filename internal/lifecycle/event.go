// Package lifecycle defines the event model shared by the ingestion path,
// the replay client, and the persistence layer. An Event is one reported
// occurrence in an agent's execution: session start, prompt submitted, tool
// invoked, tool finished or failed, run stopped.
package lifecycle

import (
	"encoding/json"
	"time"
)

// Kind identifies a hook event reported by an agent.
type Kind string

const (
	KindSessionStart  Kind = "SessionStart"
	KindPromptSubmit  Kind = "UserPromptSubmit"
	KindPreToolUse    Kind = "PreToolUse"
	KindSubagentStart Kind = "SubagentStart"
	KindPostToolUse   Kind = "PostToolUse"
	KindSubagentStop  Kind = "SubagentStop"
	KindToolFailure   Kind = "PostToolUseFailure"
	KindStop          Kind = "Stop"
)

// AllKinds returns the known hook event kinds in lifecycle order.
func AllKinds() []Kind {
	return []Kind{
		KindSessionStart,
		KindPromptSubmit,
		KindPreToolUse,
		KindPostToolUse,
		KindToolFailure,
		KindStop,
		KindSubagentStart,
		KindSubagentStop,
	}
}

// Known reports whether k is a recognized hook event kind. Unknown kinds
// are stored for audit but produce no state transition.
func (k Kind) Known() bool {
	switch k {
	case KindSessionStart, KindPromptSubmit, KindPreToolUse, KindSubagentStart,
		KindPostToolUse, KindSubagentStop, KindToolFailure, KindStop:
		return true
	}
	return false
}

// IsToolBegin reports whether k opens a tool or subagent invocation.
func (k Kind) IsToolBegin() bool {
	return k == KindPreToolUse || k == KindSubagentStart
}

// IsToolEnd reports whether k closes a tool or subagent invocation successfully.
func (k Kind) IsToolEnd() bool {
	return k == KindPostToolUse || k == KindSubagentStop
}

// IsToolFailure reports whether k closes a tool invocation as failed.
func (k Kind) IsToolFailure() bool {
	return k == KindToolFailure
}

// Event is one immutable lifecycle event. Seq is the append-order identity
// assigned by the store at insert time; it is the total order used for
// replay even when timestamps tie or regress.
type Event struct {
	Seq          int64           `json:"seq,omitempty"`
	AgentID      string          `json:"agent_id"`
	Kind         Kind            `json:"hook_event"`
	Timestamp    time.Time       `json:"timestamp"`
	SessionID    string          `json:"session_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolInput    string          `json:"tool_input,omitempty"`
	ToolResponse string          `json:"tool_response,omitempty"`
	StopReason   string          `json:"stop_reason,omitempty"`
	LastMessage  string          `json:"last_message,omitempty"`
	RawPayload   json.RawMessage `json:"raw_payload,omitempty"`
}

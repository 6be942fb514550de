package lifecycle

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Truncation caps for externally supplied text fields. Payloads come from
// agent hooks and must not grow storage unbounded.
const (
	MaxToolInput    = 1000
	MaxToolResponse = 500
	MaxLastMessage  = 2000
	MaxSummary      = 200

	truncationMarker = "..."
)

// Truncate caps s at max bytes, cutting on a rune boundary, and appends
// a marker so a reader can tell the field was cut. max <= 0 returns s
// unchanged.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

// RawEnvelope is the wire shape posted by the hook forwarder:
// {agent_id, hook_event, timestamp, data:{...}}.
type RawEnvelope struct {
	AgentID   string          `json:"agent_id"`
	HookEvent string          `json:"hook_event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// rawData is the lenient inner payload. Hooks emit snake_case, older
// forwarders emitted camelCase; both are accepted.
type rawData struct {
	SessionID       string          `json:"session_id"`
	SessionIDCamel  string          `json:"sessionId"`
	ToolName        string          `json:"tool_name"`
	ToolNameCamel   string          `json:"toolName"`
	ToolInput       json.RawMessage `json:"tool_input"`
	ToolInputCamel  json.RawMessage `json:"toolInput"`
	Prompt          json.RawMessage `json:"prompt"`
	Message         json.RawMessage `json:"message"`
	ToolResp        json.RawMessage `json:"tool_response"`
	ToolRespCamel   json.RawMessage `json:"toolResponse"`
	StopReason      string          `json:"stop_reason"`
	StopReasonCamel string          `json:"stopReason"`
	LastAssistant   json.RawMessage `json:"last_assistant_message"`
	LastMessage     json.RawMessage `json:"last_message"`
	LastMsgCamel    json.RawMessage `json:"lastMessage"`
}

// Normalize converts a raw ingestion payload into an Event. It never fails:
// missing or unparseable fields degrade to zero values and the raw payload
// is preserved verbatim, because losing observability data is worse than
// storing a partial record. now supplies the fallback timestamp for
// unparseable or absent timestamps.
func Normalize(body []byte, now time.Time) Event {
	var env RawEnvelope
	_ = json.Unmarshal(body, &env)

	ev := Event{
		AgentID: env.AgentID,
		Kind:    Kind(env.HookEvent),
	}
	if ev.AgentID == "" {
		ev.AgentID = "unknown"
	}
	if ev.Kind == "" {
		ev.Kind = "unknown"
	}

	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		ts = now
	}
	ev.Timestamp = ts.UTC()

	if len(env.Data) > 0 {
		var d rawData
		_ = json.Unmarshal(env.Data, &d)
		ev.SessionID = firstNonEmpty(d.SessionID, d.SessionIDCamel)
		ev.ToolName = firstNonEmpty(d.ToolName, d.ToolNameCamel)
		ev.ToolInput = Truncate(stringify(d.ToolInput, d.ToolInputCamel, d.Prompt, d.Message), MaxToolInput)
		ev.ToolResponse = Truncate(stringify(d.ToolResp, d.ToolRespCamel), MaxToolResponse)
		ev.StopReason = firstNonEmpty(d.StopReason, d.StopReasonCamel)
		ev.LastMessage = Truncate(stringify(d.LastAssistant, d.LastMessage, d.LastMsgCamel), MaxLastMessage)
		ev.RawPayload = env.Data
	}
	return ev
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// stringify returns the first non-empty candidate as plain text. String
// values are unquoted; any other JSON value is kept as its raw source.
func stringify(candidates ...json.RawMessage) string {
	for _, raw := range candidates {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}
	return ""
}

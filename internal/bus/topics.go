package bus

import (
	"time"

	"github.com/basket/clawmon/internal/lifecycle"
	"github.com/basket/clawmon/internal/state"
)

// Live feed topics.
const (
	// TopicEventIngested carries one message per stored lifecycle event.
	TopicEventIngested = "event.ingested"
	// TopicAgentStatusChanged carries the derived per-agent status after
	// each ingested event.
	TopicAgentStatusChanged = "agent.status_changed"
	// TopicAgentsRefresh is published by the liveness sweep when one or
	// more agents change offline state; the payload holds fresh snapshots
	// of every agent.
	TopicAgentsRefresh = "agents.refresh"
	// TopicUsageDigest carries the scheduled usage summary broadcast.
	TopicUsageDigest = "usage.digest"
)

// EventIngested is published on TopicEventIngested after an event is
// appended and reduced. Event.Seq is set; Status and CurrentTool are the
// derived values after the transition.
type EventIngested struct {
	Event       lifecycle.Event
	Status      state.Status
	CurrentTool string
}

// AgentStatusChanged is published on TopicAgentStatusChanged.
type AgentStatusChanged struct {
	AgentID     string
	Status      state.Status
	CurrentTool string
	LastEventAt time.Time
	Kind        lifecycle.Kind
}

// AgentSnapshot is one agent's materialized status row, used by the
// refresh broadcast and the websocket init message.
type AgentSnapshot struct {
	AgentID          string       `json:"agent_id"`
	Status           state.Status `json:"status"`
	CurrentSessionID string       `json:"current_session_id,omitempty"`
	CurrentTool      string       `json:"current_tool,omitempty"`
	LastEventAt      time.Time    `json:"last_event_at"`
	ToolCallCount    int64        `json:"tool_call_count"`
	MessageCount     int64        `json:"message_count"`
	ErrorCount       int64        `json:"error_count"`
}

// AgentsRefresh is published on TopicAgentsRefresh.
type AgentsRefresh struct {
	Agents []AgentSnapshot
}

// UsageDigest is published on TopicUsageDigest by the scheduled digest job.
type UsageDigest struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Agents      []AgentUsageSummary `json:"agents"`
}

// AgentUsageSummary is one agent's windowed usage in a digest.
type AgentUsageSummary struct {
	AgentID    string `json:"agent_id"`
	Tools5h    int64  `json:"tools_5h"`
	Msgs5h     int64  `json:"msgs_5h"`
	Errors5h   int64  `json:"errors_5h"`
	ToolsWeek  int64  `json:"tools_week"`
	MsgsWeek   int64  `json:"msgs_week"`
	ErrorsWeek int64  `json:"errors_week"`
}

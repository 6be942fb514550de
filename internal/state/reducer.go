// Package state implements the status reducer and task tracker: a pure,
// deterministic fold from an ordered lifecycle event stream to per-agent
// status, counters, and a task timeline. The same Reduce function drives
// live ingestion on the server and history replay in clients, so both
// converge to identical state for the same ordered input.
package state

import (
	"time"

	"github.com/basket/clawmon/internal/lifecycle"
)

// Status is the derived activity state of an agent.
type Status string

const (
	StatusOffline     Status = "offline"
	StatusIdle        Status = "idle"
	StatusActive      Status = "active"
	StatusToolRunning Status = "tool_running"
)

// Agent is the reducible per-agent state. Counters are lifetime and
// monotonic. The zero value (plus Status=offline) is the state of an agent
// before its first event.
type Agent struct {
	AgentID          string
	Status           Status
	CurrentSessionID string
	CurrentTool      string
	LastEventAt      time.Time
	ToolCallCount    int64
	MessageCount     int64
	ErrorCount       int64

	// In-flight prompt, recorded on UserPromptSubmit and finalized on Stop.
	PromptText  string
	PromptAt    time.Time
	HasPrompt   bool

	// Open tool invocations, newest last, keyed by tool name.
	// Close pops the most recently opened entry for the tool (LIFO).
	openTasks map[string][]OpenTask
}

// OpenTask is a tool or subagent invocation with no matching end event yet.
type OpenTask struct {
	SessionID    string
	ToolName     string
	InputSummary string
	StartedAt    time.Time
}

// NewAgent returns the initial state for an agent seen for the first time.
func NewAgent(agentID string) Agent {
	return Agent{AgentID: agentID, Status: StatusOffline}
}

// TaskOutcome is the terminal state of a closed task.
type TaskOutcome string

const (
	TaskCompleted TaskOutcome = "completed"
	TaskFailed    TaskOutcome = "failed"
)

// Effect is a side-effect intent derived by Reduce. The caller (live
// ingestion or replay) applies effects to its own task/counter tables;
// Reduce itself only mutates the returned Agent.
type Effect interface{ effect() }

// IncrMessages bumps the lifetime message counter.
type IncrMessages struct{}

// IncrTools bumps the lifetime tool invocation counter.
type IncrTools struct{}

// IncrErrors bumps the lifetime error counter.
type IncrErrors struct{}

// OpenTaskEffect records a new running task.
type OpenTaskEffect struct {
	Task OpenTask
}

// CloseTaskEffect closes the most recently opened running task for
// Task.ToolName. DurationMs is clamped to zero when the end timestamp
// precedes the start (clock skew or out-of-order delivery).
type CloseTaskEffect struct {
	Task          OpenTask
	Outcome       TaskOutcome
	EndedAt       time.Time
	DurationMs    int64
	ResultPreview string
}

// FinalizeRunEffect captures the completed unit of work on Stop: the
// closing message, stop reason, and elapsed time since the prompt.
type FinalizeRunEffect struct {
	Prompt     string
	PromptAt   time.Time
	StoppedAt  time.Time
	StopReason string
	Result     string
	ElapsedMs  int64
}

// ArchiveRunEffect marks an in-flight prompt as interrupted when a new
// session starts before the previous run stopped.
type ArchiveRunEffect struct {
	Prompt   string
	PromptAt time.Time
}

func (IncrMessages) effect()      {}
func (IncrTools) effect()         {}
func (IncrErrors) effect()        {}
func (OpenTaskEffect) effect()    {}
func (CloseTaskEffect) effect()   {}
func (FinalizeRunEffect) effect() {}
func (ArchiveRunEffect) effect()  {}

// Reduce applies one lifecycle event to the previous agent state and
// returns the next state plus derived side-effect intents. It is a pure
// function of (prev, ev): no wall clock, no I/O. Events of unrecognized
// kind leave the state unchanged and produce no effects. A tool-end or
// tool-failure with no matching open task is a no-op close.
func Reduce(prev Agent, ev lifecycle.Event) (Agent, []Effect) {
	next := prev
	next.LastEventAt = ev.Timestamp
	if ev.SessionID != "" {
		next.CurrentSessionID = ev.SessionID
	}

	var effects []Effect

	switch {
	case ev.Kind == lifecycle.KindSessionStart:
		if next.HasPrompt {
			effects = append(effects, ArchiveRunEffect{Prompt: next.PromptText, PromptAt: next.PromptAt})
		}
		next.Status = StatusIdle
		next.CurrentTool = ""
		next.PromptText = ""
		next.HasPrompt = false

	case ev.Kind == lifecycle.KindPromptSubmit:
		next.Status = StatusActive
		next.CurrentTool = ""
		next.PromptText = ev.ToolInput
		next.PromptAt = ev.Timestamp
		next.HasPrompt = true
		effects = append(effects, IncrMessages{})

	case ev.Kind.IsToolBegin():
		next.Status = StatusToolRunning
		next.CurrentTool = ev.ToolName
		task := OpenTask{
			SessionID:    ev.SessionID,
			ToolName:     ev.ToolName,
			InputSummary: lifecycle.Truncate(ev.ToolInput, lifecycle.MaxSummary),
			StartedAt:    ev.Timestamp,
		}
		next.pushTask(task)
		effects = append(effects, IncrTools{}, OpenTaskEffect{Task: task})

	case ev.Kind.IsToolEnd():
		next.Status = StatusActive
		next.CurrentTool = ""
		if task, ok := next.popTask(ev.ToolName); ok {
			effects = append(effects, closeEffect(task, TaskCompleted, ev))
		}

	case ev.Kind.IsToolFailure():
		next.Status = StatusActive
		next.CurrentTool = ""
		effects = append(effects, IncrErrors{})
		if task, ok := next.popTask(ev.ToolName); ok {
			effects = append(effects, closeEffect(task, TaskFailed, ev))
		}

	case ev.Kind == lifecycle.KindStop:
		next.Status = StatusIdle
		next.CurrentTool = ""
		if next.HasPrompt {
			effects = append(effects, FinalizeRunEffect{
				Prompt:     next.PromptText,
				PromptAt:   next.PromptAt,
				StoppedAt:  ev.Timestamp,
				StopReason: ev.StopReason,
				Result:     ev.LastMessage,
				ElapsedMs:  clampMs(ev.Timestamp.Sub(next.PromptAt)),
			})
			next.PromptText = ""
			next.HasPrompt = false
		}

	default:
		// Unrecognized kind: stored for audit upstream, no transition here.
		return prev, nil
	}

	return next, effects
}

func closeEffect(task OpenTask, outcome TaskOutcome, ev lifecycle.Event) CloseTaskEffect {
	return CloseTaskEffect{
		Task:          task,
		Outcome:       outcome,
		EndedAt:       ev.Timestamp,
		DurationMs:    clampMs(ev.Timestamp.Sub(task.StartedAt)),
		ResultPreview: lifecycle.Truncate(ev.ToolResponse, lifecycle.MaxSummary),
	}
}

func clampMs(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// pushTask appends an open invocation for its tool. The copy-on-write of
// the map keeps Reduce referentially safe for callers that retain prev.
func (a *Agent) pushTask(task OpenTask) {
	stacks := make(map[string][]OpenTask, len(a.openTasks)+1)
	for k, v := range a.openTasks {
		stacks[k] = v
	}
	stack := make([]OpenTask, len(stacks[task.ToolName]), len(stacks[task.ToolName])+1)
	copy(stack, stacks[task.ToolName])
	stacks[task.ToolName] = append(stack, task)
	a.openTasks = stacks
}

// popTask removes and returns the most recently opened running task for
// the tool. Tool invocations carry no unique call id, so the newest open
// entry is "the" match; overlapping same-named calls on one agent close
// newest-first. Returns false when nothing is open for the tool.
func (a *Agent) popTask(toolName string) (OpenTask, bool) {
	stack := a.openTasks[toolName]
	if len(stack) == 0 {
		return OpenTask{}, false
	}
	task := stack[len(stack)-1]
	stacks := make(map[string][]OpenTask, len(a.openTasks))
	for k, v := range a.openTasks {
		stacks[k] = v
	}
	if len(stack) == 1 {
		delete(stacks, toolName)
	} else {
		stacks[toolName] = stack[:len(stack)-1:len(stack)-1]
	}
	a.openTasks = stacks
	return task, true
}

// OpenTaskCount returns the number of open invocations across all tools.
func (a *Agent) OpenTaskCount() int {
	n := 0
	for _, stack := range a.openTasks {
		n += len(stack)
	}
	return n
}

// Package v1 contains the shared API types exchanged between the
// orchestrator components and its callers.
package v1

import "time"

// Complexity classifies requested work; it scales timeout and stall budgets.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Valid reports whether c is a known complexity tier.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexityTrivial, ComplexityModerate, ComplexityComplex:
		return true
	}
	return false
}

// TaskRequest describes one unit of work requested for a chat.
// It is created by the caller, never mutated, and consumed once by the
// executor.
type TaskRequest struct {
	ChatID        int64      `json:"chat_id"`
	Task          string     `json:"task"`
	Context       string     `json:"context,omitempty"`
	Complexity    Complexity `json:"complexity"`
	RawMessage    string     `json:"raw_message,omitempty"`
	MemoryContext string     `json:"memory_context,omitempty"`
	WorkDir       string     `json:"work_dir"`
	// ResumeSessionID carries the agent session handle when re-running an
	// interrupted task. Empty for fresh work.
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// QueuedTask is a TaskRequest waiting for its chat to become free.
type QueuedTask struct {
	ID       string      `json:"id"`
	QueuedAt time.Time   `json:"queued_at"`
	Request  TaskRequest `json:"request"`
}

// ActiveTaskRecord is the durable record of a task currently in flight.
// A record that survives a process restart marks a crashed invocation;
// SessionID, once set, is the handle to resume it.
type ActiveTaskRecord struct {
	ID         string     `json:"id"`
	ChatID     int64      `json:"chat_id"`
	SessionID  string     `json:"session_id,omitempty"`
	Task       string     `json:"task"`
	Complexity Complexity `json:"complexity"`
	WorkDir    string     `json:"work_dir"`
	StartedAt  time.Time  `json:"started_at"`
}

// PendingPlan is an unapproved plan produced by a plan-phase run.
// At most one exists per chat.
type PendingPlan struct {
	ChatID        int64      `json:"chat_id"`
	Task          string     `json:"task"`
	Context       string     `json:"context,omitempty"`
	PlanText      string     `json:"plan_text"`
	Complexity    Complexity `json:"complexity"`
	ProjectDir    string     `json:"project_dir"`
	RawMessage    string     `json:"raw_message,omitempty"`
	MemoryContext string     `json:"memory_context,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	RevisionCount int        `json:"revision_count"`
}

// StreamEventType identifies the kind of activity parsed from the agent's
// output stream.
type StreamEventType string

const (
	StreamEventFileRead   StreamEventType = "file_read"
	StreamEventFileEdit   StreamEventType = "file_edit"
	StreamEventFileWrite  StreamEventType = "file_write"
	StreamEventCommand    StreamEventType = "command"
	StreamEventInfo       StreamEventType = "info"
	StreamEventWarning    StreamEventType = "warning"
	StreamEventError      StreamEventType = "error"
	StreamEventStatusText StreamEventType = "status_text"
)

// StreamEvent is one typed progress event derived from the agent's
// structured output. Events are ephemeral and never persisted.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Detail    string          `json:"detail"`
	Extra     string          `json:"extra,omitempty"`
}

// ExecutorResult is the terminal value of an execute-phase run. Failures are
// encoded here rather than returned as errors.
type ExecutorResult struct {
	Success      bool          `json:"success"`
	Result       string        `json:"result"`
	CostUSD      float64       `json:"cost_usd"`
	Duration     time.Duration `json:"duration"`
	NeedsRestart bool          `json:"needs_restart"`
}

// PlanResult is the outcome of a successful plan-phase run.
type PlanResult struct {
	PlanText string        `json:"plan_text"`
	CostUSD  float64       `json:"cost_usd"`
	Duration time.Duration `json:"duration"`
}

// AgentPhase is the lifecycle phase of a registered invocation.
type AgentPhase string

const (
	AgentPhasePlanning  AgentPhase = "planning"
	AgentPhaseExecuting AgentPhase = "executing"
	AgentPhaseCompleted AgentPhase = "completed"
	AgentPhaseFailed    AgentPhase = "failed"
)

// Terminal reports whether the phase is final.
func (p AgentPhase) Terminal() bool {
	return p == AgentPhaseCompleted || p == AgentPhaseFailed
}

// AgentEntry is the registry's view of one invocation.
type AgentEntry struct {
	ID             string     `json:"id"`
	Role           string     `json:"role"`
	ChatID         int64      `json:"chat_id"`
	Description    string     `json:"description"`
	Phase          AgentPhase `json:"phase"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Success        *bool      `json:"success,omitempty"`
	CostUSD        *float64   `json:"cost_usd,omitempty"`
	Progress       string     `json:"progress,omitempty"`
	Output         []string   `json:"output,omitempty"`
}

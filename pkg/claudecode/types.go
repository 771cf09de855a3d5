package claudecode

import (
	"strings"
	"time"
)

// Message types emitted by the Claude Code CLI in stream-json mode.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool use from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool results back to the assistant
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message
	MessageTypeResult = "result"
)

// SubtypeInit identifies the first system record of a session.
const SubtypeInit = "init"

// Tool names used by Claude Code.
const (
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolEdit         = "Edit"
	ToolWrite        = "Write"
	ToolNotebookEdit = "NotebookEdit"
	ToolBash         = "Bash"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
	ToolTask         = "Task"
	ToolTodoWrite    = "TodoWrite"
)

// ReadOnlyTools is the allow-list for plan-phase runs: investigation only,
// no file or command mutation.
var ReadOnlyTools = []string{ToolRead, ToolGlob, ToolGrep, ToolWebFetch, ToolWebSearch}

// CLIMessage is one newline-delimited record from the CLI's stdout.
type CLIMessage struct {
	Type      string            `json:"type"`
	Subtype   string            `json:"subtype,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Message   *AssistantMessage `json:"message,omitempty"`

	// Result-record fields
	Result      string  `json:"result,omitempty"`
	IsError     bool    `json:"is_error,omitempty"`
	TotalCost   float64 `json:"total_cost_usd,omitempty"`
	DurationMS  int64   `json:"duration_ms,omitempty"`
	NumTurns    int     `json:"num_turns,omitempty"`
	Error       string  `json:"error,omitempty"`
	ErrorDetail string  `json:"error_message,omitempty"`
}

// AssistantMessage contains the assistant's response content blocks.
type AssistantMessage struct {
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one block of an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Options configures one CLI invocation.
type Options struct {
	// Binary is the CLI executable; empty means "claude".
	Binary string
	// Model identifier, passed through when set.
	Model string
	// SystemPrompt is appended to the CLI's own system prompt.
	SystemPrompt string
	// WorkDir is the working directory for the agent process.
	WorkDir string
	// AllowedTools is the tool allow-list. An empty list disables all tools.
	AllowedTools []string
	// ResumeSessionID resumes a previous session when set.
	ResumeSessionID string
	// OnActivity is called for every record read from the agent.
	OnActivity func()
	// OnRawLine receives every raw stdout line, including the trailing newline.
	OnRawLine func(line string)
}

// Result is the terminal value of one invocation.
type Result struct {
	Text      string
	SessionID string
	CostUSD   float64
	Duration  time.Duration
	IsError   bool
}

// transientMarkers are error-message fragments that indicate a failure class
// presumed likely to succeed on immediate retry.
var transientMarkers = []string{
	"429",
	"rate limit",
	"rate_limit",
	"too many requests",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"econnreset",
	"etimedout",
	"overloaded",
	"529",
	"500",
	"502",
	"503",
	"504",
	"bad gateway",
	"service unavailable",
	"internal server error",
}

// IsTransientError reports whether the error looks like a rate-limit,
// network, or upstream-overload failure worth a single retry.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// sessionExpiredMarkers indicate that a resume handle is no longer valid.
var sessionExpiredMarkers = []string{
	"no conversation found",
	"session not found",
	"session expired",
	"unknown session",
	"cannot resume",
}

// IsSessionExpiredError reports whether the error means the resume session
// id is stale. The caller retries once without the session id.
func IsSessionExpiredError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range sessionExpiredMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

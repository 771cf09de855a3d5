// Package events provides event subjects and utilities for the codeherd
// event system.
package events

import "fmt"

// Event types for agent invocations. These are the registry's change feed.
const (
	AgentRegistered = "agent.registered"
	AgentUpdated    = "agent.updated"
	AgentOutput     = "agent.output"
	AgentCompleted  = "agent.completed"
	AgentFailed     = "agent.failed"
)

// Event types for the per-chat task queue.
const (
	TaskQueued    = "task.queued"
	TaskDequeued  = "task.dequeued"
	TaskRejected  = "task.rejected"
	TaskCancelled = "task.cancelled"
)

// Event types for pending plans.
const (
	PlanCreated   = "plan.created"
	PlanApproved  = "plan.approved"
	PlanCancelled = "plan.cancelled"
)

// Event types for crash recovery.
const (
	TaskInterrupted = "task.interrupted"
)

// ChatStatus carries human-readable progress lines addressed to one chat.
const ChatStatus = "chat.status"

// RestartNeeded is published when a finished task reports that the service
// itself must restart to pick up its own changes.
const RestartNeeded = "system.restart_needed"

// BuildAgentSubject returns the per-run subject for an agent event,
// e.g. agent.updated.<runID>.
func BuildAgentSubject(eventType, runID string) string {
	return fmt.Sprintf("%s.%s", eventType, runID)
}

// BuildAgentWildcardSubject returns the wildcard subject matching every
// agent event for every run.
func BuildAgentWildcardSubject() string {
	return "agent.>"
}

// BuildChatSubject returns the per-chat subject for a chat-addressed event,
// e.g. chat.status.12345.
func BuildChatSubject(eventType string, chatID int64) string {
	return fmt.Sprintf("%s.%d", eventType, chatID)
}

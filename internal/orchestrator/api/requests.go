package api

import v1 "github.com/codeherd/codeherd/pkg/api/v1"

// SubmitTaskRequest is the body for POST /tasks.
type SubmitTaskRequest struct {
	ChatID        int64  `json:"chat_id" binding:"required"`
	Task          string `json:"task" binding:"required"`
	Context       string `json:"context"`
	Complexity    string `json:"complexity"`
	RawMessage    string `json:"raw_message"`
	MemoryContext string `json:"memory_context"`
	WorkDir       string `json:"work_dir" binding:"required"`
}

// ToTaskRequest converts the API body to the internal request.
func (r *SubmitTaskRequest) ToTaskRequest() v1.TaskRequest {
	return v1.TaskRequest{
		ChatID:        r.ChatID,
		Task:          r.Task,
		Context:       r.Context,
		Complexity:    v1.Complexity(r.Complexity),
		RawMessage:    r.RawMessage,
		MemoryContext: r.MemoryContext,
		WorkDir:       r.WorkDir,
	}
}

// RevisePlanRequest is the body for POST /chats/:chatId/plan/revise.
type RevisePlanRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

// CancelQueuedRequest is the body for POST /chats/:chatId/queue/cancel.
type CancelQueuedRequest struct {
	Position int `json:"position" binding:"required"`
}

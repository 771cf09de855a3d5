package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Agent observation (request/response)
	ActionAgentList    = "agent.list"
	ActionAgentHistory = "agent.history"

	// Chat observation (request/response)
	ActionChatStatus = "chat.status"

	// Subscription actions
	ActionChatSubscribe   = "chat.subscribe"
	ActionChatUnsubscribe = "chat.unsubscribe"

	// Notification actions (server -> client), one per bus event family
	ActionAgentEvent  = "agent.event"
	ActionTaskEvent   = "task.event"
	ActionPlanEvent   = "plan.event"
	ActionChatEvent   = "chat.event"
	ActionSystemEvent = "system.event"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

package websocket

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/codeherd/codeherd/internal/common/logger"
	"github.com/codeherd/codeherd/internal/events/bus"
	v1 "github.com/codeherd/codeherd/pkg/api/v1"
	ws "github.com/codeherd/codeherd/pkg/websocket"
)

// Bridge forwards bus events to the hub as notifications. It subscribes to
// the full subject space; the hub handles per-chat fanout.
type Bridge struct {
	bus    bus.EventBus
	hub    *Hub
	sub    bus.Subscription
	logger *logger.Logger
}

// NewBridge creates a bridge between the event bus and the hub.
func NewBridge(eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Bridge {
	return &Bridge{
		bus:    eventBus,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_bridge")),
	}
}

// Start subscribes to all lifecycle events.
func (b *Bridge) Start(ctx context.Context) error {
	sub, err := b.bus.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		b.forward(event)
		return nil
	})
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

// Stop tears down the bus subscription.
func (b *Bridge) Stop() {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
		b.sub = nil
	}
}

// forward wraps a bus event as a notification and hands it to the hub.
func (b *Bridge) forward(event *bus.Event) {
	msg, err := ws.NewNotification(actionFor(event.Type), map[string]interface{}{
		"event_type": event.Type,
		"timestamp":  event.Timestamp,
		"data":       event.Data,
	})
	if err != nil {
		b.logger.Error("failed to build notification", zap.Error(err))
		return
	}
	b.hub.Broadcast(chatIDFrom(event), msg)
}

// actionFor maps an event type to its notification action by family.
func actionFor(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "agent."):
		return ws.ActionAgentEvent
	case strings.HasPrefix(eventType, "task."):
		return ws.ActionTaskEvent
	case strings.HasPrefix(eventType, "plan."):
		return ws.ActionPlanEvent
	case strings.HasPrefix(eventType, "chat."):
		return ws.ActionChatEvent
	default:
		return ws.ActionSystemEvent
	}
}

// chatIDFrom extracts the chat scope from event data. Events arriving over
// NATS have been through JSON, so numbers come back as float64.
func chatIDFrom(event *bus.Event) int64 {
	if id, ok := asInt64(event.Data["chat_id"]); ok {
		return id
	}
	// Registry events carry the entry itself.
	switch entry := event.Data["entry"].(type) {
	case map[string]interface{}:
		if id, ok := asInt64(entry["chat_id"]); ok {
			return id
		}
	case *v1.AgentEntry:
		return entry.ChatID
	}
	return 0
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Package websocket is the observer gateway: it fans lifecycle events out to
// connected WebSocket clients. Clients may subscribe to individual chats;
// a client with no subscriptions sees everything.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/codeherd/codeherd/internal/common/logger"
	ws "github.com/codeherd/codeherd/pkg/websocket"
)

// Hub manages all WebSocket client connections
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients subscribed to specific chats
	chatSubscribers map[int64]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for broadcasting notifications
	broadcast chan *outbound

	// Message dispatcher for request actions
	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// outbound pairs a notification with its chat scope. chatID 0 means
// unscoped: every client receives it.
type outbound struct {
	chatID int64
	msg    *ws.Message
}

// NewHub creates a new WebSocket hub
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:         make(map[*Client]bool),
		chatSubscribers: make(map[int64]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		broadcast:       make(chan *outbound, 256),
		dispatcher:      dispatcher,
		logger:          log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case out := <-h.broadcast:
			h.deliver(out)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a notification for delivery. chatID 0 reaches every
// client; otherwise only subscribers of that chat and clients with no
// subscriptions receive it.
func (h *Hub) Broadcast(chatID int64, msg *ws.Message) {
	select {
	case h.broadcast <- &outbound{chatID: chatID, msg: msg}:
	default:
		h.logger.Warn("broadcast buffer full, dropping notification")
	}
}

// SubscribeToChat subscribes a client to one chat's events.
func (h *Hub) SubscribeToChat(client *Client, chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.chatSubscribers[chatID]; !ok {
		h.chatSubscribers[chatID] = make(map[*Client]bool)
	}
	h.chatSubscribers[chatID][client] = true
	client.subscriptions[chatID] = true

	h.logger.Debug("Client subscribed to chat",
		zap.String("client_id", client.ID),
		zap.Int64("chat_id", chatID))
}

// UnsubscribeFromChat removes a client's chat subscription.
func (h *Hub) UnsubscribeFromChat(client *Client, chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, chatID)
	if clients, ok := h.chatSubscribers[chatID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.chatSubscribers, chatID)
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// deliver routes one notification to its audience.
func (h *Hub) deliver(out *outbound) {
	data, err := json.Marshal(out.msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if out.chatID != 0 && len(client.subscriptions) > 0 && !client.subscriptions[out.chatID] {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by the write pump.
		}
	}
}

// closeAllClients closes all client connections
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.chatSubscribers = make(map[int64]map[*Client]bool)
}

// removeClient removes a client from the hub
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for chatID := range client.subscriptions {
			if clients, ok := h.chatSubscribers[chatID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.chatSubscribers, chatID)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

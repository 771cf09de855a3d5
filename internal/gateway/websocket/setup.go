package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codeherd/codeherd/internal/common/logger"
	"github.com/codeherd/codeherd/internal/events/bus"
	"github.com/codeherd/codeherd/internal/orchestrator"
	"github.com/codeherd/codeherd/internal/orchestrator/registry"
	ws "github.com/codeherd/codeherd/pkg/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway is same-deployment tooling; origin policy is the
	// reverse proxy's job.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway owns the hub, the bus bridge, and the HTTP upgrade endpoint.
type Gateway struct {
	hub    *Hub
	bridge *Bridge
	logger *logger.Logger
}

// Setup builds the gateway: request handlers, hub, and bus bridge.
func Setup(service *orchestrator.Service, reg *registry.Registry, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()

	dispatcher.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"status": "ok"})
	})
	dispatcher.RegisterFunc(ws.ActionAgentList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"agents": reg.GetSnapshot(),
		})
	})
	dispatcher.RegisterFunc(ws.ActionAgentHistory, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"history": reg.History(),
		})
	})
	dispatcher.RegisterFunc(ws.ActionChatStatus, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req SubscribeRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if req.ChatID == 0 {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "chat_id is required", nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, service.Status(req.ChatID))
	})

	hub := NewHub(dispatcher, log)
	return &Gateway{
		hub:    hub,
		bridge: NewBridge(eventBus, hub, log),
		logger: log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// Start runs the hub loop and attaches the bus bridge.
func (g *Gateway) Start(ctx context.Context) error {
	go g.hub.Run(ctx)
	return g.bridge.Start(ctx)
}

// Stop detaches the bus bridge. The hub drains when its context ends.
func (g *Gateway) Stop() {
	g.bridge.Stop()
}

// Hub exposes the hub for direct broadcasting.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// RegisterRoutes mounts the upgrade endpoint.
func (g *Gateway) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", g.handleUpgrade)
}

// handleUpgrade upgrades the connection and starts the client pumps.
func (g *Gateway) handleUpgrade(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, g.hub, g.logger)
	g.hub.Register(client)

	// The request context dies with the upgrade; the pumps outlive it.
	go client.WritePump()
	go client.ReadPump(context.Background())
}

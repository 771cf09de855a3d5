package api

import (
	"github.com/gin-gonic/gin"

	"github.com/codeherd/codeherd/internal/common/logger"
	"github.com/codeherd/codeherd/internal/orchestrator"
	"github.com/codeherd/codeherd/internal/orchestrator/registry"
)

// SetupRoutes configures the orchestrator API routes
func SetupRoutes(router *gin.RouterGroup, service *orchestrator.Service, reg *registry.Registry, log *logger.Logger) {
	handler := NewHandler(service, reg, log)

	router.POST("/tasks", handler.SubmitTask)

	chats := router.Group("/chats/:chatId")
	{
		chats.GET("/status", handler.GetChatStatus)
		chats.POST("/cancel", handler.CancelRunning)
		chats.POST("/plan/approve", handler.ApprovePlan)
		chats.POST("/plan/revise", handler.RevisePlan)
		chats.POST("/plan/cancel", handler.CancelPlan)
		chats.POST("/queue/cancel", handler.CancelQueued)
	}

	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.GET("/history", handler.GetAgentHistory)
		agents.GET("/:agentId", handler.GetAgent)
	}

	interrupted := router.Group("/interrupted/:recordId")
	{
		interrupted.POST("/resume", handler.ResumeInterrupted)
		interrupted.POST("/dismiss", handler.DismissInterrupted)
	}
}

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentdeck/agentdeck/services/orchestrator/chat"
	"github.com/agentdeck/agentdeck/services/orchestrator/handlers"
)

// SetupRoutes wires the HTTP surface onto the router.
func SetupRoutes(router *gin.Engine, orc *chat.Orchestrator) {
	router.GET("/health", handlers.HealthCheck(orc))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		chats := v1.Group("/chat")
		{
			chats.POST("/start", handlers.HandleStartChat(orc))
			chats.POST("/:sessionId/message", handlers.HandleSendMessage(orc))
			chats.POST("/:sessionId/stream", handlers.HandleStreamMessage(orc))
			chats.GET("/:sessionId/history", handlers.HandleHistory(orc))
			chats.DELETE("/:sessionId", handlers.HandleClearChat(orc))
		}
		v1.GET("/chats", handlers.HandleListChats(orc))

		v1.GET("/config", handlers.HandleGetConfig(orc))
		v1.PUT("/config", handlers.HandleUpdateConfig(orc))

		v1.GET("/models", handlers.HandleListModels(orc))
		v1.GET("/providers/local/status", handlers.HandleLocalStatus(orc))
	}
}

package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/store"
)

// NewRouter assembles the HTTP surface of the web process.
func NewRouter(st store.Store, q queue.Queue, eb bus.EventBus, allowedDirs []string, log *logger.Logger) *gin.Engine {
	handler := NewHandler(st, q, eb, allowedDirs, log)

	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(Tracing("agendo-api"))
	router.Use(CORS())

	router.GET("/health", handler.Health)

	api := router.Group("/api")
	{
		executions := api.Group("/executions")
		{
			executions.POST("", handler.CreateExecution)
			executions.GET("/:executionId", handler.GetExecution)
			executions.POST("/:executionId/cancel", handler.CancelExecution)
			executions.POST("/:executionId/message", handler.PostExecutionMessage)
			executions.GET("/:executionId/logs/stream", handler.StreamExecutionLogs)
		}

		sessions := api.Group("/sessions")
		{
			sessions.POST("", handler.CreateSession)
			sessions.GET("/:sessionId", handler.GetSession)
			sessions.POST("/:sessionId/message", handler.PostSessionMessage)
			sessions.POST("/:sessionId/end", handler.EndSession)
			sessions.PUT("/:sessionId/permission-mode", handler.SetSessionPermissionMode)
			sessions.GET("/:sessionId/logs/stream", handler.StreamSessionLogs)
		}

		agents := api.Group("/agents")
		{
			agents.POST("", handler.CreateAgent)
			agents.GET("/:agentId", handler.GetAgent)
		}

		capabilities := api.Group("/capabilities")
		{
			capabilities.POST("", handler.CreateCapability)
			capabilities.GET("/:capabilityId", handler.GetCapability)
		}

		tasks := api.Group("/tasks")
		{
			tasks.POST("", handler.CreateTask)
			tasks.GET("/:taskId", handler.GetTask)
			tasks.PUT("/:taskId/status", handler.UpdateTaskStatus)
			tasks.GET("/:taskId/events", handler.ListTaskEvents)
		}
	}

	return router
}

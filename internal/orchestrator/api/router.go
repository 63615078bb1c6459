package api

import (
	"github.com/gin-gonic/gin"

	"github.com/winfleet/winfleet/internal/common/config"
	"github.com/winfleet/winfleet/internal/common/httpmw"
	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/orchestrator"
	"github.com/winfleet/winfleet/internal/orchestrator/streaming"
)

const serverName = "winfleet-orchestrator"

// NewRouter builds the gin engine with the full middleware stack and all
// ingress routes mounted under /api/v1.
func NewRouter(cfg *config.Config, service *orchestrator.Service, hub *streaming.Hub, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(httpmw.CorrelationID())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())

	handler := NewHandler(service, log)

	router.GET("/health", handler.GetStatus)

	v1 := router.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", handler.CreateJob)
			jobs.GET("", handler.ListJobs)
			jobs.GET("/:id", handler.GetJob)
			jobs.POST("/:id/cancel", handler.CancelJob)
			jobs.PATCH("/:id/status", handler.StatusCallback)
		}

		templates := v1.Group("/templates")
		{
			templates.GET("", handler.ListTemplates)
			templates.GET("/:id", handler.GetTemplate)
			templates.POST("/:id/execute", handler.ExecuteTemplate)
		}

		agents := v1.Group("/agents")
		{
			agents.POST("", handler.RegisterAgent)
			agents.GET("", handler.ListAgents)
			agents.GET("/:id", handler.GetAgent)
			agents.POST("/:id/heartbeat", handler.Heartbeat)
			agents.DELETE("/:id", handler.UnregisterAgent)
		}

		v1.GET("/sessions", handler.ListSessions)
		v1.GET("/queue", handler.GetQueue)
		v1.GET("/status", handler.GetStatus)

		if hub != nil {
			v1.GET("/events/ws", streaming.ServeWS(hub, log))
		}
	}

	return router
}

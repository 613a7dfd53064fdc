// Package api is the gateway's HTTP surface: status and schedule endpoints,
// proactive delivery, and the streaming prompt endpoint.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mobyclaw/mobyclaw/internal/channels"
	"github.com/mobyclaw/mobyclaw/internal/logger"
	"github.com/mobyclaw/mobyclaw/internal/metrics"
	"github.com/mobyclaw/mobyclaw/internal/orchestrator"
	"github.com/mobyclaw/mobyclaw/internal/schedule"
	"github.com/mobyclaw/mobyclaw/internal/session"
)

// Server wires the HTTP handlers to the gateway components.
type Server struct {
	orch      *orchestrator.Orchestrator
	sessions  *session.Store
	schedules *schedule.Store
	channels  *channels.Store
	registry  *channels.Registry
	metrics   *metrics.Metrics
	logger    *logger.Logger
	startedAt time.Time
}

func NewServer(
	orch *orchestrator.Orchestrator,
	sessions *session.Store,
	schedules *schedule.Store,
	chans *channels.Store,
	registry *channels.Registry,
	m *metrics.Metrics,
	log *logger.Logger,
) *Server {
	return &Server{
		orch:      orch,
		sessions:  sessions,
		schedules: schedules,
		channels:  chans,
		registry:  registry,
		metrics:   m,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware(s.logger))

	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	router.POST("/prompt", s.handlePrompt)
	router.POST("/prompt/stream", s.handlePromptStream)

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/channels", s.handleChannels)
		apiGroup.GET("/schedules", s.handleListSchedules)
		apiGroup.POST("/schedules", s.handleCreateSchedule)
		apiGroup.DELETE("/schedules/:id", s.handleCancelSchedule)
		apiGroup.POST("/deliver", s.handleDeliver)
		apiGroup.POST("/stop", s.handleStop)
	}

	return router
}

func (s *Server) uptime() string {
	return time.Since(s.startedAt).Round(time.Second).String()
}

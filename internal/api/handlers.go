package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mobyclaw/mobyclaw/internal/httperr"
	"github.com/mobyclaw/mobyclaw/internal/schedule"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": s.uptime(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	known := s.channels.GetAll()
	list := make([]string, 0, len(known))
	for _, id := range known {
		list = append(list, id)
	}
	sort.Strings(list)

	queueLength, queueMode := s.orch.QueueSnapshot()

	var lastActivity string
	if t := s.sessions.LastActivity(); !t.IsZero() {
		lastActivity = t.UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":        s.sessions.GetSessionID(),
		"session_busy":      s.sessions.IsBusy(),
		"queue_length":      queueLength,
		"queue_mode":        queueMode,
		"last_activity":     lastActivity,
		"known_channels":    len(known),
		"schedules_pending": s.schedules.CountPending(),
		"uptime":            s.uptime(),
		"channels":          list,
	})
}

func (s *Server) handleChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"channels": s.channels.GetAll(),
		"default":  s.channels.GetDefault(),
	})
}

func (s *Server) handleListSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"schedules": s.schedules.List(c.Query("status")),
	})
}

type createScheduleRequest struct {
	Due     time.Time `json:"due" binding:"required"`
	Message string    `json:"message"`
	Prompt  string    `json:"prompt"`
	Channel string    `json:"channel"`
	Repeat  string    `json:"repeat"`
}

func (s *Server) handleCreateSchedule(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "invalid schedule", map[string]interface{}{"reason": err.Error()})
		return
	}
	if req.Channel == "" {
		req.Channel = s.channels.GetDefault()
	}
	rec, err := s.schedules.Create(schedule.CreateInput{
		Due:     req.Due,
		Message: req.Message,
		Prompt:  req.Prompt,
		Repeat:  req.Repeat,
		Channel: req.Channel,
	})
	if err != nil {
		httperr.BadRequest(c, "invalid schedule", map[string]interface{}{"reason": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleCancelSchedule(c *gin.Context) {
	rec, err := s.schedules.Cancel(c.Param("id"))
	if err != nil {
		httperr.NotFound(c, "schedule not found or not pending", nil)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type deliverRequest struct {
	Channel string `json:"channel" binding:"required"`
	Message string `json:"message" binding:"required"`
}

func (s *Server) handleDeliver(c *gin.Context) {
	var req deliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "channel and message are required", map[string]interface{}{"reason": err.Error()})
		return
	}
	if err := s.registry.Deliver(c.Request.Context(), req.Channel, req.Message); err != nil {
		s.logger.WithContext(c.Request.Context()).Error("delivery failed", "channel", req.Channel, "error", err)
		httperr.Internal(c, "delivery failed", map[string]interface{}{"reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "delivered",
		"channel": req.Channel,
	})
}

func (s *Server) handleStop(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Stop())
}

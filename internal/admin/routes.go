package admin

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/sensorhub/internal/observability"
	"github.com/danmuck/sensorhub/internal/transfer"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "1.2.0"

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/system", s.system)

	r.GET("/devices", s.listDevices)
	r.GET("/devices/leader", s.leader)
	r.GET("/devices/:id", s.device)

	r.POST("/session/start", s.startSession)
	r.POST("/session/stop", s.stopSession)
	r.POST("/sync/flash", s.syncFlash)
	r.POST("/sync/mark", s.syncMark)

	r.GET("/timesync", s.clockQuality)
	r.GET("/timesync/:device", s.clockDevice)

	r.GET("/transfers", s.listTransfers)
	r.GET("/transfers/:id", s.transferStatus)
	r.POST("/transfers/:id/:action", s.transferAction)

	r.GET("/gsr", s.listGSR)
	r.GET("/gsr/:session", s.gsrSession)

	r.GET("/events", s.streamEvents)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.started).String(),
		"hub":     s.id,
		"version": version,
	})
}

func (s *Server) ready(c *gin.Context) {
	ready := s.deps.Ready == nil || s.deps.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":  ready,
		"uptime": time.Since(s.started).String(),
		"hub":    s.id,
	})
}

// system reports host load and free space under the transfer data
// directory. Probe failures are logged; the rest of the snapshot is served.
func (s *Server) system(c *gin.Context) {
	var dataDir string
	if s.deps.Transfers != nil {
		dataDir = s.deps.Transfers.Summary().DataDir
	}
	snap, err := observability.CollectHost(c.Request.Context(), dataDir)
	if err != nil {
		s.logger.Debug().Err(err).Msg("host probe incomplete")
	}
	c.JSON(http.StatusOK, snap)
}

func disabled(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " unavailable"})
}

func (s *Server) listDevices(c *gin.Context) {
	if s.deps.Devices == nil {
		disabled(c, "device registry")
		return
	}
	devices := s.deps.Devices.Snapshot()
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

func (s *Server) device(c *gin.Context) {
	if s.deps.Devices == nil {
		disabled(c, "device registry")
		return
	}
	rec, ok := s.deps.Devices.Device(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) leader(c *gin.Context) {
	if s.deps.Devices == nil {
		disabled(c, "device registry")
		return
	}
	rec, ok := s.deps.Devices.Leader()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no gsr leader"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

type sessionRequest struct {
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name"`
}

func (s *Server) startSession(c *gin.Context) {
	if s.deps.Commands == nil {
		disabled(c, "command channel")
		return
	}
	var req sessionRequest
	if err := bindOptional(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = uuid.NewString()
	}
	results, err := s.deps.Commands.StartRecordingSession(c.Request.Context(), req.SessionID, req.SessionName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": req.SessionID, "results": results})
}

func (s *Server) stopSession(c *gin.Context) {
	if s.deps.Commands == nil {
		disabled(c, "command channel")
		return
	}
	var req sessionRequest
	if err := bindOptional(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	results, err := s.deps.Commands.StopRecordingSession(c.Request.Context(), req.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": req.SessionID, "results": results})
}

func (s *Server) syncFlash(c *gin.Context) {
	if s.deps.Commands == nil {
		disabled(c, "command channel")
		return
	}
	var req struct {
		DurationMS int `json:"duration_ms"`
	}
	if err := bindOptional(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results, err := s.deps.Commands.SendSyncFlash(c.Request.Context(), req.DurationMS)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) syncMark(c *gin.Context) {
	if s.deps.Commands == nil {
		disabled(c, "command channel")
		return
	}
	var req struct {
		MarkType string         `json:"mark_type"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := bindOptional(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.MarkType) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mark_type is required"})
		return
	}
	markID, results, err := s.deps.Commands.SendSyncMark(c.Request.Context(), req.MarkType, req.Metadata)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mark_id": markID, "results": results})
}

func (s *Server) clockQuality(c *gin.Context) {
	if s.deps.Clock == nil {
		disabled(c, "time sync")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"quality": s.deps.Clock.Quality(),
		"devices": s.deps.Clock.AllStats(),
	})
}

func (s *Server) clockDevice(c *gin.Context) {
	if s.deps.Clock == nil {
		disabled(c, "time sync")
		return
	}
	id := c.Param("device")
	stats, ok := s.deps.Clock.DeviceStats(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no sync history for device"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":        stats,
		"synchronized": s.deps.Clock.IsSynchronized(id),
	})
}

func (s *Server) listTransfers(c *gin.Context) {
	if s.deps.Transfers == nil {
		disabled(c, "transfer engine")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary":  s.deps.Transfers.Summary(),
		"active":   s.deps.Transfers.ActiveTransfers(),
		"finished": s.deps.Transfers.FinishedTransfers(),
	})
}

func (s *Server) transferStatus(c *gin.Context) {
	if s.deps.Transfers == nil {
		disabled(c, "transfer engine")
		return
	}
	report, ok := s.deps.Transfers.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) transferAction(c *gin.Context) {
	if s.deps.Transfers == nil {
		disabled(c, "transfer engine")
		return
	}
	id := c.Param("id")
	var err error
	switch action := c.Param("action"); action {
	case "pause":
		err = s.deps.Transfers.Pause(id)
	case "resume":
		err = s.deps.Transfers.Resume(id)
	case "cancel":
		err = s.deps.Transfers.Cancel(id)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown action " + action})
		return
	}
	if err != nil {
		c.JSON(transferErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	report, _ := s.deps.Transfers.Status(id)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "transfer": report})
}

func (s *Server) listGSR(c *gin.Context) {
	if s.deps.GSR == nil {
		disabled(c, "gsr datasets")
		return
	}
	c.JSON(http.StatusOK, gin.H{"datasets": s.deps.GSR.Summaries()})
}

func (s *Server) gsrSession(c *gin.Context) {
	if s.deps.GSR == nil {
		disabled(c, "gsr datasets")
		return
	}
	id := c.Param("session")
	datasets, ok := s.deps.GSR.Session(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no gsr data for session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "datasets": datasets})
}

func transferErrorStatus(err error) int {
	switch {
	case errors.Is(err, transfer.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrInvalidTransition), errors.Is(err, transfer.ErrSourceUnavailable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c *gin.Context, out any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(out)
}

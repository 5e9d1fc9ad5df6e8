// Package main provides the harvester server entry point.
package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campustools/vover-harvester/internal/buildinfo"
	"github.com/campustools/vover-harvester/internal/changetrack"
	"github.com/campustools/vover-harvester/internal/config"
	"github.com/campustools/vover-harvester/internal/harvest"
	"github.com/campustools/vover-harvester/internal/logger"
	"github.com/campustools/vover-harvester/internal/sentry"
	"github.com/campustools/vover-harvester/internal/storage"
)

type server struct {
	cfg     *config.Config
	db      *storage.DB
	manager *harvest.Manager
	changes *changetrack.Tracker
	log     *logger.Logger
}

type messageRequest struct {
	Message string `json:"message"`
}

type remoteJobRequest struct {
	Identifiers []string `json:"identifiers"`
}

// submitResponse renders a SubmitResult with the matching HTTP status.
func submitResponse(c *gin.Context, result harvest.SubmitResult) {
	switch result.Status {
	case harvest.SubmitAccepted:
		c.JSON(http.StatusAccepted, gin.H{"accepted": true, "message": result.Message})
	case harvest.SubmitBusy:
		c.JSON(http.StatusConflict, gin.H{"accepted": false, "message": result.Message})
	case harvest.SubmitInvalidArgument:
		c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "message": result.Message})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"accepted": false, "message": result.Message})
	}
}

func (s *server) startDiscovery(c *gin.Context) {
	submitResponse(c, s.manager.StartDiscoveryJob())
}

func (s *server) startRemote(c *gin.Context) {
	var req remoteJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "message": err.Error()})
		return
	}
	submitResponse(c, s.manager.StartRemoteScrapingJob(req.Identifiers))
}

func (s *server) startLocal(c *gin.Context) {
	semesterID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "message": "ungültige Semester-ID"})
		return
	}
	submitResponse(c, s.manager.StartLocalScrapingJob(semesterID))
}

func (s *server) stopScraping(c *gin.Context) {
	var req messageRequest
	_ = c.ShouldBindJSON(&req)
	s.manager.StopScraping(req.Message)
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *server) pauseScraping(c *gin.Context) {
	var req messageRequest
	_ = c.ShouldBindJSON(&req)
	s.manager.PauseScraping(req.Message)
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *server) getProgress(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running":  s.manager.IsJobRunning(),
		"progress": s.manager.ProgressSnapshot(),
	})
}

func (s *server) getRemoteSemesters(c *gin.Context) {
	semesters, err := s.manager.AvailableRemoteSemesters(c.Request.Context())
	if err != nil {
		sentry.CaptureException(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"semesters": semesters})
}

func (s *server) listSemesters(c *gin.Context) {
	semesters, err := s.db.ListSemesters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"semesters": semesters})
}

func (s *server) listRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.changes.RunHistory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *server) getRunChanges(c *gin.Context) {
	runID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ungültige Run-ID"})
		return
	}
	changes, err := s.changes.ChangesOfRun(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stats, err := s.changes.ChangeStats(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes, "stats": stats})
}

func (s *server) getRecentChanges(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ungültiger Zeitraum"})
		return
	}
	changes, err := s.changes.RecentChanges(c.Request.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version})
}

func (s *server) ready(c *gin.Context) {
	if err := s.db.Conn().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "job_running": s.manager.IsJobRunning()})
}

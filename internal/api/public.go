package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/GeminiBizAPI/internal/constant"
	"github.com/router-for-me/GeminiBizAPI/internal/logging"
)

// publicStats exposes aggregate counters when the operator allows it.
func (s *Server) publicStats(c *gin.Context) {
	cfg := s.cfg()
	if !cfg.PublicDisplay.ShowStats {
		c.JSON(http.StatusNotFound, gin.H{"error": "not available"})
		return
	}
	snapshot := s.deps.Stats.Get()

	// Requests in the last hour, from the recent-request ring.
	cutoff := time.Now().Add(-time.Hour).Unix()
	lastHour := 0
	for _, ts := range snapshot.RequestTimes {
		if ts >= cutoff {
			lastHour++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total_requests":     snapshot.TotalRequests,
		"success_requests":   snapshot.SuccessRequests,
		"failed_requests":    snapshot.FailedRequests,
		"requests_last_hour": lastHour,
		"model_counts":       snapshot.ModelCounts,
	})
}

// publicUptime reports process start and uptime.
func (s *Server) publicUptime(c *gin.Context) {
	now := time.Now()
	out := gin.H{
		"started_at":     s.deps.StartedAt.In(constant.TimeZone).Format("2006-01-02 15:04:05"),
		"uptime_seconds": int64(now.Sub(s.deps.StartedAt) / time.Second),
	}
	if last := s.deps.Stats.Get().LastSuccess; last > 0 {
		out["last_success"] = time.Unix(last, 0).In(constant.TimeZone).Format("2006-01-02 15:04:05")
	}
	c.JSON(http.StatusOK, out)
}

// publicLog serves the recent log tail as plain text.
func (s *Server) publicLog(c *gin.Context) {
	lines := logging.Tail(200)
	c.Header("Content-Type", "text/plain; charset=utf-8")
	for _, line := range lines {
		_, _ = c.Writer.WriteString(line + "\n")
	}
}

// publicDisplay renders the operator-curated status page data.
func (s *Server) publicDisplay(c *gin.Context) {
	cfg := s.cfg()
	out := gin.H{
		"title":  cfg.PublicDisplay.Title,
		"notice": cfg.PublicDisplay.Notice,
	}
	if cfg.PublicDisplay.ShowStats {
		snapshot := s.deps.Stats.Get()
		out["total_requests"] = snapshot.TotalRequests
		out["success_requests"] = snapshot.SuccessRequests
	}
	if cfg.PublicDisplay.ShowAccountCount {
		out["usable_accounts"] = s.deps.Orchestrator.Pool().UsableCount(constant.AccountRecycleWindow)
	}
	c.JSON(http.StatusOK, out)
}

package logging

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// GinLogrusLogger writes access logs through logrus. Static media fetches are
// demoted to debug so image-heavy conversations do not flood the log tail.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}

		statusCode := c.Writer.Status()
		logLine := fmt.Sprintf("[GIN] %s | %3d | %13v | %15s | %-7s %q (%dB)",
			time.Now().Format("2006/01/02 - 15:04:05"),
			statusCode, latency, c.ClientIP(), c.Request.Method, path, c.Writer.Size())
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logLine = logLine + " | " + errorMessage
		}

		switch {
		case statusCode >= http.StatusInternalServerError:
			log.Error(logLine)
		case statusCode >= http.StatusBadRequest:
			log.Warn(logLine)
		case isMediaPath(c.Request.URL.Path):
			log.Debug(logLine)
		default:
			log.Info(logLine)
		}
	}
}

func isMediaPath(path string) bool {
	return strings.HasPrefix(path, "/images/") || strings.HasPrefix(path, "/videos/")
}

// GinLogrusRecovery recovers handler panics, logs them with the stack, and
// answers 500 so a broken request never kills the gateway.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("handler panicked")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500

	requestIDHeader = "X-Request-ID"
)

// quietRoutes are polled by clients and only logged at debug level on success.
var quietRoutes = map[string]bool{
	"/healthz":             true,
	"/batch/tasks/:id":     true,
	"/devplans/:id/status": true,
}

// ZerologLogger is a Gin middleware that logs requests using zerolog and
// tags each one with a request id.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()

		var evt *zerolog.Event
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		case c.Request.Method == http.MethodGet && quietRoutes[route]:
			evt = log.Debug()
		default:
			evt = log.Info()
		}

		if id := c.Param("id"); id != "" {
			evt = evt.Str("resource_id", id)
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}
		evt.
			Str("request_id", requestID).
			Int("status", status).
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.RequestURI()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http request completed")
	}
}

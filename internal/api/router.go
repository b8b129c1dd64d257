package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailfeed/pkg/trace"
)

// HealthChecker reports broker connectivity for the health endpoint.
type HealthChecker interface {
	IsConnected() bool
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	metricsHandler *MetricsHandler,
	archiveHandler *ArchiveHandler,
	simulateHandler *SimulateHandler,
	health HealthChecker,
) *Router {
	r := gin.Default()
	r.Use(traceMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		if health != nil && !health.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "mq": "disconnected"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api")
	{
		v1.GET("/metrics/events", metricsHandler.GetEventCounts)
		v1.GET("/archive/:messageId", archiveHandler.GetMessage)
		v1.POST("/simulate/notification", simulateHandler.PublishNotification)
	}

	return &Router{Engine: r}
}

// traceMiddleware propagates the caller's trace ID, generating one when
// absent, and echoes it on the response.
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(trace.HeaderName())
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName(), traceID)
		c.Next()
	}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}

// Package httpapi assembles the control-plane REST surface (spec
// §4.6). Grounded on internal/http/router.go's RouterConfig-of-handlers
// + gin.Default()+middleware chain shape, pared down to the Job/system
// routes this core exposes (the teacher's auth/realtime/course routes
// have no equivalent here).
package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/raibid-labs/ci-core/internal/httpapi/handlers"
	"github.com/raibid-labs/ci-core/internal/httpapi/middleware"
)

type RouterConfig struct {
	Job    *handlers.JobHandler
	Logs   *handlers.LogsHandler
	System *handlers.SystemHandler

	AllowOrigins []string
	DepthAlert   int64
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(middleware.AttachTraceContext())
	r.Use(middleware.CORS(cfg.AllowOrigins))
	r.Use(depthAlertHeader(cfg.System, cfg.DepthAlert))

	r.GET("/health", cfg.System.Health)

	api := r.Group("/api")
	{
		api.POST("/jobs", cfg.Job.CreateJob)
		api.GET("/jobs", cfg.Job.ListJobs)
		api.GET("/jobs/:id", cfg.Job.GetJob)
		api.POST("/jobs/:id/cancel", cfg.Job.CancelJob)
		api.GET("/jobs/:id/logs", cfg.Logs.StreamLogs)

		api.POST("/webhooks/gitea", cfg.Job.Webhook)

		api.GET("/agents", cfg.System.ListAgents)
		api.GET("/metrics/queue", cfg.System.QueueMetrics)
	}

	return r
}

// depthAlertHeader sets X-Queue-Depth-Warning when the queue-depth
// exporter's last sample exceeds DepthAlert, without rejecting the
// request (spec §5 "Backpressure": "it does not reject").
func depthAlertHeader(system *handlers.SystemHandler, threshold int64) gin.HandlerFunc {
	if threshold <= 0 {
		threshold = 1000
	}
	return func(c *gin.Context) {
		if system.Collector != nil {
			snap := system.Collector.Snapshot()
			if snap.CurrentDepth > threshold {
				c.Writer.Header().Set("X-Queue-Depth-Warning", "queue depth exceeds alert threshold")
			}
		}
		c.Next()
	}
}

package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/raibid-labs/ci-core/internal/httpapi/response"
	"github.com/raibid-labs/ci-core/internal/metricsx"
	"github.com/raibid-labs/ci-core/internal/worker"
)

// SystemHandler serves GET /agents, GET /metrics/queue, GET /health
// (spec §4.6).
type SystemHandler struct {
	Registry  *worker.Registry
	Collector *metricsx.Collector
}

func NewSystemHandler(registry *worker.Registry, collector *metricsx.Collector) *SystemHandler {
	return &SystemHandler{Registry: registry, Collector: collector}
}

func (h *SystemHandler) ListAgents(c *gin.Context) {
	workers, err := h.Registry.List(c.Request.Context())
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"agents": workers})
}

func (h *SystemHandler) QueueMetrics(c *gin.Context) {
	response.RespondOK(c, h.Collector.Snapshot())
}

type healthBody struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

func (h *SystemHandler) Health(c *gin.Context) {
	response.RespondOK(c, healthBody{Healthy: true})
}

package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/raibid-labs/ci-core/internal/sse"
)

type LogsHandler struct {
	Hub *sse.Hub
}

func NewLogsHandler(hub *sse.Hub) *LogsHandler {
	return &LogsHandler{Hub: hub}
}

// StreamLogs serves GET /jobs/{id}/logs?from_seq=N as SSE (spec §4.6).
func (h *LogsHandler) StreamLogs(c *gin.Context) {
	fromSeq, _ := strconv.ParseInt(c.Query("from_seq"), 10, 64)
	h.Hub.ServeJobLogs(c.Writer, c.Request, c.Param("id"), fromSeq)
}

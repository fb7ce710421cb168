// Package sse serves per-job log streams over Server-Sent Events
// (spec §4.5 "Log fan-out", §4.6 "GET /jobs/{id}/logs"). Adapted from
// the teacher's per-user-channel broadcast hub: that hub fanned
// messages out in-process, which only works behind a single API
// replica. Here the fan-out is Redis pub/sub itself (kv.Store), so
// each replica's Hub is just a bridge from one subscription to one
// HTTP client — the heartbeat-ping and http.Flusher loop below is kept
// close to the teacher's ServeHTTP.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/raibid-labs/ci-core/internal/kv"
	"github.com/raibid-labs/ci-core/internal/logger"
	"github.com/raibid-labs/ci-core/internal/pipeline"
)

type Hub struct {
	kv  kv.Store
	log *logger.Logger
}

func NewHub(store kv.Store, log *logger.Logger) *Hub {
	return &Hub{kv: store, log: log.With("component", "sse.Hub")}
}

// ServeJobLogs replays buffered lines with seq > fromSeq, then streams
// new lines live until the client disconnects. Returns once the
// connection ends.
func (h *Hub) ServeJobLogs(w http.ResponseWriter, r *http.Request, jobID string, fromSeq int64) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	backlog, err := pipeline.Replay(ctx, h.kv, jobID, fromSeq)
	if err != nil {
		h.log.Warn("log replay failed", "job_id", jobID, "error", err)
	}
	lastSeq := fromSeq
	for _, line := range backlog {
		if !writeLine(w, flusher, line) {
			return
		}
		lastSeq = line.Seq
	}

	sub, err := h.kv.Subscribe(ctx, pipeline.ChannelName(jobID))
	if err != nil {
		h.log.Warn("log subscribe failed", "job_id", jobID, "error", err)
		return
	}
	defer sub.Close()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("SSE client context done", "job_id", jobID, "err", ctx.Err())
			return
		case <-heartbeat.C:
			const pingChunkedSize = 8*1024 - len(": ping \n\n")
			fmt.Fprint(w, ": ping "+strings.Repeat("#", pingChunkedSize)+"\n\n")
			flusher.Flush()
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			var line pipeline.LogLine
			if json.Unmarshal([]byte(payload), &line) != nil || line.Seq <= lastSeq {
				continue
			}
			if !writeLine(w, flusher, line) {
				return
			}
			lastSeq = line.Seq
		}
	}
}

func writeLine(w http.ResponseWriter, flusher http.Flusher, line pipeline.LogLine) bool {
	raw, err := json.Marshal(line)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "event: log\ndata: %s\n\n", raw); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

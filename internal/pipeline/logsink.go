package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/raibid-labs/ci-core/internal/kv"
)

// LogLine is one sequenced log record, wire-identical to what SSE
// subscribers and ring-buffer replay both serve (spec §4.5: "tagged
// with (job_id, step_name, seq)").
type LogLine struct {
	Seq       int64     `json:"seq"`
	Step      string    `json:"step"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"ts"`
}

// LogSink fans a step's stdout/stderr out to the ring buffer and the
// live pub/sub channel (spec §4.5 "Log fan-out").
type LogSink interface {
	Write(ctx context.Context, step, line string) error
}

func logsKey(jobID string) string       { return "logs:" + jobID }
func logsChannel(jobID string) string   { return "logs:" + jobID + ":pubsub" }

// KVLogSink is the sole LogSink implementation: it RPushes each line
// (capped via LTrim to LOG_CAPACITY) and Publishes it on the per-job
// channel, matching internal/sse/hub.go's broadcast-to-subscribers
// shape generalized from per-user channels to per-job log streams.
type KVLogSink struct {
	kv       kv.Store
	jobID    string
	capacity int64
	seq      atomic.Int64
}

func NewKVLogSink(store kv.Store, jobID string, capacity int64) *KVLogSink {
	if capacity <= 0 {
		capacity = 10000
	}
	return &KVLogSink{kv: store, jobID: jobID, capacity: capacity}
}

func (s *KVLogSink) Write(ctx context.Context, step, line string) error {
	seq := s.seq.Add(1)
	rec := LogLine{Seq: seq, Step: step, Line: line, Timestamp: time.Now()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal log line: %w", err)
	}
	if err := s.kv.RPush(ctx, logsKey(s.jobID), string(raw)); err != nil {
		return err
	}
	if err := s.kv.LTrim(ctx, logsKey(s.jobID), -s.capacity, -1); err != nil {
		return err
	}
	return s.kv.Publish(ctx, logsChannel(s.jobID), string(raw))
}

// Tail returns up to n of the most recently written lines, in order,
// for StepResult.log_excerpt_tail (spec §4.5, default 200).
func Tail(ctx context.Context, store kv.Store, jobID string, n int64) ([]string, error) {
	if n <= 0 {
		n = 200
	}
	raw, err := store.LRange(ctx, logsKey(jobID), -n, -1)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var rec LogLine
		if json.Unmarshal([]byte(r), &rec) == nil {
			out = append(out, rec.Line)
		}
	}
	return out, nil
}

// Replay returns all buffered lines with seq > fromSeq, for a
// late-joining SSE subscriber to catch up before switching to live
// pub/sub (spec §4.5: "subscribers may request replay from a given seq").
func Replay(ctx context.Context, store kv.Store, jobID string, fromSeq int64) ([]LogLine, error) {
	raw, err := store.LRange(ctx, logsKey(jobID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]LogLine, 0, len(raw))
	for _, r := range raw {
		var rec LogLine
		if json.Unmarshal([]byte(r), &rec) != nil {
			continue
		}
		if rec.Seq > fromSeq {
			out = append(out, rec)
		}
	}
	return out, nil
}

func ChannelName(jobID string) string { return logsChannel(jobID) }

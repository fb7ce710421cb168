// Package metricsx is the autoscale signal: a queue-depth exporter for
// an external scaler (spec §4.6 component "Autoscale signal"). Grounded
// on kubernaut's use of github.com/prometheus/client_golang, replacing
// the teacher's hand-rolled Prometheus-text-format primitives (no
// observability stack is otherwise in scope, but the metric surface
// itself is an explicit spec component, not an excluded Non-goal).
package metricsx

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/raibid-labs/ci-core/internal/logger"
	"github.com/raibid-labs/ci-core/internal/queue"
)

const historySize = 60

var (
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ci_core_queue_depth",
		Help: "Current depth (unacked entries) of the jobs queue.",
	})
	queueDepthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ci_core_queue_depth_observed",
		Help:    "Distribution of observed queue-depth samples.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// Snapshot is the JSON body for GET /metrics/queue (spec §4.6):
// {current_depth, max_depth, avg_depth, history[60]}.
type Snapshot struct {
	CurrentDepth int64   `json:"current_depth"`
	MaxDepth     int64   `json:"max_depth"`
	AvgDepth     float64 `json:"avg_depth"`
	History      []int64 `json:"history"`
}

// Collector polls the queue's depth on an interval, feeding both the
// Prometheus gauge/histogram and the bounded in-memory history the
// control API serves directly.
type Collector struct {
	queue queue.Store
	topic string
	group string
	log   *logger.Logger

	mu      sync.Mutex
	history []int64
}

func NewCollector(q queue.Store, topic, group string, log *logger.Logger) *Collector {
	return &Collector{queue: q, topic: topic, group: group, log: log.With("component", "metricsx.Collector")}
}

// Run polls at the given interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sample(ctx)
		}
	}
}

func (c *Collector) sample(ctx context.Context) {
	depth, err := c.queue.Depth(ctx, c.topic, c.group)
	if err != nil {
		c.log.Warn("queue depth sample failed", "error", err)
		return
	}
	queueDepthGauge.Set(float64(depth))
	queueDepthHistogram.Observe(float64(depth))

	c.mu.Lock()
	c.history = append(c.history, depth)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
	c.mu.Unlock()
}

// Snapshot returns the current depth history for the API's
// GET /metrics/queue endpoint.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{History: append([]int64(nil), c.history...)}
	if len(c.history) == 0 {
		return snap
	}
	snap.CurrentDepth = c.history[len(c.history)-1]
	var sum int64
	for _, d := range c.history {
		sum += d
		if d > snap.MaxDepth {
			snap.MaxDepth = d
		}
	}
	snap.AvgDepth = float64(sum) / float64(len(c.history))
	return snap
}

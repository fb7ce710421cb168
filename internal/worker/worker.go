// Package worker implements the consumer loop described in spec §4.4:
// claim-execute-ack against the queue store, heartbeat discipline,
// graceful draining, and reclaim of orphaned jobs. Grounded on
// internal/jobs/worker.go's ticker+panic-recovery+registry-lookup shape,
// fused with the Backstage consumer's semaphore-bounded concurrent
// dispatch and grace-period drain
// (other_examples/backstage-go-consumer.go.go).
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/raibid-labs/ci-core/internal/ciserr"
	"github.com/raibid-labs/ci-core/internal/job"
	"github.com/raibid-labs/ci-core/internal/kv"
	"github.com/raibid-labs/ci-core/internal/logger"
	"github.com/raibid-labs/ci-core/internal/model"
	"github.com/raibid-labs/ci-core/internal/pipeline"
	"github.com/raibid-labs/ci-core/internal/queue"
)

const (
	defaultTopic          = "jobs"
	defaultGroup           = "workers"
	defaultBlockTimeout    = 5 * time.Second
	defaultReaperInterval  = 30 * time.Second
	defaultGracePeriod     = 30 * time.Second
	defaultJobTimeout      = 2 * time.Hour
	defaultLogCapacity     = 10000
)

// PipelineResolver resolves a job's pipeline configuration. The Job
// record itself carries only repo/branch/commit (spec §3); resolving
// build/test/package commands from that is deployment-specific, so the
// core takes it as an injected hook rather than hard-coding one
// toolchain.
type PipelineResolver func(j *model.Job) pipeline.Config

// Worker runs the claim-execute-ack loop for one worker process.
type Worker struct {
	ID string

	Queue    queue.Store
	Jobs     *job.Store
	Registry *Registry
	KV       kv.Store
	Engine   *pipeline.Engine
	Cache    *pipeline.WorkspaceCache
	Resolve  PipelineResolver
	Log      *logger.Logger

	Topic, Group string
	Concurrency  int
	Prefetch     int64
	BlockTimeout time.Duration

	HBInterval  time.Duration
	HBTimeout   time.Duration
	MaxAttempts int
	JobTimeout  time.Duration
	LogCapacity int64

	ReaperInterval time.Duration
	GracePeriod    time.Duration

	mu      sync.Mutex
	running bool
	active  map[string]struct{}
	wg      sync.WaitGroup
}

func New(id string, log *logger.Logger) *Worker {
	return &Worker{
		ID:             id,
		Log:            log.With("component", "worker.Worker", "worker_id", id),
		Topic:          defaultTopic,
		Group:          defaultGroup,
		Concurrency:    4,
		Prefetch:       10,
		BlockTimeout:   defaultBlockTimeout,
		HBInterval:     15 * time.Second,
		HBTimeout:      60 * time.Second,
		MaxAttempts:    3,
		JobTimeout:     defaultJobTimeout,
		LogCapacity:    defaultLogCapacity,
		ReaperInterval: defaultReaperInterval,
		GracePeriod:    defaultGracePeriod,
		active:         make(map[string]struct{}),
	}
}

// Run blocks, consuming jobs until ctx is cancelled, then drains
// in-flight work up to GracePeriod before returning (spec §4.4
// "Draining").
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Queue.EnsureGroup(ctx, w.Topic, w.Group); err != nil {
		return err
	}
	now := time.Now()
	if err := w.Registry.Register(ctx, w.ID, now); err != nil {
		w.Log.Warn("worker registration failed", "error", err)
	}

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	go w.heartbeatLoop(loopCtx)
	go w.reaperLoop(loopCtx)

	w.consumeLoop(ctx)
	w.drain()
	return nil
}

func (w *Worker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *Worker) drain() {
	done := make(chan struct{})
	go func() { w.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(w.GracePeriod):
		w.Log.Warn("grace period expired, forcing shutdown")
	}
}

func (w *Worker) consumeLoop(ctx context.Context) {
	sem := make(chan struct{}, w.Concurrency)
	for {
		select {
		case <-ctx.Done():
			w.stop()
			return
		default:
		}
		if !w.isRunning() {
			return
		}

		available := w.Concurrency - len(sem)
		if available <= 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		count := w.Prefetch
		if int64(available) < count {
			count = int64(available)
		}

		entries, err := w.Queue.ReadGroup(ctx, w.Topic, w.Group, w.ID, count, w.BlockTimeout)
		if err != nil {
			w.Log.Warn("read group failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, e := range entries {
			sem <- struct{}{}
			w.wg.Add(1)
			go func(entry queue.Entry) {
				defer func() { <-sem; w.wg.Done() }()
				w.handleEntry(context.Background(), entry, 1)
			}(e)
		}
	}
}

// handleEntry claims the job, runs the pipeline, transitions it to a
// terminal state, and acks the queue entry. attempt is stored as
// Job.Attempt on claim.
func (w *Worker) handleEntry(ctx context.Context, e queue.Entry, attempt int) {
	now := time.Now()
	j, err := w.Jobs.Claim(ctx, e.JobID, w.ID, now, attempt)
	if err != nil {
		if ciserr.Of(err) == ciserr.Conflict {
			// Already claimed or already terminal (e.g. cancelled
			// pre-claim); ack and move on, nothing to execute.
			_ = w.Queue.Ack(ctx, w.Topic, w.Group, e.ID)
			return
		}
		w.Log.Warn("claim failed", "job_id", e.JobID, "error", err)
		return
	}

	w.trackActive(j.ID, true)
	defer w.trackActive(j.ID, false)

	w.executeJob(ctx, j)
	_ = w.Queue.Ack(ctx, w.Topic, w.Group, e.ID)
	_ = w.KV.Del(ctx, "lease:"+j.ID)
}

func (w *Worker) executeJob(ctx context.Context, j *model.Job) {
	if _, err := w.Jobs.Begin(ctx, j.ID, time.Now()); err != nil {
		w.Log.Warn("begin_exec failed", "job_id", j.ID, "error", err)
		return
	}

	workspace, _, err := w.Cache.Dir(j.Repo)
	if err != nil {
		w.failJob(ctx, j.ID, nil, ciserr.New(ciserr.Transient, "workspace setup failed", err))
		return
	}
	cfg := w.resolve(j)
	steps := pipeline.DefaultSteps(cfg, workspace)
	sink := pipeline.NewKVLogSink(w.KV, j.ID, w.LogCapacity)

	jobCtx, jobCancel := context.WithTimeout(ctx, w.JobTimeout)
	defer jobCancel()
	cancelSignal := w.watchCancellation(jobCtx, j.ID)

	result := w.Engine.Run(jobCtx, j.ID, workspace, steps, sink, cancelSignal)
	finish := time.Now()

	if result.Err != nil {
		if ciserr.Of(result.Err) == ciserr.Cancelled {
			// The control plane already owns the Cancelled transition
			// (spec §3); the worker just stops executing.
			return
		}
		w.failJob(ctx, j.ID, result.Steps, result.Err)
		return
	}
	artifacts := pipeline.Artifacts(cfg, result.Steps)
	if _, err := w.Jobs.Succeed(ctx, j.ID, finish, result.Steps, artifacts); err != nil {
		w.Log.Warn("succeed transition failed", "job_id", j.ID, "error", err)
	}
}

func (w *Worker) failJob(ctx context.Context, jobID string, steps []model.StepResult, err error) {
	env := model.ErrorEnvelope{Kind: string(ciserr.Of(err)), Message: err.Error()}
	if _, tErr := w.Jobs.Fail(ctx, jobID, time.Now(), steps, env); tErr != nil {
		w.Log.Warn("fail transition failed", "job_id", jobID, "error", tErr)
	}
}

func (w *Worker) resolve(j *model.Job) pipeline.Config {
	if w.Resolve != nil {
		return w.Resolve(j)
	}
	return pipeline.Config{CloneURL: "https://" + j.Repo + ".git", Commit: j.Commit}
}

// watchCancellation polls the cancel:{id} signal key and closes the
// returned channel the moment it appears, so Engine.Run can stop at
// the next step boundary or tear down an in-flight process group.
func (w *Worker) watchCancellation(ctx context.Context, jobID string) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if Cancelled(ctx, w.KV, jobID) {
					close(ch)
					return
				}
			}
		}
	}()
	return ch
}

func (w *Worker) trackActive(jobID string, active bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if active {
		w.active[jobID] = struct{}{}
	} else {
		delete(w.active, jobID)
	}
}

func (w *Worker) activeJobIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.active))
	for id := range w.active {
		out = append(out, id)
	}
	return out
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(w.HBInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			active := w.activeJobIDs()
			representative := ""
			if len(active) > 0 {
				representative = active[0]
			}
			if err := w.Registry.Heartbeat(ctx, w.ID, representative, now, w.HBTimeout); err != nil {
				w.Log.Warn("heartbeat failed", "error", err)
			}
			for _, id := range active {
				_ = w.KV.Expire(ctx, "lease:"+id, w.HBTimeout)
			}
		}
	}
}

// reaperLoop scans for orphaned deliveries (idle past HBTimeout) and
// either reclaims them to this worker or, past MaxAttempts, fails the
// job outright (spec §4.4 "Heartbeat discipline").
func (w *Worker) reaperLoop(ctx context.Context) {
	t := time.NewTicker(w.ReaperInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.reapOnce(ctx)
		}
	}
}

func (w *Worker) reapOnce(ctx context.Context) {
	pending, err := w.Queue.Pending(ctx, w.Topic, w.Group, w.HBTimeout, 50)
	if err != nil {
		w.Log.Warn("pending scan failed", "error", err)
		return
	}
	for _, p := range pending {
		claimed, err := w.Queue.Claim(ctx, w.Topic, w.Group, w.ID, w.HBTimeout, p.ID)
		if err != nil || len(claimed) == 0 {
			continue
		}
		entry := claimed[0]

		if int(p.Deliveries) > w.MaxAttempts {
			w.reapTooManyAttempts(ctx, entry)
			continue
		}
		if _, err := w.Jobs.Requeue(ctx, entry.JobID); err != nil && ciserr.Of(err) != ciserr.Conflict {
			w.Log.Warn("requeue failed", "job_id", entry.JobID, "error", err)
		}
		w.wg.Add(1)
		go func(e queue.Entry, deliveries int) {
			defer w.wg.Done()
			w.handleEntry(context.Background(), e, deliveries)
		}(entry, int(p.Deliveries)+1)
	}
}

// reapTooManyAttempts acks the orphaned entry without re-executing it
// and fails the job with TooManyAttempts (spec §4.4: "if deliveries
// exceeds the cap, it Acks the entry and transitions the job to
// Failed(TooManyAttempts)").
func (w *Worker) reapTooManyAttempts(ctx context.Context, e queue.Entry) {
	_ = w.Queue.Ack(ctx, w.Topic, w.Group, e.ID)
	w.failJob(ctx, e.JobID, nil, ciserr.New(ciserr.TooManyAttempts, "exceeded max delivery attempts", nil))
}

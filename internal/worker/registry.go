package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/raibid-labs/ci-core/internal/kv"
	"github.com/raibid-labs/ci-core/internal/model"
)

func keyWorker(id string) string { return "worker:" + id }
func keyLease(jobID string) string  { return "lease:" + jobID }
func keyCancel(jobID string) string { return "cancel:" + jobID }

// Registry maintains the worker:{id} KV record (liveness, current
// claim) that the control API's GET /agents reads, and the per-job
// lease:{id} / cancel:{id} signal keys (spec §6).
type Registry struct {
	kv kv.Store
}

func NewRegistry(store kv.Store) *Registry {
	return &Registry{kv: store}
}

func (r *Registry) Register(ctx context.Context, id string, now time.Time) error {
	w := model.Worker{ID: id, StartedAt: now, LastHeartbeatAt: now}
	r.trackInIndex(ctx, id)
	return r.put(ctx, &w)
}

// Heartbeat refreshes last_heartbeat_at and, while claimedJobID is
// non-empty, the job's lease TTL (spec §4.4: "writes
// last_heartbeat_at=now... refreshes a job-level lease key lease:{id}
// with TTL = HB_TIMEOUT").
func (r *Registry) Heartbeat(ctx context.Context, id, claimedJobID string, now time.Time, hbTimeout time.Duration) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		w = &model.Worker{ID: id, StartedAt: now}
	}
	w.LastHeartbeatAt = now
	w.ClaimedJobID = claimedJobID
	if err := r.put(ctx, w); err != nil {
		return err
	}
	if claimedJobID != "" {
		return r.kv.Set(ctx, keyLease(claimedJobID), id, hbTimeout)
	}
	return nil
}

func (r *Registry) put(ctx context.Context, w *model.Worker) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, keyWorker(w.ID), string(raw), 0)
}

func (r *Registry) Get(ctx context.Context, id string) (*model.Worker, error) {
	raw, err := r.kv.Get(ctx, keyWorker(id))
	if err != nil {
		return nil, err
	}
	var w model.Worker
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// List returns every known worker record (spec §4.6 GET /agents). The
// set of worker ids is tracked in the idx:all-style "workers" set,
// maintained alongside each Register call.
func (r *Registry) List(ctx context.Context) ([]*model.Worker, error) {
	ids, err := r.kv.SMembers(ctx, "idx:workers")
	if err != nil {
		return nil, err
	}
	out := make([]*model.Worker, 0, len(ids))
	for _, id := range ids {
		w, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (r *Registry) trackInIndex(ctx context.Context, id string) {
	_ = r.kv.SAdd(ctx, "idx:workers", id)
}

// SignalCancel publishes the cancellation signal the worker honours at
// step boundaries or via process-group termination (spec §3
// "Lifecycle & ownership": "Cancellation is coordinated via a signal
// published on KV").
func SignalCancel(ctx context.Context, store kv.Store, jobID string) error {
	return store.Set(ctx, keyCancel(jobID), "1", 24*time.Hour)
}

// Cancelled reports whether a cancellation signal is pending for jobID.
func Cancelled(ctx context.Context, store kv.Store, jobID string) bool {
	_, err := store.Get(ctx, keyCancel(jobID))
	return err == nil
}

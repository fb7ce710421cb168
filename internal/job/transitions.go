package job

import (
	"context"
	"time"

	"github.com/raibid-labs/ci-core/internal/model"
)

// Claim transitions Pending -> Claimed, assigning the job to workerID
// and setting Attempt to attempt. Returns ciserr.Conflict if the job is
// no longer Pending (e.g. another worker won the race first).
func (s *Store) Claim(ctx context.Context, id, workerID string, now time.Time, attempt int) (*model.Job, error) {
	return s.TransitionCAS(ctx, id, []model.Status{model.StatusPending}, map[string]any{
		"status":     model.StatusClaimed,
		"worker_id":  workerID,
		"claimed_at": now,
		"attempt":    attempt,
	})
}

// Begin transitions Claimed -> Running once the worker has started the
// pipeline executor for the job.
func (s *Store) Begin(ctx context.Context, id string, now time.Time) (*model.Job, error) {
	return s.TransitionCAS(ctx, id, []model.Status{model.StatusClaimed}, map[string]any{
		"status":     model.StatusRunning,
		"started_at": now,
	})
}

// Succeed transitions Running -> Success, recording final step results
// and artifacts.
func (s *Store) Succeed(ctx context.Context, id string, now time.Time, steps []model.StepResult, artifacts []model.ArtifactMetadata) (*model.Job, error) {
	return s.TransitionCAS(ctx, id, []model.Status{model.StatusRunning}, map[string]any{
		"status":       model.StatusSuccess,
		"finished_at":  now,
		"step_results": steps,
		"artifacts":    artifacts,
	})
}

// Fail transitions Claimed or Running -> Failed, recording the
// classified error and whatever step results were collected before
// failure (spec §7).
func (s *Store) Fail(ctx context.Context, id string, now time.Time, steps []model.StepResult, errEnv model.ErrorEnvelope) (*model.Job, error) {
	return s.TransitionCAS(ctx, id, []model.Status{model.StatusClaimed, model.StatusRunning}, map[string]any{
		"status":       model.StatusFailed,
		"finished_at":  now,
		"step_results": steps,
		"error":        errEnv,
	})
}

// Requeue transitions Claimed -> Pending for the reaper's reclaim of an
// orphaned lease (spec §4.4), without touching Attempt — the worker
// that eventually wins the claim increments it.
func (s *Store) Requeue(ctx context.Context, id string) (*model.Job, error) {
	return s.TransitionCAS(ctx, id, []model.Status{model.StatusClaimed}, map[string]any{
		"status":     model.StatusPending,
		"worker_id":  "",
		"claimed_at": nil,
	})
}

// Cancel transitions any non-terminal status -> Cancelled. First-writer
// wins: a concurrent terminal transition (Success/Failed) reports
// ciserr.Conflict here (spec §9 tie-break).
func (s *Store) Cancel(ctx context.Context, id string, now time.Time) (*model.Job, error) {
	return s.TransitionCAS(ctx, id, []model.Status{model.StatusPending, model.StatusClaimed, model.StatusRunning}, map[string]any{
		"status":      model.StatusCancelled,
		"finished_at": now,
	})
}

package worker

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/raibid-labs/ci-core/internal/job"
	"github.com/raibid-labs/ci-core/internal/jobid"
	"github.com/raibid-labs/ci-core/internal/kv"
	"github.com/raibid-labs/ci-core/internal/logger"
	"github.com/raibid-labs/ci-core/internal/model"
	"github.com/raibid-labs/ci-core/internal/pipeline"
	"github.com/raibid-labs/ci-core/internal/queue"
)

func newTestHarness(t *testing.T) (*Worker, *job.Store, queue.Store, kv.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := kv.NewRedisStore(rdb)
	q := queue.NewRedisQueue(rdb)
	log, err := logger.New("development")
	require.NoError(t, err)
	jobs := job.NewStore(store, log)

	w := New("worker-1", log)
	w.Queue = q
	w.Jobs = jobs
	w.KV = store
	w.Registry = NewRegistry(store)
	w.Engine = pipeline.NewEngine(log)
	w.Cache = pipeline.NewWorkspaceCache(t.TempDir())
	w.JobTimeout = 10 * time.Second
	return w, jobs, q, store
}

// localGitRepo creates a throwaway repo with one commit, returning its
// path for use as a clone source.
func localGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run(), "git %v", args)
	}
	run("init", "--quiet")
	run("config", "user.email", "ci@example.test")
	run("config", "user.name", "ci")
	run("commit", "--allow-empty", "--quiet", "-m", "initial")
	return dir
}

func TestWorker_HandleEntry_SuccessfulJobTransitionsToSuccess(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	ctx := context.Background()
	w, jobs, q, _ := newTestHarness(t)
	repoDir := localGitRepo(t)
	w.Resolve = func(j *model.Job) pipeline.Config {
		return pipeline.Config{CloneURL: repoDir, Commit: "HEAD"}
	}

	j := &model.Job{ID: jobid.New(), Repo: "acme/widgets", Branch: "main", Commit: "HEAD", Status: model.StatusPending, CreatedAt: time.Now()}
	require.NoError(t, jobs.Create(ctx, j))
	require.NoError(t, q.EnsureGroup(ctx, w.Topic, w.Group))
	_, err := q.Publish(ctx, w.Topic, j.ID)
	require.NoError(t, err)

	entries, err := q.ReadGroup(ctx, w.Topic, w.Group, w.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	w.handleEntry(ctx, entries[0], 1)

	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, got.Status)

	pending, err := q.Pending(ctx, w.Topic, w.Group, 0, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestWorker_HandleEntry_MissingRepoFailsJob(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	ctx := context.Background()
	w, jobs, q, _ := newTestHarness(t)
	w.Resolve = func(j *model.Job) pipeline.Config {
		return pipeline.Config{CloneURL: "/nonexistent/path/to/repo", Commit: "HEAD"}
	}

	j := &model.Job{ID: jobid.New(), Repo: "acme/missing", Branch: "main", Commit: "HEAD", Status: model.StatusPending, CreatedAt: time.Now()}
	require.NoError(t, jobs.Create(ctx, j))
	require.NoError(t, q.EnsureGroup(ctx, w.Topic, w.Group))
	_, err := q.Publish(ctx, w.Topic, j.ID)
	require.NoError(t, err)

	entries, err := q.ReadGroup(ctx, w.Topic, w.Group, w.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	w.handleEntry(ctx, entries[0], 1)

	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
}

func TestWorker_HandleEntry_AlreadyClaimedJobAcksWithoutExecuting(t *testing.T) {
	ctx := context.Background()
	w, jobs, q, _ := newTestHarness(t)

	j := &model.Job{ID: jobid.New(), Repo: "acme/widgets", Branch: "main", Commit: "HEAD", Status: model.StatusPending, CreatedAt: time.Now()}
	require.NoError(t, jobs.Create(ctx, j))
	_, err := jobs.Claim(ctx, j.ID, "other-worker", time.Now(), 1)
	require.NoError(t, err)

	require.NoError(t, q.EnsureGroup(ctx, w.Topic, w.Group))
	_, err = q.Publish(ctx, w.Topic, j.ID)
	require.NoError(t, err)
	entries, err := q.ReadGroup(ctx, w.Topic, w.Group, w.ID, 1, 0)
	require.NoError(t, err)

	w.handleEntry(ctx, entries[0], 1)

	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, "other-worker", got.WorkerID)
	require.Equal(t, model.StatusClaimed, got.Status)

	pending, err := q.Pending(ctx, w.Topic, w.Group, 0, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

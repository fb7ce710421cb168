package dispatcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/raibid-labs/ci-core/internal/ciserr"
	"github.com/raibid-labs/ci-core/internal/job"
	"github.com/raibid-labs/ci-core/internal/kv"
	"github.com/raibid-labs/ci-core/internal/logger"
	"github.com/raibid-labs/ci-core/internal/queue"
)

func newTestService(t *testing.T, secret string) (*Service, queue.Store) {
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
	return New(jobs, q, store, secret, log), q
}

func validPayload() WebhookPayload {
	p := WebhookPayload{Ref: "refs/heads/main", After: "deadbeef"}
	p.Repository.FullName = "acme/widgets"
	p.Repository.CloneURL = "https://git.example.test/acme/widgets.git"
	p.Pusher.Username = "octocat"
	return p
}

func TestService_DispatchCreatesAndEnqueuesJob(t *testing.T) {
	ctx := context.Background()
	s, q := newTestService(t, "")

	j, err := s.Dispatch(ctx, validPayload())
	require.NoError(t, err)
	require.Equal(t, "acme/widgets", j.Repo)
	require.Equal(t, "main", j.Branch)
	require.Equal(t, "deadbeef", j.Commit)

	depth, err := q.Len(ctx, s.Topic)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestService_DispatchRejectsMissingFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, "")

	_, err := s.Dispatch(ctx, WebhookPayload{})
	require.Error(t, err)
	require.Equal(t, ciserr.InvalidRequest, ciserr.Of(err))
}

func TestService_DispatchIsIdempotentWithinWindow(t *testing.T) {
	ctx := context.Background()
	s, q := newTestService(t, "")
	p := validPayload()

	first, err := s.Dispatch(ctx, p)
	require.NoError(t, err)

	second, err := s.Dispatch(ctx, p)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	depth, err := q.Len(ctx, s.Topic)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestService_DispatchRollsBackJobOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, "")
	s.Queue = failingQueue{}

	_, err := s.Dispatch(ctx, validPayload())
	require.Error(t, err)
	require.Equal(t, ciserr.Transient, ciserr.Of(err))

	page, err := s.Jobs.List(ctx, job.ListFilter{Repo: "acme/widgets"})
	require.NoError(t, err)
	require.Empty(t, page.Jobs)
}

func TestService_VerifySignatureAcceptsValidHMAC(t *testing.T) {
	s, _ := newTestService(t, "s3cret")
	body := []byte(`{"ref":"refs/heads/main"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	require.NoError(t, s.VerifySignature(body, sig))
}

func TestService_VerifySignatureRejectsBadHMAC(t *testing.T) {
	s, _ := newTestService(t, "s3cret")
	err := s.VerifySignature([]byte("body"), "not-the-right-signature")
	require.Error(t, err)
	require.Equal(t, ciserr.InvalidRequest, ciserr.Of(err))
}

func TestService_VerifySignatureSkippedWhenSecretEmpty(t *testing.T) {
	s, _ := newTestService(t, "")
	require.NoError(t, s.VerifySignature([]byte("body"), ""))
}

func TestBranchFromRef(t *testing.T) {
	require.Equal(t, "main", branchFromRef("refs/heads/main"))
	require.Equal(t, "refs/tags/v1", branchFromRef("refs/tags/v1"))
}

type failingQueue struct{}

func (failingQueue) EnsureGroup(ctx context.Context, topic, group string) error { return nil }
func (failingQueue) Publish(ctx context.Context, topic, jobID string) (string, error) {
	return "", errors.New("broker unavailable")
}
func (failingQueue) ReadGroup(ctx context.Context, topic, group, consumer string, max int64, block time.Duration) ([]queue.Entry, error) {
	return nil, nil
}
func (failingQueue) Ack(ctx context.Context, topic, group string, ids ...string) error { return nil }
func (failingQueue) Pending(ctx context.Context, topic, group string, minIdle time.Duration, count int64) ([]queue.PendingEntry, error) {
	return nil, nil
}
func (failingQueue) Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, ids ...string) ([]queue.Entry, error) {
	return nil, nil
}
func (failingQueue) Len(ctx context.Context, topic string) (int64, error)          { return 0, nil }
func (failingQueue) Depth(ctx context.Context, topic, group string) (int64, error) { return 0, nil }

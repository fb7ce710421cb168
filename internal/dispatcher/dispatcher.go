// Package dispatcher implements webhook intake, validation, enqueue,
// and idempotency (spec §4.3). Grounded on the Gitea push-event shape
// resolved from original_source/crates/common/src/gitea_api.rs's
// repository model and the internal/app/app.go wiring pattern for how
// the teacher assembles a request-handling service from its
// repos/services layers.
package dispatcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/raibid-labs/ci-core/internal/ciserr"
	"github.com/raibid-labs/ci-core/internal/job"
	"github.com/raibid-labs/ci-core/internal/jobid"
	"github.com/raibid-labs/ci-core/internal/kv"
	"github.com/raibid-labs/ci-core/internal/logger"
	"github.com/raibid-labs/ci-core/internal/model"
	"github.com/raibid-labs/ci-core/internal/queue"
)

const idempotencyWindow = 10 * time.Second

// WebhookPayload is the subset of a Gitea push-event payload the
// dispatcher consumes (spec §4.3: "{ref, after, repository.{full_name,
// clone_url}, pusher.{username}}").
type WebhookPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	Pusher struct {
		Username string `json:"username"`
	} `json:"pusher"`
}

// Service validates and enqueues incoming push events.
type Service struct {
	Jobs   *job.Store
	Queue  queue.Store
	KV     kv.Store
	Log    *logger.Logger
	Secret string
	Topic  string
}

func New(jobs *job.Store, q queue.Store, store kv.Store, secret string, log *logger.Logger) *Service {
	return &Service{
		Jobs:   jobs,
		Queue:  q,
		KV:     store,
		Log:    log.With("component", "dispatcher.Service"),
		Secret: secret,
		Topic:  "jobs",
	}
}

// VerifySignature checks the X-Gitea-Signature HMAC-SHA256 header
// against body using the configured webhook secret (spec §4.3: "HMAC
// verification via WEBHOOK_SECRET"). An empty Secret disables
// verification (local/dev use only).
func (s *Service) VerifySignature(body []byte, signature string) error {
	if s.Secret == "" {
		return nil
	}
	if signature == "" {
		return ciserr.New(ciserr.InvalidRequest, "missing X-Gitea-Signature header", nil)
	}
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ciserr.New(ciserr.InvalidRequest, "signature mismatch", nil)
	}
	return nil
}

// Dispatch validates the decoded payload, resolves idempotency, writes
// the Job record, and publishes it to the queue. On publish failure it
// rolls back the Job record (spec §4.3 step 5).
func (s *Service) Dispatch(ctx context.Context, p WebhookPayload) (*model.Job, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	branch := branchFromRef(p.Ref)
	id := jobid.New()

	won, existingID, err := s.claimIdempotency(ctx, p.Repository.FullName, branch, p.After, id)
	if err != nil {
		return nil, ciserr.New(ciserr.Transient, "idempotency check failed", err)
	}
	if !won {
		existing, getErr := s.Jobs.Get(ctx, existingID)
		if getErr == nil {
			return existing, nil
		}
	}

	now := time.Now()
	j := &model.Job{
		ID:        id,
		Repo:      p.Repository.FullName,
		Branch:    branch,
		Commit:    p.After,
		Status:    model.StatusPending,
		CreatedAt: now,
		Attempt:   0,
	}
	if err := s.Jobs.Create(ctx, j); err != nil {
		return nil, err
	}
	if _, err := s.Queue.Publish(ctx, s.Topic, id); err != nil {
		_ = s.Jobs.Delete(ctx, j)
		return nil, ciserr.New(ciserr.Transient, "publish to queue failed", err)
	}
	return j, nil
}

func validate(p WebhookPayload) error {
	if p.Repository.FullName == "" {
		return ciserr.New(ciserr.InvalidRequest, "repository.full_name is required", nil)
	}
	if p.After == "" {
		return ciserr.New(ciserr.InvalidRequest, "after (commit sha) is required", nil)
	}
	if p.Ref == "" {
		return ciserr.New(ciserr.InvalidRequest, "ref is required", nil)
	}
	return nil
}

func branchFromRef(ref string) string {
	const prefix = "refs/heads/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):]
	}
	return ref
}

// claimIdempotency wins the race iff it is the first caller within
// idempotencyWindow for this (repo, branch, commit) tuple (spec §4.3,
// §9: "10s dedup window"). The winner's own job id is written directly
// (no placeholder round-trip) so a concurrent loser's Get always reads
// back a real, creatable job id rather than a transient sentinel.
func (s *Service) claimIdempotency(ctx context.Context, repo, branch, commit, id string) (won bool, existingID string, err error) {
	key := idempotencyKey(repo, branch, commit)
	ok, err := s.KV.SetNX(ctx, key, id, idempotencyWindow)
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	v, err := s.KV.Get(ctx, key)
	if err != nil {
		return false, "", err
	}
	return false, v, nil
}

func idempotencyKey(repo, branch, commit string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", repo, branch, commit)
}

// Package job implements the Job state machine and KV-backed record
// store described in spec §3/§4.1/§6: typed job records, compare-and-set
// transitions, and the derived indices that back listing.
//
// Grounded on internal/jobs/store.go's JobStore interface
// (Enqueue/ClaimNextRunnable/UpdateFields) and internal/jobs/runtime/context.go's
// UpdateFieldsUnlessStatus CAS-guard discipline, generalized from a
// Postgres row update into a Redis-Lua compare-and-set over the
// job:{id} JSON blob (spec §9: "transitions are compare-and-set
// operations on the KV status field").
package job

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/raibid-labs/ci-core/internal/ciserr"
	"github.com/raibid-labs/ci-core/internal/kv"
	"github.com/raibid-labs/ci-core/internal/logger"
	"github.com/raibid-labs/ci-core/internal/model"
)

func keyJob(id string) string       { return "job:" + id }
func keyIdxStatus(s model.Status) string { return "idx:status:" + string(s) }
func keyIdxRepo(repo string) string { return "idx:repo:" + repo }
func keyIdxAll() string             { return "idx:all" }

const casScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return cjson.encode({ok=false, err='not_found'})
end
local ok, job = pcall(cjson.decode, raw)
if not ok then
  return cjson.encode({ok=false, err='corrupt'})
end
local allowed = cjson.decode(ARGV[1])
local matched = (#allowed == 0)
for i = 1, #allowed do
  if job.status == allowed[i] then matched = true end
end
if not matched then
  return cjson.encode({ok=false, err='conflict', job=job})
end
local updates = cjson.decode(ARGV[2])
for k, v in pairs(updates) do
  job[k] = v
end
local newraw = cjson.encode(job)
redis.call('SET', KEYS[1], newraw)
return cjson.encode({ok=true, job=job})
`

type casResult struct {
	OK  bool       `json:"ok"`
	Err string     `json:"err"`
	Job *model.Job `json:"job"`
}

// Store is the job record KV store. All mutation goes through
// TransitionCAS; nothing else writes job:{id} after Create.
type Store struct {
	kv  kv.Store
	log *logger.Logger
}

func NewStore(store kv.Store, log *logger.Logger) *Store {
	return &Store{kv: store, log: log.With("component", "job.Store")}
}

// Create writes a brand-new Pending job and its indices. Called by the
// dispatcher after it has assigned an id and resolved idempotency.
func (s *Store) Create(ctx context.Context, j *model.Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return ciserr.New(ciserr.InvalidRequest, "marshal job", err)
	}
	if err := s.kv.Set(ctx, keyJob(j.ID), string(raw), 0); err != nil {
		return ciserr.New(ciserr.Transient, "write job record", err)
	}
	if err := s.kv.SAdd(ctx, keyIdxStatus(j.Status), j.ID); err != nil {
		s.log.Warn("index write failed", "index", "status", "job_id", j.ID, "error", err)
	}
	if err := s.kv.SAdd(ctx, keyIdxRepo(j.Repo), j.ID); err != nil {
		s.log.Warn("index write failed", "index", "repo", "job_id", j.ID, "error", err)
	}
	if err := s.kv.SAdd(ctx, keyIdxAll(), j.ID); err != nil {
		s.log.Warn("index write failed", "index", "all", "job_id", j.ID, "error", err)
	}
	return nil
}

// Get returns the job by id, or ciserr.NotFound.
func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	raw, err := s.kv.Get(ctx, keyJob(id))
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, ciserr.New(ciserr.NotFound, "job not found", err)
		}
		return nil, ciserr.New(ciserr.Transient, "read job record", err)
	}
	var j model.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, ciserr.New(ciserr.Transient, "corrupt job record", err)
	}
	return &j, nil
}

// Delete removes the job record and its index membership. Used by the
// dispatcher to roll back a Create when the subsequent QS publish
// fails (spec §4.3 step 5).
func (s *Store) Delete(ctx context.Context, j *model.Job) error {
	_ = s.kv.SRem(ctx, keyIdxStatus(j.Status), j.ID)
	_ = s.kv.SRem(ctx, keyIdxRepo(j.Repo), j.ID)
	_ = s.kv.SRem(ctx, keyIdxAll(), j.ID)
	return s.kv.Del(ctx, keyJob(j.ID))
}

// TransitionCAS atomically verifies the job's current status is in
// allowedFrom (or allowedFrom is empty, meaning "any") and applies
// updates, which must include "status" if the transition changes it.
// Returns ciserr.Conflict if the precondition failed, ciserr.NotFound
// if the job doesn't exist.
func (s *Store) TransitionCAS(ctx context.Context, id string, allowedFrom []model.Status, updates map[string]any) (*model.Job, error) {
	fromJSON, _ := json.Marshal(statusStrings(allowedFrom))
	updJSON, err := json.Marshal(updates)
	if err != nil {
		return nil, ciserr.New(ciserr.InvalidRequest, "marshal updates", err)
	}
	before, _ := s.Get(ctx, id)

	raw, err := s.kv.Eval(ctx, casScript, []string{keyJob(id)}, string(fromJSON), string(updJSON))
	if err != nil {
		return nil, ciserr.New(ciserr.Transient, "cas eval", err)
	}
	str, ok := raw.(string)
	if !ok {
		return nil, ciserr.New(ciserr.Transient, "cas eval: unexpected script result", nil)
	}
	var res casResult
	if err := json.Unmarshal([]byte(str), &res); err != nil {
		return nil, ciserr.New(ciserr.Transient, "cas eval: decode result", err)
	}
	switch {
	case res.Err == "not_found":
		return nil, ciserr.New(ciserr.NotFound, "job not found", nil)
	case res.Err == "conflict":
		return res.Job, ciserr.New(ciserr.Conflict, "job status precondition failed", nil)
	case !res.OK:
		return nil, ciserr.New(ciserr.Transient, "cas eval: "+res.Err, nil)
	}
	s.reindex(ctx, before, res.Job)
	return res.Job, nil
}

func (s *Store) reindex(ctx context.Context, before, after *model.Job) {
	if after == nil {
		return
	}
	if before != nil && before.Status != after.Status {
		_ = s.kv.SRem(ctx, keyIdxStatus(before.Status), after.ID)
	}
	_ = s.kv.SAdd(ctx, keyIdxStatus(after.Status), after.ID)
}

func statusStrings(ss []model.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// ListFilter narrows List to a subset of jobs; zero-value fields are
// unfiltered.
type ListFilter struct {
	Status model.Status
	Repo   string
	Branch string
	Cursor string
	Limit  int
}

type ListPage struct {
	Jobs       []*model.Job
	NextCursor string
}

// List returns a cursor-paginated, descending-by-created_at page of
// jobs (spec §4.6/§8: "cursor opaque, stable under inserts... descending
// by created_at"). Because job ids are time-sortable (internal/jobid),
// descending lexicographic id order is equivalent to descending
// created_at order, so the cursor is simply the last-seen id.
func (s *Store) List(ctx context.Context, f ListFilter) (*ListPage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	ids, err := s.candidateIDs(ctx, f)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	cursorID := decodeCursor(f.Cursor)
	start := 0
	if cursorID != "" {
		for i, id := range ids {
			if id < cursorID {
				start = i
				break
			}
			start = i + 1
		}
	}

	out := make([]*model.Job, 0, limit)
	var nextCursor string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		j, err := s.Get(ctx, ids[i])
		if err != nil {
			continue
		}
		if f.Branch != "" && j.Branch != f.Branch {
			continue
		}
		out = append(out, j)
		if len(out) == limit && i+1 < len(ids) {
			nextCursor = encodeCursor(j.ID)
		}
	}
	return &ListPage{Jobs: out, NextCursor: nextCursor}, nil
}

func (s *Store) candidateIDs(ctx context.Context, f ListFilter) ([]string, error) {
	switch {
	case f.Status != "" && f.Repo != "":
		statusIDs, err := s.kv.SMembers(ctx, keyIdxStatus(f.Status))
		if err != nil {
			return nil, ciserr.New(ciserr.Transient, "read status index", err)
		}
		repoIDs, err := s.kv.SMembers(ctx, keyIdxRepo(f.Repo))
		if err != nil {
			return nil, ciserr.New(ciserr.Transient, "read repo index", err)
		}
		return intersect(statusIDs, repoIDs), nil
	case f.Status != "":
		ids, err := s.kv.SMembers(ctx, keyIdxStatus(f.Status))
		return ids, wrapTransient(err, "read status index")
	case f.Repo != "":
		ids, err := s.kv.SMembers(ctx, keyIdxRepo(f.Repo))
		return ids, wrapTransient(err, "read repo index")
	default:
		ids, err := s.kv.SMembers(ctx, keyIdxAll())
		return ids, wrapTransient(err, "read all index")
	}
}

func wrapTransient(err error, msg string) error {
	if err == nil {
		return nil
	}
	return ciserr.New(ciserr.Transient, msg, err)
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	out := make([]string, 0, len(a))
	for _, v := range b {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

func encodeCursor(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func decodeCursor(c string) string {
	if c == "" {
		return ""
	}
	b, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return ""
	}
	return string(b)
}

// Package handlers implements the Control API's job endpoints (spec
// §4.6), grounded on internal/http/handlers/job.go's
// GetJob/CancelJob/RestartJob shape: parse path/query params, call the
// service, translate the result through response.Respond{OK,Err}.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/raibid-labs/ci-core/internal/ciserr"
	"github.com/raibid-labs/ci-core/internal/dispatcher"
	"github.com/raibid-labs/ci-core/internal/httpapi/response"
	"github.com/raibid-labs/ci-core/internal/job"
	"github.com/raibid-labs/ci-core/internal/kv"
	"github.com/raibid-labs/ci-core/internal/model"
	"github.com/raibid-labs/ci-core/internal/worker"
)

type JobHandler struct {
	Jobs       *job.Store
	Dispatcher *dispatcher.Service
	KV         kv.Store
}

func NewJobHandler(jobs *job.Store, d *dispatcher.Service, store kv.Store) *JobHandler {
	return &JobHandler{Jobs: jobs, Dispatcher: d, KV: store}
}

// createRequest is the body of POST /jobs (spec §4.6: "{repo, branch,
// commit?}").
type createRequest struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, string(ciserr.InvalidRequest), err)
		return
	}
	commit := req.Commit
	if commit == "" {
		commit = "HEAD"
	}
	payload := dispatcher.WebhookPayload{Ref: "refs/heads/" + req.Branch, After: commit}
	payload.Repository.FullName = req.Repo
	j, err := h.Dispatcher.Dispatch(c.Request.Context(), payload)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, j)
}

func (h *JobHandler) Webhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, string(ciserr.InvalidRequest), err)
		return
	}
	if err := h.Dispatcher.VerifySignature(body, c.GetHeader("X-Gitea-Signature")); err != nil {
		response.RespondErr(c, err)
		return
	}
	var payload dispatcher.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		response.RespondError(c, http.StatusBadRequest, string(ciserr.InvalidRequest), err)
		return
	}
	j, err := h.Dispatcher.Dispatch(c.Request.Context(), payload)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job_id": j.ID})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	j, err := h.Jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, j)
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.Jobs.List(c.Request.Context(), job.ListFilter{
		Status: model.Status(c.Query("status")),
		Repo:   c.Query("repo"),
		Branch: c.Query("branch"),
		Cursor: c.Query("cursor"),
		Limit:  limit,
	})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": page.Jobs, "next_cursor": page.NextCursor})
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	j, err := h.Jobs.Cancel(ctx, id, time.Now())
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	// The CAS above only flips the KV record; a worker mid-execution is
	// watching cancel:{id} (worker.watchCancellation), not the job
	// record, so it must be signalled here too (spec §4.5/§5).
	_ = worker.SignalCancel(ctx, h.KV, id)
	response.RespondOK(c, j)
}

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/raibid-labs/ci-core/internal/dispatcher"
	"github.com/raibid-labs/ci-core/internal/httpapi/handlers"
	"github.com/raibid-labs/ci-core/internal/job"
	"github.com/raibid-labs/ci-core/internal/kv"
	"github.com/raibid-labs/ci-core/internal/logger"
	"github.com/raibid-labs/ci-core/internal/metricsx"
	"github.com/raibid-labs/ci-core/internal/queue"
	"github.com/raibid-labs/ci-core/internal/sse"
	"github.com/raibid-labs/ci-core/internal/worker"
)

func newTestRouter(t *testing.T) http.Handler {
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
	disp := dispatcher.New(jobs, q, store, "", log)

	return NewRouter(RouterConfig{
		Job:    handlers.NewJobHandler(jobs, disp, store),
		Logs:   handlers.NewLogsHandler(sse.NewHub(store, log)),
		System: handlers.NewSystemHandler(worker.NewRegistry(store), metricsx.NewCollector(q, "jobs", "workers", log)),
	})
}

func TestRouter_HealthEndpointIsReachable(t *testing.T) {
	r := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_CreateThenGetJobRoundTrips(t *testing.T) {
	r := newTestRouter(t)

	createRec := httptest.NewRecorder()
	createReq := httptest.NewRequest(http.MethodPost, "/api/jobs", bytesBody(`{"repo":"acme/widgets","branch":"main"}`))
	createReq.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusOK, createRec.Code)

	id := extractID(t, createRec.Body.Bytes())

	getRec := httptest.NewRecorder()
	getReq := httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil)
	r.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestRouter_UnknownJobReturns404(t *testing.T) {
	r := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/does-not-exist", nil)
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_QueueDepthWarningHeaderAbsentBelowThreshold(t *testing.T) {
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
	disp := dispatcher.New(jobs, q, store, "", log)
	collector := metricsx.NewCollector(q, "jobs", "workers", log)

	r := NewRouter(RouterConfig{
		Job:        handlers.NewJobHandler(jobs, disp, store),
		Logs:       handlers.NewLogsHandler(sse.NewHub(store, log)),
		System:     handlers.NewSystemHandler(worker.NewRegistry(store), collector),
		DepthAlert: 1,
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("X-Queue-Depth-Warning"))
}

func bytesBody(s string) *bytes.Reader {
	return bytes.NewReader([]byte(s))
}

func extractID(t *testing.T, raw []byte) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	return id
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/admission"
	"github.com/JakeFAU/media-job-server/internal/clock/system"
	"github.com/JakeFAU/media-job-server/internal/id/uuid"
	"github.com/JakeFAU/media-job-server/internal/job"
	queueMemory "github.com/JakeFAU/media-job-server/internal/queue/memory"
	"github.com/JakeFAU/media-job-server/internal/registry"
	"github.com/JakeFAU/media-job-server/internal/storage/memory"
	"github.com/JakeFAU/media-job-server/internal/worker"
)

const testOp = "audio.probe"

type echoRequest struct {
	Value      int    `json:"value"`
	Fail       string `json:"fail"`
	WebhookURL string `json:"webhook_url"`
	ID         string `json:"id"`
}

// echoHandler rejects negative values before admission and fails at run time
// when asked to.
type echoHandler struct {
	release  chan struct{}
	prepared *atomic.Int32
}

func (h echoHandler) Prepare(_ context.Context, raw json.RawMessage) (any, error) {
	if h.prepared != nil {
		h.prepared.Add(1)
	}
	var req echoRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, job.BadRequest("invalid JSON payload: %v", err)
	}
	if req.Value < 0 {
		return nil, job.BadRequest("value must be >= 0")
	}
	return req, nil
}

func (h echoHandler) Handle(ctx context.Context, j *job.Job) (any, error) {
	if h.release != nil {
		select {
		case <-h.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	req := j.Request.Params.(echoRequest)
	switch req.Fail {
	case "missing":
		return nil, job.NotFound("File 'x.mp3' not found")
	case "boom":
		return nil, errors.New("ffmpeg exploded")
	}
	return map[string]int{"value": req.Value}, nil
}

type testServer struct {
	srv   *httptest.Server
	jobs  *memory.JobStore
	queue *queueMemory.Queue
}

type serverOptions struct {
	maxQueue int
	workers  bool
	auth     bool
	handler  echoHandler
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	clock := system.New()
	queue := queueMemory.NewQueue(clock)
	jobs := memory.NewJobStore()
	reg := registry.New()
	reg.MustRegister(testOp, opts.handler)

	adm := admission.New(queue, admission.NewCounter(0), uuid.New(), clock, jobs, nil,
		admission.Config{MaxQueueLength: opts.maxQueue}, zap.NewNop())
	if opts.workers {
		w := worker.New(0, queue, reg, clock, nil, nil, zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			w.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	cfg := Config{
		AuthEnabled: opts.auth,
		APIKey:      "secret",
		Routes:      []Route{{Path: "/v1/audio/probe", Operation: testOp}},
	}
	srv := httptest.NewServer(NewServer(adm, reg, jobs, cfg, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, jobs: jobs, queue: queue}
}

func (ts *testServer) post(t *testing.T, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/v1/audio/probe", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestSyncSubmissionReturnsEnvelope(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverOptions{workers: true})
	resp, env := ts.post(t, `{"value": 7, "id": "caller-1"}`, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 200, env["code"])
	require.Equal(t, "success", env["message"])
	require.Equal(t, "caller-1", env["id"])
	require.Equal(t, "/v1/audio/probe", env["endpoint"])
	require.EqualValues(t, 1, env["queue_id"])
	require.EqualValues(t, 0, env["pid"])
	require.Equal(t, map[string]any{"value": float64(7)}, env["response"])
	require.True(t, uuid.Valid(env["job_id"].(string)))
	for _, key := range []string{"run_time", "queue_time", "total_time", "queue_length"} {
		require.Contains(t, env, key)
	}
	require.Equal(t, 0, ts.jobs.Len(), "finished sync jobs are released")
}

func TestSyncFailureUsesJobCode(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverOptions{workers: true})

	resp, env := ts.post(t, `{"value": 1, "fail": "missing"}`, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "File 'x.mp3' not found", env["message"])
	require.Nil(t, env["response"])

	resp, env = ts.post(t, `{"value": 1, "fail": "boom"}`, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.EqualValues(t, 500, env["code"])
	require.EqualValues(t, 2, env["queue_id"])
}

func TestValidationFailureCreatesNoJob(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverOptions{})

	resp, env := ts.post(t, `{"value": -1, "id": "abc"}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "value must be >= 0", env["message"])
	require.Equal(t, "abc", env["id"])
	require.NotContains(t, env, "job_id")

	resp, _ = ts.post(t, `{"value": `, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Equal(t, 0, ts.jobs.Len())
	require.Equal(t, 0, ts.queue.Len())
}

func TestAsyncSubmissionAcknowledges(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverOptions{maxQueue: 5})
	resp, ack := ts.post(t, `{"value": 1, "webhook_url": "https://hooks.test/done", "id": "c-9"}`, nil)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.EqualValues(t, 202, ack["code"])
	require.Equal(t, "processing", ack["message"])
	require.Equal(t, "c-9", ack["id"])
	require.EqualValues(t, 1, ack["queue_id"])
	require.EqualValues(t, 1, ack["queue_length"])
	require.EqualValues(t, 5, ack["max_queue_length"])

	jobID := ack["job_id"].(string)
	getResp, err := ts.srv.Client().Get(ts.srv.URL + "/v1/jobs/" + jobID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var snap map[string]any
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&snap))
	require.Equal(t, string(job.StateQueued), snap["state"])
	require.Equal(t, true, snap["async"])
}

func TestCapacityRejection(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverOptions{maxQueue: 1})
	resp, _ := ts.post(t, `{"value": 1, "webhook_url": "https://hooks.test/a"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, env := ts.post(t, `{"value": 2, "id": "late"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.EqualValues(t, 429, env["code"])
	require.Equal(t, "late", env["id"])
	require.EqualValues(t, 1, env["queue_length"])
	require.EqualValues(t, 1, env["max_queue_length"])
	require.Equal(t, 1, ts.jobs.Len())
}

func TestFullQueueRejectsBeforePrepare(t *testing.T) {
	t.Parallel()

	prepared := &atomic.Int32{}
	ts := newTestServer(t, serverOptions{maxQueue: 1, handler: echoHandler{prepared: prepared}})
	resp, _ := ts.post(t, `{"value": 1, "webhook_url": "https://hooks.test/a"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.EqualValues(t, 1, prepared.Load())

	// A payload Prepare would reject still gets 429 while the queue is full.
	resp, env := ts.post(t, `{"value": -1, "id": "shed"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "shed", env["id"])
	require.EqualValues(t, 1, env["queue_length"])
	require.EqualValues(t, 1, env["max_queue_length"])
	require.EqualValues(t, 1, prepared.Load())
	require.Equal(t, 1, ts.jobs.Len())
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverOptions{})
	for _, id := range []string{"not-a-uuid", "5b0f5c8e-8f1c-4a3b-9a47-0d2f5f0c1e2a"} {
		resp, err := ts.srv.Client().Get(ts.srv.URL + "/v1/jobs/" + id)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, serverOptions{auth: true, workers: true})

	resp, env := ts.post(t, `{"value": 1}`, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 401, env["code"])

	resp, _ = ts.post(t, `{"value": 1}`, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.post(t, `{"value": 1}`, map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health, err := ts.srv.Client().Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func TestSyncCallerDisconnectReleasesJobLater(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ts := newTestServer(t, serverOptions{workers: true, handler: echoHandler{release: release}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.srv.URL+"/v1/audio/probe", bytes.NewBufferString(`{"value": 3}`))
	require.NoError(t, err)
	_, err = ts.srv.Client().Do(req)
	require.Error(t, err)

	require.Eventually(t, func() bool { return ts.jobs.Len() == 1 }, time.Second, 10*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return ts.jobs.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	clock := system.New()
	queue := queueMemory.NewQueue(clock)
	jobs := memory.NewJobStore()
	adm := admission.New(queue, nil, uuid.New(), clock, jobs, nil, admission.Config{}, nil)
	srv := NewServer(adm, registry.New(), jobs, Config{
		Ready: func(context.Context) error { return errors.New("storage unreachable") },
	}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/breaker"
	"github.com/JakeFAU/resilient-extractor/internal/config"
	"github.com/JakeFAU/resilient-extractor/internal/dispatcher"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/jobs"
	"github.com/JakeFAU/resilient-extractor/internal/policy/ratelimit"
	"github.com/JakeFAU/resilient-extractor/internal/pool"
	queueMemory "github.com/JakeFAU/resilient-extractor/internal/queue/memory"
	storeMemory "github.com/JakeFAU/resilient-extractor/internal/storage/memory"
	"github.com/JakeFAU/resilient-extractor/internal/store"
	"github.com/JakeFAU/resilient-extractor/internal/validate"
)

type testEnv struct {
	server *Server
	queue  *queueMemory.Queue
	jobs   *storeMemory.JobStore
	ext    *fakeExtractor
}

func newTestEnv(t *testing.T, cfg config.Config, mutate func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		queue: queueMemory.NewQueue(10),
		jobs:  storeMemory.NewJobStore(),
		ext:   &fakeExtractor{validator: validate.Default()},
	}
	deps := Deps{
		Extractor:  env.ext,
		Jobs:       env.jobs,
		Dispatcher: dispatcher.New(env.queue, nil),
		IDs:        &fakeIDGen{ids: []string{"job-1"}},
		Clock:      &fakeClock{now: time.Unix(100, 0).UTC()},
		Logger:     zap.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.server = NewServer(deps, cfg)
	return env
}

func (e *testEnv) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerExtractRunsBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := env.do(http.MethodPost, "/v1/extract", `{"batch_id":"nightly","tasks":[{"url":"https://example.com/a"},{"url":""},{"url":"https://example.com/b"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var result extraction.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, "nightly", result.BatchID)
	require.Len(t, result.Results, 2)
	require.Equal(t, "nightly-2", result.Results[1].Task.ID)
	require.Equal(t, 2, result.Stats.Successful)
}

func TestServerExtractGeneratesBatchID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := env.do(http.MethodPost, "/v1/extract", `{"tasks":[{"url":"https://example.com"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var result extraction.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, "batchdefault", result.BatchID)
}

func TestServerExtractRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	tests := map[string]string{
		"invalid json":  `{invalid`,
		"private ip":    `{"batch_id":"b","tasks":[{"url":"http://10.0.0.1/admin"}]}`,
		"bad scheme":    `{"batch_id":"b","tasks":[{"url":"file:///etc/passwd"}]}`,
		"no tasks":      `{"batch_id":"b","tasks":[]}`,
		"bad batch id":  `{"batch_id":"no spaces","tasks":[{"url":"https://example.com"}]}`,
		"bad selector":  `{"batch_id":"b","tasks":[{"url":"https://example.com","selector":"<script>"}]}`,
		"metadata host": `{"batch_id":"b","tasks":[{"url":"http://169.254.169.254/latest"}]}`,
	}
	for name, body := range tests {
		rec := env.do(http.MethodPost, "/v1/extract", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
		require.Contains(t, rec.Body.String(), "error", name)
	}
}

func TestServerExtractInternalError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	env.ext.runErr = errors.New("pool shut down")
	rec := env.do(http.MethodPost, "/v1/extract", `{"batch_id":"b","tasks":[{"url":"https://example.com"}]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerSubmitBatchEnqueuesJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := env.do(http.MethodPost, "/v1/batches", `{"batch_id":"nightly","tasks":[{"url":"https://example.com"}]}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"job_id":"job-1","batch_id":"nightly","tasks":1}`, rec.Body.String())

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", item.JobID)
	require.Equal(t, "nightly", item.BatchID)
	require.Equal(t, []extraction.Task{{
		ID:       "nightly-0",
		URL:      "https://example.com",
		Selector: extraction.DefaultSelector,
	}}, item.Tasks)

	job, err := env.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusQueued, job.Status)
	require.Equal(t, 1, job.TaskCount)
}

func TestServerSubmitBatchQueueFailureFailsJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	env.queue.Close()
	rec := env.do(http.MethodPost, "/v1/batches", `{"batch_id":"nightly","tasks":[{"url":"https://example.com"}]}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	job, err := env.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, job.Status)
}

func TestServerGetBatchJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	require.NoError(t, env.jobs.CreateJob(context.Background(), jobs.Job{ID: "job-9", BatchID: "nightly", Status: jobs.StatusRunning}))

	rec := env.do(http.MethodGet, "/v1/batches/job-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Job jobs.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, jobs.StatusRunning, body.Job.Status)

	rec = env.do(http.MethodGet, "/v1/batches/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerIntrospection(t *testing.T) {
	t.Parallel()

	registry := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute}, breaker.ScopeStrategy, nil)
	registry.Get("headless-primary", "https://example.com")
	env := newTestEnv(t, config.Config{}, func(d *Deps) {
		d.Breakers = registry
		d.Resources = fakeResources{}
	})

	rec := env.do(http.MethodGet, "/v1/breakers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var breakers struct {
		Breakers []breaker.State `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &breakers))
	require.Len(t, breakers.Breakers, 1)
	require.Equal(t, breaker.Closed, breakers.Breakers[0].State)

	rec = env.do(http.MethodGet, "/v1/pool", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res Resources
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 5, res.Pool.MaxSize)
	require.Equal(t, 1, res.Instances.InFlight)
	require.Equal(t, int64(7), res.RateLimit.Throttled)
}

func TestServerIntrospectionWithoutSources(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := env.do(http.MethodGet, "/v1/breakers", "")
	require.JSONEq(t, `{"breakers":[]}`, rec.Body.String())
	rec = env.do(http.MethodGet, "/v1/pool", "")
	require.JSONEq(t, `{}`, rec.Body.String())
}

func TestServerReadyz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, func(d *Deps) {
		d.Ready = func(context.Context) error { return errors.New("postgres unreachable") }
	})
	rec := env.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "postgres unreachable")

	rec = newTestEnv(t, config.Config{}, nil).do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerProgressRoutes(t *testing.T) {
	t.Parallel()

	repo := &mockProgressRepo{runs: []store.BatchRun{{BatchID: "nightly", Status: store.RunRunning}}}
	env := newTestEnv(t, config.Config{}, func(d *Deps) {
		d.Progress = NewProgressHandler(repo, zap.NewNop())
	})
	rec := env.do(http.MethodGet, "/v1/runs/nightly", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"batch_id":"nightly"`)
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	_ = env.do(http.MethodGet, "/healthz", "")
	rec := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServerAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	env := newTestEnv(t, cfg, nil)

	rec := env.do(http.MethodGet, "/v1/breakers", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/v1/breakers", "", "X-API-Key", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := env.do(http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/healthz", "", "X-Request-ID", "req-42")
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeExtractor struct {
	validator *validate.Validator
	runErr    error
}

func (f *fakeExtractor) Validate(batchID string, raw []extraction.RawTask) ([]extraction.Task, error) {
	return f.validator.Batch(batchID, raw)
}

func (f *fakeExtractor) Run(_ context.Context, batchID string, raw []extraction.RawTask) (extraction.BatchResult, error) {
	tasks, err := f.Validate(batchID, raw)
	if err != nil {
		return extraction.BatchResult{}, err
	}
	if f.runErr != nil {
		return extraction.BatchResult{}, f.runErr
	}
	results := make([]extraction.Result, 0, len(tasks))
	for _, task := range tasks {
		results = append(results, extraction.Result{Task: task, Success: true, StrategyUsed: "http-direct", Attempts: 1})
	}
	return extraction.BatchResult{BatchID: batchID, Results: results, Stats: extraction.ComputeStats(results)}, nil
}

type fakeResources struct{}

func (fakeResources) Resources() Resources {
	return Resources{
		Pool:      &pool.Stats{Idle: 2, InUse: 1, Live: 3, MaxSize: 5},
		Instances: &InstanceStats{Cap: 5, InFlight: 1, Peak: 3},
		RateLimit: &ratelimit.Stats{TotalCalls: 40, Throttled: 7, AvgWait: time.Second},
	}
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

func (f *fakeIDGen) NewBatchID() (string, error) {
	return "batchdefault", nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

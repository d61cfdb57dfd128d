package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/dispatcher"
	memoryStorage "github.com/JakeFAU/resilient-extractor/internal/storage/memory"
)

func TestBuildServeApp(t *testing.T) {
	cfg := testConfig(t, "http-direct", "reader-rotation")
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"

	app, err := Build(context.Background(), &cfg, Options{
		API:        true,
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	require.IsType(t, &memoryStorage.BlobStore{}, app.BlobStore())
	require.NotNil(t, app.Pipeline())

	handler := app.Handler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pool", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "rate_limit")
}

func TestBuildWithoutAPI(t *testing.T) {
	cfg := testConfig(t, "http-direct")
	cfg.Progress.Enabled = false
	cfg.Storage.Backend = "local"
	cfg.Storage.Local.BaseDir = t.TempDir()

	app, err := Build(context.Background(), &cfg, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	require.Nil(t, app.Handler())
	require.ErrorContains(t, app.Run(context.Background()), "without the API")
	require.NotNil(t, app.BlobStore())
}

func TestBuildRejectsBadStrategy(t *testing.T) {
	cfg := testConfig(t, "nope")
	cfg.Progress.Enabled = false

	_, err := Build(context.Background(), &cfg, Options{Logger: zap.NewNop()})
	require.ErrorContains(t, err, "pipeline init failed")
}

// lingeringWorker keeps working for a while after cancellation, like a worker
// finishing its current job.
type lingeringWorker struct {
	finished atomic.Bool
}

func (w *lingeringWorker) Run(ctx context.Context) {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	w.finished.Store(true)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRunWaitsForWorkersBeforeClosing(t *testing.T) {
	cfg := testConfig(t, "http-direct")
	cfg.Server.Port = freePort(t)

	app, err := Build(context.Background(), &cfg, Options{
		API:        true,
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	worker := &lingeringWorker{}
	app.dispatch = dispatcher.New(nil, []dispatcher.Runner{worker})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, app.Run(ctx))
	require.True(t, worker.finished.Load())
}

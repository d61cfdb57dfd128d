package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/config"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/jobs"
	memoryStorage "github.com/JakeFAU/resilient-extractor/internal/storage/memory"
	"github.com/JakeFAU/resilient-extractor/internal/validate"
)

type fakeApp struct {
	blobs    *memoryStorage.BlobStore
	withAPI  bool
	batchID  string
	ran      bool
	closed   bool
	runErr   error
	extracts int
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) Extract(_ context.Context, batchID string, raw []extraction.RawTask) (extraction.BatchResult, error) {
	f.extracts++
	f.batchID = batchID
	tasks, err := validate.Default().Batch(batchID, raw)
	if err != nil {
		return extraction.BatchResult{}, err
	}
	results := make([]extraction.Result, 0, len(tasks))
	for _, task := range tasks {
		results = append(results, extraction.Result{Task: task, Success: true, StrategyUsed: "http-direct", Attempts: 1})
	}
	return extraction.BatchResult{BatchID: batchID, Results: results, Stats: extraction.ComputeStats(results)}, nil
}

func (f *fakeApp) BlobStore() jobs.BlobStore { return f.blobs }

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.runErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

// withFakeApp swaps the app factory. Tests using it must not run in parallel.
func withFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	app := &fakeApp{blobs: memoryStorage.NewBlobStore()}
	orig := newApp
	newApp = func(_ context.Context, cfg *config.Config, withAPI bool) (App, error) {
		if cfg == nil {
			return nil, errors.New("missing config")
		}
		app.withAPI = withAPI
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
	return app
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeInput(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunCommandPrintsResult(t *testing.T) {
	app := withFakeApp(t)
	input := writeInput(t, `[{"url":"https://example.com/a"},{"url":""},{"url":"https://example.com/b"}]`)

	out, err := execute(t, "run", "--input", input, "--batch-id", "nightly")
	require.NoError(t, err)
	require.False(t, app.withAPI)
	require.True(t, app.closed)

	var result extraction.BatchResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, "nightly", result.BatchID)
	require.Len(t, result.Results, 2)
	require.Equal(t, "nightly-2", result.Results[1].Task.ID)
	require.Empty(t, app.blobs.Paths())
}

func TestRunCommandBatchIDFromFileAndOut(t *testing.T) {
	app := withFakeApp(t)
	input := writeInput(t, `{"batch_id":"from-file","tasks":[{"url":"https://example.com"}]}`)

	_, err := execute(t, "run", "--input", input, "--out", "results/from-file.json")
	require.NoError(t, err)
	require.Equal(t, "from-file", app.batchID)

	data, contentType, ok := app.blobs.Object("results/from-file.json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	require.Contains(t, string(data), `"batch_id": "from-file"`)
}

func TestRunCommandGeneratesBatchID(t *testing.T) {
	app := withFakeApp(t)
	input := writeInput(t, `[{"url":"https://example.com"}]`)

	_, err := execute(t, "run", "--input", input)
	require.NoError(t, err)
	require.Len(t, app.batchID, 32)
}

func TestRunCommandErrors(t *testing.T) {
	app := withFakeApp(t)

	_, err := execute(t, "run")
	require.ErrorContains(t, err, `required flag(s) "input" not set`)

	_, err = execute(t, "run", "--input", filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "read input")

	_, err = execute(t, "run", "--input", writeInput(t, `{not json`))
	require.ErrorContains(t, err, "parse input")

	_, err = execute(t, "run", "--input", writeInput(t, `[{"url":"http://10.1.2.3/"}]`), "--batch-id", "b")
	require.ErrorIs(t, err, extraction.ErrPrivateIP)
	require.Equal(t, 1, app.extracts)
}

func TestServeCommandRunsApp(t *testing.T) {
	app := withFakeApp(t)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, app.withAPI)
	require.True(t, app.ran)
	require.True(t, app.closed)

	app.runErr = context.Canceled
	_, err = execute(t, "serve")
	require.NoError(t, err)

	app.runErr = errors.New("port in use")
	_, err = execute(t, "serve")
	require.ErrorContains(t, err, "port in use")
}

func TestRootCommandBadConfig(t *testing.T) {
	withFakeApp(t)

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "serve")
	require.ErrorContains(t, err, "load config")
}

package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/config"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

const storyParagraph = `Harbour pilots guided the freighter through fog while gulls circled above the quay.
Engineers checked valves, recorded pressures and logged every anomaly in a worn notebook.
By midday the cargo of timber, copper wire and canned peaches was stacked beside warehouse nine.`

func testConfig(t *testing.T, strategies ...string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Extraction.Strategies = strategies
	cfg.Extraction.RetryBaseDelayMs = 0
	cfg.Quality = config.QualityConfig{MinLength: 100, MinUniqueChars: 15, MinWords: 20, MaxRepetition: 0.5}
	cfg.Reader.Firecrawl.APIKey = ""
	return cfg
}

func TestBuildPipelineRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := BuildPipeline(testConfig(t, "http-direct", "telepathy"), nil, zap.NewNop())
	require.ErrorContains(t, err, `unknown strategy "telepathy"`)
}

func TestBuildPipelineFirecrawlNeedsKey(t *testing.T) {
	t.Parallel()

	_, err := BuildPipeline(testConfig(t, "reader-firecrawl"), nil, nil)
	require.ErrorContains(t, err, "firecrawl api key is required")

	cfg := testConfig(t, "reader-firecrawl")
	cfg.Reader.Firecrawl.APIKey = "fc"
	p, err := BuildPipeline(cfg, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"reader-firecrawl"}, p.Chain.Strategies())
}

func TestBuildPipelineRotationWithoutFirecrawl(t *testing.T) {
	t.Parallel()

	p, err := BuildPipeline(testConfig(t, "http-direct", "reader-rotation"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"http-direct", "reader-rotation"}, p.Chain.Strategies())

	res := p.Resources()
	require.Nil(t, res.Pool)
	require.Nil(t, res.Instances)
	require.NotNil(t, res.RateLimit)
	require.NoError(t, p.Close(context.Background()))
}

func TestBuildPipelineRejectsBadProxy(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http-direct")
	cfg.Proxy.URLs = []string{"http://proxy-a:3128", "http://%zz"}
	_, err := BuildPipeline(cfg, nil, nil)
	require.ErrorContains(t, err, "strategy http-direct")

	cfg.Proxy.URLs = []string{"http://proxy-a:3128"}
	p, err := BuildPipeline(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))
}

func TestBuildPipelineHeadlessResources(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "headless-primary", "headless-stealth", "reader-jina")
	cfg.Extraction.PoolMaxSize = 3
	cfg.Extraction.InstanceCap = 4
	p, err := BuildPipeline(cfg, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"headless-primary", "headless-stealth", "reader-jina"}, p.Chain.Strategies())

	res := p.Resources()
	require.NotNil(t, res.Pool)
	require.Equal(t, 3, res.Pool.MaxSize)
	require.Zero(t, res.Pool.Live)
	require.Equal(t, 4, res.Instances.Cap)
	require.Zero(t, res.Instances.InFlight)

	// Chrome never launched, so closing only drains the empty pool.
	require.NoError(t, p.Close(context.Background()))
}

func TestPipelineRunRejectsInvalidBatch(t *testing.T) {
	t.Parallel()

	p, err := BuildPipeline(testConfig(t, "http-direct"), nil, nil)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), "b1", []extraction.RawTask{{URL: "http://192.168.1.10/router"}})
	var verr *extraction.ValidationError
	require.True(t, errors.As(err, &verr))
	require.ErrorIs(t, err, extraction.ErrPrivateIP)

	tasks, err := p.Validate("b1", []extraction.RawTask{{URL: ""}, {URL: "https://example.com/a"}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "b1-1", tasks[0].ID)
}

func TestPipelineRunBatchHTTPDirect(t *testing.T) {
	t.Parallel()

	body := "<html><head><title>Harbour log</title></head><body><main><p>" +
		strings.Repeat(storyParagraph+" ", 2) + "</p></main></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	var events []string
	observer := extraction.ObserverFunc(func(name string, _ map[string]any) {
		events = append(events, name)
	})
	cfg := testConfig(t, "http-direct")
	cfg.Extraction.MaxConcurrent = 1
	cfg.Extraction.MaxRetries = 1
	p, err := BuildPipeline(cfg, observer, nil)
	require.NoError(t, err)

	// The validator blocks loopback targets, so the test server is reached
	// through already validated tasks.
	result := p.RunBatch(context.Background(), "harbour", []extraction.Task{
		{ID: "harbour-0", URL: srv.URL + "/log", Selector: extraction.DefaultSelector},
		{ID: "harbour-1", URL: srv.URL + "/missing", Selector: extraction.DefaultSelector},
	})

	require.Equal(t, "harbour", result.BatchID)
	require.Len(t, result.Results, 2)
	ok := result.Results[0]
	require.True(t, ok.Success, ok.Error)
	require.Equal(t, "http-direct", ok.StrategyUsed)
	require.Equal(t, "Harbour log", ok.Content.Title)
	require.False(t, result.Results[1].Success)
	require.Equal(t, 1, result.Stats.Successful)
	require.Equal(t, 1, result.Stats.Failed)

	require.Equal(t, extraction.EventBatchStarted, events[0])
	require.Equal(t, extraction.EventBatchFinished, events[len(events)-1])
}

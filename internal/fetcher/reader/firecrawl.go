package reader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/resilient-extractor/internal/content"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// DefaultFirecrawlURL is the hosted Firecrawl API.
const DefaultFirecrawlURL = "https://api.firecrawl.dev"

// ErrMissingAPIKey is returned when Firecrawl is configured without a key.
var ErrMissingAPIKey = errors.New("firecrawl api key is required")

// Firecrawl fetches pages through the Firecrawl scrape API.
type Firecrawl struct {
	cfg    Config
	client *http.Client
}

// NewFirecrawl builds the reader-firecrawl strategy.
func NewFirecrawl(cfg Config) (*Firecrawl, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultFirecrawlURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Firecrawl{cfg: cfg, client: cfg.client()}, nil
}

// Name implements extraction.Strategy.
func (f *Firecrawl) Name() string { return FirecrawlName }

type scrapeRequest struct {
	URL             string   `json:"url"`
	Formats         []string `json:"formats"`
	OnlyMainContent bool     `json:"onlyMainContent"`
}

type scrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Markdown string `json:"markdown"`
		HTML     string `json:"html"`
		Metadata struct {
			Title      string `json:"title"`
			SourceURL  string `json:"sourceURL"`
			StatusCode int    `json:"statusCode"`
		} `json:"metadata"`
	} `json:"data"`
}

// Fetch implements extraction.Strategy.
func (f *Firecrawl) Fetch(ctx context.Context, task extraction.Task) (*extraction.RawContent, error) {
	payload := scrapeRequest{
		URL:             task.URL,
		Formats:         []string{"markdown", "html"},
		OnlyMainContent: true,
	}
	var resp scrapeResponse
	if err := doJSON(ctx, f.client, FirecrawlName, http.MethodPost, f.cfg.BaseURL+"/v1/scrape", bearer(f.cfg.APIKey), payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%s: scrape failed: %s", FirecrawlName, resp.Error)
	}

	finalURL := resp.Data.Metadata.SourceURL
	if finalURL == "" {
		finalURL = task.URL
	}
	out := &extraction.RawContent{
		Text:      normalizeSpace(resp.Data.Markdown),
		FinalURL:  finalURL,
		FetchedAt: time.Now().UTC(),
	}
	if resp.Data.HTML != "" {
		opts := content.FromTask(task, finalURL)
		opts.SkipMarkdown = true
		parsed, err := content.Extract(resp.Data.HTML, opts)
		if err != nil {
			return nil, err
		}
		out = parsed
	}
	out.Markdown = strings.TrimSpace(resp.Data.Markdown)
	if title := resp.Data.Metadata.Title; title != "" {
		out.Title = title
	}
	out.StatusCode = resp.Data.Metadata.StatusCode
	if out.StatusCode == 0 {
		out.StatusCode = http.StatusOK
	}
	return out, nil
}

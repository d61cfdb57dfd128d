package reader

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// DefaultJinaURL is the public Jina reader endpoint.
const DefaultJinaURL = "https://r.jina.ai"

// Jina fetches pages through the Jina reader. The API key is optional.
type Jina struct {
	cfg    Config
	client *http.Client
}

// NewJina builds the reader-jina strategy.
func NewJina(cfg Config) *Jina {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultJinaURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Jina{cfg: cfg, client: cfg.client()}
}

// Name implements extraction.Strategy.
func (j *Jina) Name() string { return JinaName }

type jinaResponse struct {
	Code int `json:"code"`
	Data struct {
		Title       string          `json:"title"`
		Description string          `json:"description"`
		URL         string          `json:"url"`
		Content     string          `json:"content"`
		Images      json.RawMessage `json:"images"`
		Links       json.RawMessage `json:"links"`
	} `json:"data"`
}

// Fetch implements extraction.Strategy.
func (j *Jina) Fetch(ctx context.Context, task extraction.Task) (*extraction.RawContent, error) {
	var resp jinaResponse
	if err := doJSON(ctx, j.client, JinaName, http.MethodGet, j.cfg.BaseURL+"/"+task.URL, bearer(j.cfg.APIKey), nil, &resp); err != nil {
		return nil, err
	}
	finalURL := resp.Data.URL
	if finalURL == "" {
		finalURL = task.URL
	}
	out := &extraction.RawContent{
		Title:      resp.Data.Title,
		Text:       normalizeSpace(resp.Data.Content),
		Markdown:   strings.TrimSpace(resp.Data.Content),
		Links:      urlValues(resp.Data.Links),
		FinalURL:   finalURL,
		StatusCode: http.StatusOK,
		FetchedAt:  time.Now().UTC(),
	}
	if task.ExtractImages {
		out.Images = urlValues(resp.Data.Images)
	}
	return out, nil
}

// urlValues accepts either a JSON array of URLs or an object of label to URL.
func urlValues(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var byLabel map[string]string
	if err := json.Unmarshal(raw, &byLabel); err != nil {
		return nil
	}
	seen := make(map[string]struct{}, len(byLabel))
	out := make([]string, 0, len(byLabel))
	for _, u := range byLabel {
		if _, dup := seen[u]; dup || u == "" {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

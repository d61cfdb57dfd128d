// Package extraction defines the core types shared across the extraction pipeline.
package extraction

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DefaultSelector is applied when a task does not name one.
const DefaultSelector = "main, article, .content, body"

// RawTask is an untrusted task descriptor as supplied by a caller.
type RawTask struct {
	URL           string `json:"url"`
	Selector      string `json:"selector,omitempty"`
	WaitFor       string `json:"wait_for,omitempty"`
	ExtractImages bool   `json:"extract_images,omitempty"`
}

// Task is a validated unit of work. It is not modified after validation.
type Task struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Selector      string `json:"selector"`
	WaitFor       string `json:"wait_for,omitempty"`
	ExtractImages bool   `json:"extract_images"`
}

// BatchIDOf returns the batch part of a task ID of the form <batchID>-<index>.
func BatchIDOf(taskID string) string {
	if i := strings.LastIndexByte(taskID, '-'); i > 0 {
		return taskID[:i]
	}
	return taskID
}

// RawContent is what a strategy produces before quality evaluation.
type RawContent struct {
	HTML       string    `json:"html,omitempty"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	Markdown   string    `json:"markdown,omitempty"`
	Links      []string  `json:"links,omitempty"`
	Images     []string  `json:"images,omitempty"`
	FinalURL   string    `json:"final_url,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// QualityMetrics are computed for every evaluated text, accepted or not.
type QualityMetrics struct {
	Length          int     `json:"length"`
	UniqueChars     int     `json:"unique_chars"`
	WordCount       int     `json:"word_count"`
	RepetitionRatio float64 `json:"repetition_ratio"`
}

// QualityVerdict is the output of the quality gate.
type QualityVerdict struct {
	Passed  bool           `json:"passed"`
	Reason  string         `json:"reason,omitempty"`
	Metrics QualityMetrics `json:"metrics"`
}

// SignalKind names a family of anti-automation markers.
type SignalKind string

// Detection signal kinds.
const (
	SignalCaptcha    SignalKind = "captcha"
	SignalBlocked    SignalKind = "blocked"
	SignalCloudflare SignalKind = "cloudflare"
)

// Signal is one positive detection marker found on a fetched page.
type Signal struct {
	Kind     SignalKind `json:"kind"`
	Marker   string     `json:"marker"`
	Strategy string     `json:"strategy,omitempty"`
}

// Result is the terminal outcome for one Task.
type Result struct {
	Task         Task            `json:"task"`
	Success      bool            `json:"success"`
	StrategyUsed string          `json:"strategy_used,omitempty"`
	Attempts     int             `json:"attempts"`
	Content      *RawContent     `json:"content,omitempty"`
	Quality      *QualityVerdict `json:"quality_verdict,omitempty"`
	Error        string          `json:"error,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	Detections   []Signal        `json:"detections,omitempty"`
}

// Detected reports whether any strategy leg saw an anti-automation marker.
func (r Result) Detected() bool {
	return len(r.Detections) > 0
}

// Stats aggregates a batch run.
type Stats struct {
	Total       int            `json:"total"`
	Successful  int            `json:"successful"`
	Failed      int            `json:"failed"`
	Detected    int            `json:"detected"`
	SuccessRate float64        `json:"success_rate"`
	ByStrategy  map[string]int `json:"by_strategy"`
}

// BatchResult is the serializable output of a batch run.
type BatchResult struct {
	BatchID string   `json:"batch_id"`
	Results []Result `json:"results"`
	Stats   Stats    `json:"stats"`
}

// SortByTaskID orders results by task ID in place: by batch, then by numeric
// index, so b-2 comes before b-10.
func (b *BatchResult) SortByTaskID() {
	slices.SortStableFunc(b.Results, func(x, y Result) int {
		return CompareTaskIDs(x.Task.ID, y.Task.ID)
	})
}

// CompareTaskIDs compares two task IDs. IDs without a numeric index compare as strings.
func CompareTaskIDs(a, b string) int {
	if c := strings.Compare(BatchIDOf(a), BatchIDOf(b)); c != 0 {
		return c
	}
	ai, aok := taskIndex(a)
	bi, bok := taskIndex(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	return cmp.Compare(ai, bi)
}

func taskIndex(id string) (int, bool) {
	i := strings.LastIndexByte(id, '-')
	if i <= 0 {
		return 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ComputeStats derives batch statistics from a result set.
func ComputeStats(results []Result) Stats {
	stats := Stats{
		Total:      len(results),
		ByStrategy: make(map[string]int),
	}
	for _, res := range results {
		if res.Success {
			stats.Successful++
			stats.ByStrategy[res.StrategyUsed]++
		} else {
			stats.Failed++
		}
		if res.Detected() {
			stats.Detected++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats
}

// Package validate sanitizes raw task input and rejects SSRF targets.
package validate

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	whatwgUrl "github.com/nlnwa/whatwg-url/url"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// Batch and selector limits.
const (
	MaxBatchSize      = 100
	MaxSelectorLength = 500
)

var (
	batchIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
	forbiddenSelectors = `<>"';\`
	urlParser          = whatwgUrl.NewParser(whatwgUrl.WithPercentEncodeSinglePercentSign())
)

// Config overrides the default host and range lists.
type Config struct {
	BlockedHosts  []string
	PrivateRanges []string
}

// Validator turns raw task descriptors into validated tasks. It holds no mutable state.
type Validator struct {
	blocked *hostBlocklist
	private []netip.Prefix
}

// New builds a Validator. Empty lists fall back to the defaults.
func New(cfg Config) (*Validator, error) {
	hosts := cfg.BlockedHosts
	if len(hosts) == 0 {
		hosts = DefaultBlockedHosts
	}
	ranges := cfg.PrivateRanges
	if len(ranges) == 0 {
		ranges = DefaultPrivateRanges
	}
	prefixes, err := parsePrefixes(ranges)
	if err != nil {
		return nil, fmt.Errorf("parse private ranges: %w", err)
	}
	return &Validator{blocked: newHostBlocklist(hosts), private: prefixes}, nil
}

// Default returns a Validator with the built-in lists.
func Default() *Validator {
	v, err := New(Config{})
	if err != nil {
		panic(err)
	}
	return v
}

// URL checks scheme, blocked hosts and private ranges. The host is judged in the
// normalized form a browser would connect to, so numeric IPv4 spellings such as
// 2130706433, 0x7f.0.0.1 or 127.1 are caught. The returned URL is the normalized one.
func (v *Validator) URL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	normalized, err := urlParser.Parse(raw)
	if err != nil {
		return nil, invalid("url", extraction.ErrInvalidURL, "invalid url: %v", err)
	}
	scheme := normalized.Scheme()
	if scheme != "http" && scheme != "https" {
		return nil, invalid("url", extraction.ErrInvalidScheme, "invalid scheme: %q", scheme)
	}
	host := strings.Trim(normalized.Hostname(), "[]")
	if host == "" {
		return nil, invalid("url", extraction.ErrInvalidURL, "invalid url: missing host")
	}
	if v.blocked.IsBlocked(host) {
		return nil, invalid("url", extraction.ErrBlockedHost, "blocked host: %s", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap().WithZone("")
		for _, prefix := range v.private {
			if prefix.Contains(addr) {
				return nil, invalid("url", extraction.ErrPrivateIP, "private ip not allowed: %s", host)
			}
		}
	}
	parsed, err := url.Parse(normalized.Href(false))
	if err != nil {
		return nil, invalid("url", extraction.ErrInvalidURL, "invalid url: %v", err)
	}
	return parsed, nil
}

// Selector rejects injection characters and overlong selectors.
func (v *Validator) Selector(field, sel string) error {
	if strings.ContainsAny(sel, forbiddenSelectors) {
		return invalid(field, extraction.ErrInvalidSelector, "invalid characters in selector")
	}
	if len(sel) > MaxSelectorLength {
		return invalid(field, extraction.ErrInvalidSelector, "selector too long (%d > %d)", len(sel), MaxSelectorLength)
	}
	return nil
}

// Task validates a single raw task and assigns it the given ID.
func (v *Validator) Task(raw extraction.RawTask, id string) (extraction.Task, error) {
	parsed, err := v.URL(raw.URL)
	if err != nil {
		return extraction.Task{}, err
	}
	selector := strings.TrimSpace(raw.Selector)
	if selector == "" {
		selector = extraction.DefaultSelector
	}
	if err := v.Selector("selector", selector); err != nil {
		return extraction.Task{}, err
	}
	waitFor := strings.TrimSpace(raw.WaitFor)
	if waitFor != "" {
		if err := v.Selector("wait_for", waitFor); err != nil {
			return extraction.Task{}, err
		}
	}
	return extraction.Task{
		ID:            id,
		URL:           parsed.String(),
		Selector:      selector,
		WaitFor:       waitFor,
		ExtractImages: raw.ExtractImages,
	}, nil
}

// BatchID checks the batch identifier format.
func (v *Validator) BatchID(id string) error {
	if !batchIDPattern.MatchString(id) {
		return invalid("batch_id", extraction.ErrInvalidBatch, "invalid batch id %q", id)
	}
	return nil
}

// Batch validates every task in a batch. Items without a URL are skipped; any other
// invalid item rejects the whole batch.
func (v *Validator) Batch(batchID string, raw []extraction.RawTask) ([]extraction.Task, error) {
	if err := v.BatchID(batchID); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, invalid("tasks", extraction.ErrInvalidBatch, "no urls provided")
	}
	if len(raw) > MaxBatchSize {
		return nil, invalid("tasks", extraction.ErrInvalidBatch, "too many urls (%d), max %d per batch", len(raw), MaxBatchSize)
	}
	tasks := make([]extraction.Task, 0, len(raw))
	for i, item := range raw {
		if strings.TrimSpace(item.URL) == "" {
			continue
		}
		task, err := v.Task(item, batchID+"-"+strconv.Itoa(i))
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil, invalid("tasks", extraction.ErrInvalidBatch, "no valid urls after validation")
	}
	return tasks, nil
}

func invalid(field string, kind error, format string, args ...any) error {
	return &extraction.ValidationError{Field: field, Reason: fmt.Sprintf(format, args...), Kind: kind}
}

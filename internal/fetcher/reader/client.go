// Package reader implements strategies backed by hosted reader services that
// return page content as JSON.
package reader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Strategy names.
const (
	JinaName      = "reader-jina"
	FirecrawlName = "reader-firecrawl"
	RotationName  = "reader-rotation"
)

const defaultTimeout = 10 * time.Second

// maxBody caps how much of a reader response is buffered.
const maxBody = 16 << 20

// Config describes one reader endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

func (c Config) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// StatusError is a non-2xx reply from a reader service.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Service, e.Code, e.Body)
}

// doJSON sends req and decodes a 2xx JSON reply into out.
func doJSON(ctx context.Context, client *http.Client, service, method, url string, headers map[string]string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", service, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", service, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request: %w", service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Service: service, Code: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)), 200)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", service, err)
	}
	return nil
}

func bearer(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + key}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

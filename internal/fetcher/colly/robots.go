package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/resilient-extractor/internal/retry"
	"github.com/JakeFAU/resilient-extractor/internal/telemetry"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// robotsRetry waits 250ms, 500ms and 1s between robots.txt attempts.
var robotsRetry = retry.Policy{
	MaxAttempts: 4,
	BaseDelay:   250 * time.Millisecond,
	MaxJitter:   -1,
	Retryable:   isTransientDial,
}

// robotsTransport lets colly honor robots.txt without letting a flaky robots
// endpoint sink the page fetch. Timeouts on /robots.txt are retried and, once
// exhausted, answered with an allow-all file. Every other request passes
// straight through.
type robotsTransport struct {
	base   http.RoundTripper
	policy retry.Policy
}

func newRobotsTransport(base http.RoundTripper) *robotsTransport {
	return &robotsTransport{base: base, policy: robotsRetry}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req)
	}

	var resp *http.Response
	_, err := retry.Do(req.Context(), t.policy, func(ctx context.Context, _ int) error {
		var rtErr error
		resp, rtErr = t.base.RoundTrip(req.Clone(ctx))
		return rtErr
	})
	switch {
	case err == nil:
		return resp, nil
	case isTransientDial(err) && req.Context().Err() == nil:
		telemetry.ObserveRobotsFallback()
		return allowAllResponse(req), nil
	default:
		return nil, fmt.Errorf("fetch robots.txt for %s: %w", req.URL.Host, err)
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

// isTransientDial reports timeouts, including TLS handshake timeouts.
func isTransientDial(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

// Package chzzkapi contains minimal helpers for the public CHZZK service API:
// the popular-lives listing used for discovery and the channel / live-detail
// lookups used for enrichment and liveness checks. No credentials are required.
package chzzkapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/LucetTin5/chzzk-timeline/telemetry"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.chzzk.naver.com"

// ErrMalformedResponse marks a response body that could not be decoded. It signals an
// API contract violation and is never downgraded to an absence result.
var ErrMalformedResponse = errors.New("malformed chzzk response")

// StatusError is returned when an endpoint that has no absence semantics answers
// with a non-success status.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chzzk %s: unexpected status %d", e.Endpoint, e.StatusCode)
}

// Client is a thin HTTP client for the endpoints the scraper needs.
type Client struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
}

// New returns a client with the given base URL, user agent and request timeout.
func New(baseURL, userAgent string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    baseURL,
		UserAgent:  userAgent,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// getJSON performs a GET and decodes a 2xx body into out. For non-2xx responses it
// returns a *StatusError without reading the body, letting callers decide whether the
// status means "absent" or "failed".
func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "chzzkapi", "chzzk."+endpoint)
	defer span.End()
	start := time.Now()
	outcome := "ok"
	defer func() {
		telemetry.ObserveAPIRequest(endpoint, outcome, time.Since(start))
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
	}()

	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		outcome = "error"
		return fmt.Errorf("chzzk %s: build request: %w", endpoint, err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		outcome = "error"
		return fmt.Errorf("chzzk %s: %w", endpoint, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = "status"
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		outcome = "malformed"
		return fmt.Errorf("%w: %s: %w", ErrMalformedResponse, endpoint, err)
	}
	return nil
}

// absent reports whether err is a non-success status, which detail lookups treat as
// "no data available" rather than a failure.
func absent(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

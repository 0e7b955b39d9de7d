// Package source fetches pages of documents from upstream JSON feeds.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

// ErrTransient marks failures that are expected to clear on a later poll:
// network errors, timeouts and 5xx/429 responses.
var ErrTransient = errors.New("source: transient error")

const (
	DefaultUserAgent = "feedcdc/1.0"
	defaultTimeout   = 5 * time.Second
	maxBodyBytes     = 32 << 20
)

// Sort is the feed's sort direction parameter.
type Sort int

const (
	Descending Sort = 0
	Ascending  Sort = 1
)

// HTTPError is a non-2xx response from the feed.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
}

// Error implements error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("source: GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Is matches ErrTransient for retryable statuses.
func (e *HTTPError) Is(target error) bool {
	return target == ErrTransient && e.Temporary()
}

// PageRequest selects one page of the feed.
type PageRequest struct {
	Limit int
	Sort  Sort
	// Start is an ISO-8601 lower bound; empty means from the beginning.
	Start string
}

// Values encodes the request as the feed's query parameters.
func (r PageRequest) Values() url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(r.Limit))
	q.Set("sort", strconv.Itoa(int(r.Sort)))
	if r.Start != "" {
		q.Set("start", r.Start)
	}
	return q
}

// Feed is a paged upstream source.
type Feed interface {
	Fetch(ctx context.Context, req PageRequest) ([]value.Value, error)
}

// Client is an HTTP feed client.
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithUserAgent overrides DefaultUserAgent. Empty keeps the default.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient returns a client for the feed at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("source: parse url %q: %w", baseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("source: url %q must be absolute http(s)", baseURL)
	}
	c := &Client{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the feed base URL.
func (c *Client) URL() string { return c.baseURL }

// Fetch requests one page. The response must be a JSON array; each element
// is returned undecoded beyond the generic value tree.
func (c *Client) Fetch(ctx context.Context, req PageRequest) ([]value.Value, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("source: parse url: %w", err)
	}
	q := u.Query()
	for k, vs := range req.Values() {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("source: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrTransient, u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{URL: u.Redacted(), StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrTransient, u.Redacted(), err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("source: decode %s: expected a JSON array: %w", u.Redacted(), err)
	}
	page := make([]value.Value, 0, len(items))
	for i, item := range items {
		v, err := value.Parse(item)
		if err != nil {
			return nil, fmt.Errorf("source: decode %s: item %d: %w", u.Redacted(), i, err)
		}
		page = append(page, v)
	}
	return page, nil
}

var _ Feed = (*Client)(nil)

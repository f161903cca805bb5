package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SchemaVersion is the only wire version this client speaks.
const SchemaVersion = "v1"

const maxResponseBytes = 4 << 20

var (
	ErrUnreachable     = errors.New("detector: unreachable")
	ErrRejected        = errors.New("detector: request rejected")
	ErrResponseInvalid = errors.New("detector: invalid response")
)

// Request is the batch sent to the detection service.
type Request struct {
	SchemaVersion string   `json:"schema_version"`
	ImageURLs     []string `json:"image_urls"`
}

// Response is the detector verdict. CellTestCount is a pointer so that a
// missing count can be told apart from zero detected cells.
type Response struct {
	SchemaVersion   string   `json:"schema_version"`
	CellTestCount   *int     `json:"cell_test_count"`
	ProcessedImages []string `json:"processed_images"`
}

// Client calls the detection service over JSON/HTTP.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds every call, including reading the body.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func New(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("detector: invalid endpoint %q", endpoint)
	}
	c := &Client{
		endpoint: endpoint,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if c.http.Timeout == 0 || c.http.Timeout > c.timeout {
		cp := *c.http
		cp.Timeout = c.timeout
		c.http = &cp
	}
	return c, nil
}

func (c *Client) Timeout() time.Duration { return c.timeout }

// Detect sends imageURLs and decodes the verdict. It does not check that the
// verdict is complete; callers decide what a usable verdict is.
func (c *Client) Detect(ctx context.Context, imageURLs []string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(Request{SchemaVersion: SchemaVersion, ImageURLs: imageURLs})
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Response
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := dec.Decode(&out); err != nil {
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("%w: %w", ErrUnreachable, ctx.Err())
		}
		return Response{}, fmt.Errorf("%w: %w", ErrResponseInvalid, err)
	}
	if out.SchemaVersion != SchemaVersion {
		return Response{}, fmt.Errorf("%w: schema version %q", ErrResponseInvalid, out.SchemaVersion)
	}
	return out, nil
}

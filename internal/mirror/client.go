package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultHTTPTimeout = 15 * time.Second

// Record is the mirror-side projection of one production unit, keyed by the
// caller's external reference.
type Record struct {
	ExternalRef       string    `json:"external_ref"`
	UnitID            string    `json:"unit_id"`
	Status            string    `json:"status"`
	CompletedSegments int       `json:"completed_segments"`
	TotalSegments     int       `json:"total_segments"`
	FinalArtifactRef  string    `json:"final_artifact_ref,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Client is the mirror write/read surface. Implementations must be safe for
// concurrent use.
type Client interface {
	UpdateRecord(ctx context.Context, record Record) error
	FetchRecord(ctx context.Context, externalRef string) (*Record, error)
}

// Config captures the runtime settings required to talk to the mirror table.
type Config struct {
	BaseURL        string
	APIKey         string
	TableID        string
	TimeoutSeconds int
}

// HTTPClient talks to the mirror's REST API. It performs exactly one attempt
// per call; retry scheduling belongs to the outbox worker.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*HTTPClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewHTTPClient constructs a mirror client using the supplied configuration.
func NewHTTPClient(cfg Config, opts ...Option) *HTTPClient {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &HTTPClient{
		cfg: Config{
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:         strings.TrimSpace(cfg.APIKey),
			TableID:        strings.TrimSpace(cfg.TableID),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("mirror request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// UpdateRecord upserts the record for its external reference.
func (c *HTTPClient) UpdateRecord(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.ExternalRef) == "" {
		return errors.New("mirror update: external ref required")
	}
	encoded, err := json.Marshal(struct {
		Fields Record `json:"fields"`
	}{Fields: record})
	if err != nil {
		return fmt.Errorf("mirror update: encode body: %w", err)
	}
	endpoint := c.recordURL(record.ExternalRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("mirror update: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mirror update: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mirror update: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}
	return nil
}

// FetchRecord reads the mirror's current projection for an external
// reference. A missing record returns (nil, nil).
func (c *HTTPClient) FetchRecord(ctx context.Context, externalRef string) (*Record, error) {
	if strings.TrimSpace(externalRef) == "" {
		return nil, errors.New("mirror fetch: external ref required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordURL(externalRef), nil)
	if err != nil {
		return nil, fmt.Errorf("mirror fetch: new request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mirror fetch: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mirror fetch: read body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}
	var envelope struct {
		Fields Record `json:"fields"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("mirror fetch: decode response: %w", err)
	}
	return &envelope.Fields, nil
}

func (c *HTTPClient) recordURL(externalRef string) string {
	return fmt.Sprintf("%s/tables/%s/records/%s",
		c.cfg.BaseURL, url.PathEscape(c.cfg.TableID), url.PathEscape(externalRef))
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// Transient reports whether the error is worth retrying: rate limits, server
// errors, and network timeouts. Client-side 4xx responses are permanent.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return false
}

// RetryAfterHint extracts a server-supplied retry delay, if the error
// carried one.
func RetryAfterHint(err error) (time.Duration, bool) {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		return statusErr.RetryAfter, true
	}
	return 0, false
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}

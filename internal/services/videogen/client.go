package videogen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultPollInterval = 5 * time.Second

	jobStatusQueued    = "queued"
	jobStatusRunning   = "running"
	jobStatusSucceeded = "succeeded"
	jobStatusFailed    = "failed"
)

// Request describes one segment generation job. FirstFrameRef is the
// chaining input: the opening image for segment zero, the previous
// segment's last frame otherwise.
type Request struct {
	Prompt          string
	FirstFrameRef   string
	DurationSeconds int
	AspectRatio     string
}

// Result is a finished generation job. LastFrameRef is always populated on
// success; the next segment cannot start without it.
type Result struct {
	ArtifactRef   string
	FirstFrameRef string
	LastFrameRef  string
}

// Generator runs video generation jobs. Implementations must be safe for
// concurrent use.
type Generator interface {
	GenerateSegment(ctx context.Context, req Request) (Result, error)
}

// Config captures the runtime settings required to talk to the video
// provider.
type Config struct {
	BaseURL             string
	APIKey              string
	Model               string
	AspectRatio         string
	TimeoutSeconds      int
	PollIntervalSeconds int
}

// Client wraps the provider's submit and poll endpoints.
type Client struct {
	cfg          Config
	httpClient   *http.Client
	pollInterval time.Duration
	sleeper      func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithPollInterval overrides the poll cadence (useful for tests).
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithSleeper overrides how poll sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// NewClient constructs a video client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		// Per-request timeout; the overall job deadline comes from ctx.
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	pollInterval := defaultPollInterval
	if cfg.PollIntervalSeconds > 0 {
		pollInterval = time.Duration(cfg.PollIntervalSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			BaseURL:             strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:              strings.TrimSpace(cfg.APIKey),
			Model:               strings.TrimSpace(cfg.Model),
			AspectRatio:         strings.TrimSpace(cfg.AspectRatio),
			TimeoutSeconds:      cfg.TimeoutSeconds,
			PollIntervalSeconds: cfg.PollIntervalSeconds,
		},
		httpClient:   &http.Client{Timeout: timeout},
		pollInterval: pollInterval,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type submitRequest struct {
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	FirstFrameRef   string `json:"first_frame_ref"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
}

type jobResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	ArtifactRef   string `json:"artifact_ref"`
	FirstFrameRef string `json:"first_frame_ref"`
	LastFrameRef  string `json:"last_frame_ref"`
	Error         string `json:"error"`
}

// GenerateSegment submits a job and polls until it finishes. The caller's
// context deadline bounds the whole operation.
func (c *Client) GenerateSegment(ctx context.Context, req Request) (Result, error) {
	var empty Result
	if strings.TrimSpace(req.Prompt) == "" {
		return empty, errors.New("video generate: prompt required")
	}
	if strings.TrimSpace(req.FirstFrameRef) == "" {
		return empty, errors.New("video generate: first frame ref required")
	}
	if c.cfg.APIKey == "" {
		return empty, errors.New("video generate: api key required")
	}

	aspectRatio := req.AspectRatio
	if aspectRatio == "" {
		aspectRatio = c.cfg.AspectRatio
	}
	job, err := c.submit(ctx, submitRequest{
		Model:           c.cfg.Model,
		Prompt:          strings.TrimSpace(req.Prompt),
		FirstFrameRef:   strings.TrimSpace(req.FirstFrameRef),
		DurationSeconds: req.DurationSeconds,
		AspectRatio:     aspectRatio,
	})
	if err != nil {
		return empty, err
	}

	for {
		switch job.Status {
		case jobStatusSucceeded:
			if strings.TrimSpace(job.LastFrameRef) == "" {
				return empty, fmt.Errorf("video generate: job %s succeeded without last frame", job.JobID)
			}
			return Result{
				ArtifactRef:   job.ArtifactRef,
				FirstFrameRef: job.FirstFrameRef,
				LastFrameRef:  job.LastFrameRef,
			}, nil
		case jobStatusFailed:
			message := strings.TrimSpace(job.Error)
			if message == "" {
				message = "provider reported failure"
			}
			return empty, fmt.Errorf("video generate: job %s failed: %s", job.JobID, message)
		case jobStatusQueued, jobStatusRunning, "":
			if err := c.sleep(ctx, c.pollInterval); err != nil {
				return empty, fmt.Errorf("video generate: job %s: %w", job.JobID, err)
			}
		default:
			return empty, fmt.Errorf("video generate: job %s in unknown state %q", job.JobID, job.Status)
		}

		job, err = c.poll(ctx, job.JobID)
		if err != nil {
			return empty, err
		}
	}
}

func (c *Client) submit(ctx context.Context, payload submitRequest) (jobResponse, error) {
	var job jobResponse
	encoded, err := json.Marshal(payload)
	if err != nil {
		return job, fmt.Errorf("video submit: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/videos", bytes.NewReader(encoded))
	if err != nil {
		return job, fmt.Errorf("video submit: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	if err := c.doJSON(req, &job, "video submit"); err != nil {
		return job, err
	}
	if strings.TrimSpace(job.JobID) == "" {
		return job, errors.New("video submit: provider returned no job id")
	}
	return job, nil
}

func (c *Client) poll(ctx context.Context, jobID string) (jobResponse, error) {
	var job jobResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/videos/"+jobID, nil)
	if err != nil {
		return job, fmt.Errorf("video poll: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	if err := c.doJSON(req, &job, "video poll"); err != nil {
		return job, err
	}
	if job.JobID == "" {
		job.JobID = jobID
	}
	return job, nil
}

func (c *Client) doJSON(req *http.Request, target any, op string) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: http error: %w", op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s: http %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package assembly

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

const defaultHTTPTimeout = 120 * time.Second

// Assembler joins ordered segment artifacts into one final artifact.
type Assembler interface {
	Assemble(ctx context.Context, artifactRefs []string) (string, error)
}

// Config captures the runtime settings required to talk to the assembly
// service.
type Config struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// Client wraps the assembly service's concat endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
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

// NewClient constructs an assembly client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:         strings.TrimSpace(cfg.APIKey),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Assemble concatenates the artifacts in the given order and returns the
// final artifact reference.
func (c *Client) Assemble(ctx context.Context, artifactRefs []string) (string, error) {
	if len(artifactRefs) == 0 {
		return "", errors.New("assemble: at least one artifact required")
	}
	for i, ref := range artifactRefs {
		if strings.TrimSpace(ref) == "" {
			return "", fmt.Errorf("assemble: artifact %d is empty", i)
		}
	}
	if c.cfg.APIKey == "" {
		return "", errors.New("assemble: api key required")
	}

	encoded, err := json.Marshal(struct {
		ArtifactRefs []string `json:"artifact_refs"`
	}{ArtifactRefs: artifactRefs})
	if err != nil {
		return "", fmt.Errorf("assemble: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/concat", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("assemble: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("assemble: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("assemble: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("assemble: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		ArtifactRef string `json:"artifact_ref"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("assemble: decode response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("assemble: api error: %s", strings.TrimSpace(decoded.Error))
	}
	if strings.TrimSpace(decoded.ArtifactRef) == "" {
		return "", errors.New("assemble: provider returned no artifact")
	}
	return decoded.ArtifactRef, nil
}

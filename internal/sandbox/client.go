// Package sandbox is the client for the remote code-interpreter session
// pool. Each execution runs in a fresh session identified by a generated
// UUID; the pool allocates the session on first use.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const defaultAPIVersion = "2024-02-02-preview"

// TokenSource supplies the bearer token for session pool requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a TokenSource that always yields the given
// token. Useful for tests and for environments where a sidecar handles
// token refresh.
func StaticTokenSource(token string) TokenSource {
	return staticToken(token)
}

type staticToken string

func (t staticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// Config describes how to reach the session pool.
type Config struct {
	// PoolURL is the session pool management endpoint.
	PoolURL string

	// APIVersion overrides the default API version query parameter.
	APIVersion string

	// Tokens supplies bearer tokens. Nil means requests go out
	// unauthenticated, which only works against local emulators.
	Tokens TokenSource

	// HTTPClient overrides the transport. Defaults to a client with a
	// 60 second timeout; synchronous executions can run long.
	HTTPClient *http.Client
}

// Client executes code in the session pool.
type Client struct {
	poolURL    string
	apiVersion string
	tokens     TokenSource
	http       *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.PoolURL == "" {
		return nil, fmt.Errorf("sandbox: pool URL is required")
	}
	if _, err := url.Parse(cfg.PoolURL); err != nil {
		return nil, fmt.Errorf("sandbox: invalid pool URL: %w", err)
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		poolURL:    cfg.PoolURL,
		apiVersion: apiVersion,
		tokens:     cfg.Tokens,
		http:       httpClient,
	}, nil
}

type executeRequest struct {
	Properties executeProperties `json:"properties"`
}

type executeProperties struct {
	CodeInputType string `json:"codeInputType"`
	ExecutionType string `json:"executionType"`
	Code          string `json:"code"`
}

// Execute runs the code synchronously in a fresh session and returns the
// pool's raw JSON response.
func (c *Client) Execute(ctx context.Context, code string) (string, error) {
	sessionID := uuid.NewString()

	endpoint := fmt.Sprintf("%s/code/execute?api-version=%s&identifier=%s",
		c.poolURL, url.QueryEscape(c.apiVersion), url.QueryEscape(sessionID))

	body, err := json.Marshal(executeRequest{
		Properties: executeProperties{
			CodeInputType: "inline",
			ExecutionType: "synchronous",
			Code:          code,
		},
	})
	if err != nil {
		return "", fmt.Errorf("sandbox: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("sandbox: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("sandbox: acquiring token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sandbox: executing code: %w", err)
	}
	defer resp.Body.Close()

	result, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("sandbox: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("sandbox: session pool returned %d: %s", resp.StatusCode, truncate(string(result), 256))
	}
	return string(result), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

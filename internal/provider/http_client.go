package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPClientConfig configures the HTTP adapter for the video-routing
// provider control API.
type HTTPClientConfig struct {
	BaseURL       string
	Token         string
	Client        *http.Client
	Logger        *slog.Logger
	MaxAttempts   int
	RetryInterval time.Duration
}

type httpClient struct {
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

// NewHTTPClient builds a Client against the provider control API.
func NewHTTPClient(cfg HTTPClientConfig) (Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &httpClient{
		baseURL:       baseURL,
		token:         strings.TrimSpace(cfg.Token),
		client:        client,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: cfg.RetryInterval,
	}, nil
}

type createResourceResponse struct {
	ExternalID string `json:"externalId"`
	ResourceID string `json:"resourceId,omitempty"`
}

func (c *httpClient) CreateResource(ctx context.Context) (Resource, error) {
	var response createResourceResponse
	if err := c.postJSON(ctx, fmt.Sprintf("%s/v1/resources", c.baseURL), struct{}{}, &response); err != nil {
		return Resource{}, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	externalID := response.ExternalID
	if externalID == "" {
		externalID = response.ResourceID
	}
	if externalID == "" {
		return Resource{}, fmt.Errorf("%w: provider returned no external id", ErrProvisioning)
	}
	return Resource{ExternalID: externalID}, nil
}

func (c *httpClient) Delete(ctx context.Context, externalID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/v1/resources/%s", c.baseURL, externalID), nil, nil)
}

func (c *httpClient) Start(ctx context.Context, externalID string) error {
	if err := c.postJSON(ctx, fmt.Sprintf("%s/v1/resources/%s/start", c.baseURL, externalID), struct{}{}, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	return nil
}

func (c *httpClient) Stop(ctx context.Context, externalID string) error {
	if err := c.postJSON(ctx, fmt.Sprintf("%s/v1/resources/%s/stop", c.baseURL, externalID), struct{}{}, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStop, err)
	}
	return nil
}

func (c *httpClient) ConnectionDetails(ctx context.Context, externalID string) (ConnectionDetails, error) {
	var details ConnectionDetails
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/v1/resources/%s/connection", c.baseURL, externalID), nil, &details); err != nil {
		return ConnectionDetails{}, err
	}
	if details.ExternalID == "" {
		details.ExternalID = externalID
	}
	return details, nil
}

func (c *httpClient) QueryConnectionState(ctx context.Context, externalID string) (ConnectionState, error) {
	var state ConnectionState
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/v1/resources/%s/state", c.baseURL, externalID), nil, &state); err != nil {
		return ConnectionState{}, err
	}
	return state, nil
}

// Ping probes the provider control API, bypassing the retry loop so health
// checks report the current state rather than the state after retries.
func (c *httpClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider health: %s", resp.Status)
	}
	return nil
}

func (c *httpClient) postJSON(ctx context.Context, url string, payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, url, body, dest)
}

func (c *httpClient) do(ctx context.Context, method, url string, payload []byte, dest any) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		reqBody := io.Reader(nil)
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			lastErr = consumeResponse(resp, dest)
		}
		if lastErr == nil {
			return nil
		}
		if attempt < c.maxAttempts {
			c.logger.Warn("provider request failed", "method", method, "url", url, "attempt", attempt, "error", lastErr)
			if c.retryInterval > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.retryInterval):
				}
			} else if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func consumeResponse(resp *http.Response, dest any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dest == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
}

package notify

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

// HTTPGatewayConfig configures the adapter for the external notification
// gateway.
type HTTPGatewayConfig struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Logger  *slog.Logger
}

type httpGateway struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPGateway builds a Gateway that POSTs messages to the notification
// service. Retries are the dispatcher's responsibility, not the adapter's.
func NewHTTPGateway(cfg HTTPGatewayConfig) (Gateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &httpGateway{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.Token),
		client:  client,
		logger:  logger,
	}, nil
}

type sendRequest struct {
	UserID  string `json:"userId"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

func (g *httpGateway) Send(ctx context.Context, userID string, kind string, payload any) error {
	body, err := json.Marshal(sendRequest{UserID: userID, Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/notifications", g.baseURL), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send notification: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return nil
}

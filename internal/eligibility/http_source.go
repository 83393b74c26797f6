package eligibility

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"swabbr-live/internal/models"
)

// HTTPSourceConfig configures the adapter that queries the external user
// service for the eligibility projection.
type HTTPSourceConfig struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Logger  *slog.Logger
}

type httpSource struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPSource builds a Source backed by the user service HTTP API.
func NewHTTPSource(cfg HTTPSourceConfig) (Source, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("eligibility base url is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &httpSource{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.Token),
		client:  client,
		logger:  logger,
	}, nil
}

type eligibleUsersResponse struct {
	Users []models.EligibilityRecord `json:"users"`
}

func (s *httpSource) GetEligibleUsers(ctx context.Context, minuteUTC time.Time) ([]models.EligibilityRecord, error) {
	endpoint := fmt.Sprintf("%s/v1/users/eligible?minute=%s", s.baseURL,
		url.QueryEscape(minuteUTC.UTC().Format(time.RFC3339)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query eligible users: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("query eligible users: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var payload eligibleUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode eligible users: %w", err)
	}
	return payload.Users, nil
}

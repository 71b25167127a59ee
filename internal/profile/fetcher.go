package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultFetchTimeout = 10 * time.Second

var (
	ErrInvalidFetcherConfig = errors.New("profile: invalid fetcher config")
	errMissingEndpoint      = errors.New("profile endpoint url required")
	errMissingAccessToken   = errors.New("profile: access token must not be empty")
)

// ExternalProfile carries the fields the provisioning flow consumes from the
// third-party profile API. JSON tags mirror the upstream payload.
type ExternalProfile struct {
	Login        string `json:"login"`
	Name         string `json:"name"`
	Bio          string `json:"bio"`
	SocialHandle string `json:"twitter_username"`
	Link         string `json:"blog"`
	AvatarURL    string `json:"avatar_url"`
}

// FetcherConfig bundles configuration required to instantiate a Fetcher.
type FetcherConfig struct {
	Endpoint   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Fetcher retrieves the external profile for a provider access token.
type Fetcher struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewFetcher constructs a fetcher with validated configuration.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFetcherConfig, errMissingEndpoint)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Fetch performs an authorized GET against the profile endpoint and decodes
// the payload. Every sign-in fetches a fresh profile; nothing is cached.
func (f *Fetcher) Fetch(ctx context.Context, accessToken string) (ExternalProfile, error) {
	if strings.TrimSpace(accessToken) == "" {
		return ExternalProfile{}, errMissingAccessToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return ExternalProfile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	response, err := f.httpClient.Do(req)
	if err != nil {
		return ExternalProfile{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		f.logger.Debug("profile request rejected", zap.Int("status", response.StatusCode))
		return ExternalProfile{}, fmt.Errorf("profile request returned status %d", response.StatusCode)
	}

	var fetched ExternalProfile
	if err := json.NewDecoder(response.Body).Decode(&fetched); err != nil {
		return ExternalProfile{}, err
	}
	return fetched, nil
}

package analytics

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
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultSearchConsoleURL = "https://www.googleapis.com/webmasters/v3"
	defaultTokenURL         = "https://oauth2.googleapis.com/token"

	// SearchConsoleMaxRows is the provider's per-request row ceiling.
	SearchConsoleMaxRows = 25000
)

// ErrMissingCredentials means the provider cannot be called until it is configured.
var ErrMissingCredentials = errors.New("search console credentials are not configured")

// ResultRow is one provider row; Keys follow the requested dimensions.
type ResultRow struct {
	Keys        []string `json:"keys"`
	Clicks      float64  `json:"clicks"`
	Impressions float64  `json:"impressions"`
	CTR         float64  `json:"ctr"`
	Position    float64  `json:"position"`
}

// Provider queries search analytics for a site over the last window days.
type Provider interface {
	Query(ctx context.Context, site string, window Window, dimensions []string) ([]ResultRow, error)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search console returned status %d: %s", e.StatusCode, e.Body)
}

func isUnauthorised(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// SearchConsoleOptions configures a SearchConsoleClient.
type SearchConsoleOptions struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	// LagDays shifts the end date back because the provider publishes late.
	LagDays  int
	RowLimit int

	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client
	Now        func() time.Time
}

// SearchConsoleClient is an HTTP client for the searchAnalytics/query API.
type SearchConsoleClient struct {
	mu          sync.RWMutex
	accessToken string
	tokens      singleflight.Group

	opts SearchConsoleOptions
}

// tokenRefreshResponse is the OAuth token refresh response
type tokenRefreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type searchAnalyticsRequest struct {
	StartDate  string   `json:"startDate"`
	EndDate    string   `json:"endDate"`
	Dimensions []string `json:"dimensions"`
	RowLimit   int      `json:"rowLimit"`
	DataState  string   `json:"dataState,omitempty"`
}

type searchAnalyticsResponse struct {
	Rows []ResultRow `json:"rows"`
}

func NewSearchConsoleClient(opts SearchConsoleOptions) *SearchConsoleClient {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultSearchConsoleURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = defaultTokenURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.RowLimit <= 0 || opts.RowLimit > SearchConsoleMaxRows {
		opts.RowLimit = SearchConsoleMaxRows
	}
	if opts.LagDays < 0 {
		opts.LagDays = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SearchConsoleClient{opts: opts}
}

// Configured reports whether OAuth credentials are present.
func (c *SearchConsoleClient) Configured() bool {
	return c.opts.ClientID != "" && c.opts.ClientSecret != "" && c.opts.RefreshToken != ""
}

// RefreshAccessToken exchanges the refresh token for a new access token
// and keeps it for later requests.
func (c *SearchConsoleClient) RefreshAccessToken(ctx context.Context) (string, error) {
	formData := url.Values{}
	formData.Set("client_id", c.opts.ClientID)
	formData.Set("client_secret", c.opts.ClientSecret)
	formData.Set("refresh_token", c.opts.RefreshToken)
	formData.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.TokenURL, strings.NewReader(formData.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token refresh response: %w", err)
	}

	c.mu.Lock()
	c.accessToken = tokenResp.AccessToken
	c.mu.Unlock()

	log.Debug().
		Int("expires_in", tokenResp.ExpiresIn).
		Msg("Refreshed search console access token")

	return tokenResp.AccessToken, nil
}

// DateRange returns the inclusive start and end dates for window days,
// ending LagDays before today.
func (c *SearchConsoleClient) DateRange(window Window) (string, string) {
	end := c.opts.Now().UTC().AddDate(0, 0, -c.opts.LagDays)
	start := end.AddDate(0, 0, -(int(window) - 1))
	return start.Format("2006-01-02"), end.Format("2006-01-02")
}

// Query fetches rows for the window, refreshing the access token once on 401.
func (c *SearchConsoleClient) Query(ctx context.Context, site string, window Window, dimensions []string) ([]ResultRow, error) {
	if !c.Configured() {
		return nil, ErrMissingCredentials
	}

	token, err := c.token(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	rows, err := c.query(ctx, token, site, window, dimensions)
	if err != nil && isUnauthorised(err) {
		log.Info().Str("site", site).Msg("Access token expired, refreshing and retrying")

		if token, err = c.token(ctx, token); err != nil {
			return nil, fmt.Errorf("failed to refresh access token: %w", err)
		}

		rows, err = c.query(ctx, token, site, window, dimensions)
		if err != nil {
			return nil, fmt.Errorf("request failed after token refresh: %w", err)
		}
	}
	return rows, err
}

// token returns the cached access token unless it is empty or equal to
// rejected, in which case it is refreshed. Concurrent callers share one
// refresh request.
func (c *SearchConsoleClient) token(ctx context.Context, rejected string) (string, error) {
	c.mu.RLock()
	current := c.accessToken
	c.mu.RUnlock()
	if current != "" && current != rejected {
		return current, nil
	}

	v, err, _ := c.tokens.Do("access_token", func() (any, error) {
		c.mu.RLock()
		current := c.accessToken
		c.mu.RUnlock()
		if current != "" && current != rejected {
			return current, nil
		}
		fresh, err := c.RefreshAccessToken(ctx)
		if err != nil {
			return nil, err
		}
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *SearchConsoleClient) query(ctx context.Context, token, site string, window Window, dimensions []string) ([]ResultRow, error) {
	start := time.Now()
	startDate, endDate := c.DateRange(window)

	reqBody, err := json.Marshal(searchAnalyticsRequest{
		StartDate:  startDate,
		EndDate:    endDate,
		Dimensions: dimensions,
		RowLimit:   c.opts.RowLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/sites/%s/searchAnalytics/query", c.opts.BaseURL, url.PathEscape(site))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create query request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out searchAnalyticsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	if out.Rows == nil {
		out.Rows = []ResultRow{}
	}

	log.Debug().
		Str("site", site).
		Str("window", window.Name()).
		Strs("dimensions", dimensions).
		Int("rows", len(out.Rows)).
		Dur("duration", time.Since(start)).
		Msg("Search console query completed")

	return out.Rows, nil
}

// SiteIdentifier returns the provider property for domain: "sc-domain:"
// for domain properties, or the https URL prefix for url properties.
func SiteIdentifier(domain, property string) string {
	if property == "url" {
		return "https://" + domain + "/"
	}
	return "sc-domain:" + domain
}

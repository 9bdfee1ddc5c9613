package ads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultAdsURL   = "https://googleads.googleapis.com/v18"
	defaultTokenURL = "https://oauth2.googleapis.com/token"

	// DefaultLanguage is English.
	DefaultLanguage = "1000"
)

// Credentials authorise calls to the ads provider.
type Credentials struct {
	ClientID        string
	ClientSecret    string
	RefreshToken    string
	DeveloperToken  string
	CustomerID      string
	LoginCustomerID string
}

// Valid reports whether every required credential is present.
func (c Credentials) Valid() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != "" &&
		c.DeveloperToken != "" && c.CustomerID != ""
}

// Fingerprint identifies the credential set without exposing it.
func (c Credentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		c.ClientID, c.ClientSecret, c.RefreshToken, c.DeveloperToken,
	}, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Token is an access token and its lifetime as reported by the provider.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// MetricsRequest asks for historical volumes of keywords in one geo target.
type MetricsRequest struct {
	Keywords  []string
	GeoTarget string
	Language  string
}

// HistoricalMetric is the provider's volume for one keyword. Variants are
// other spellings the provider folded into the same result.
type HistoricalMetric struct {
	Text               string
	Variants           []string
	AvgMonthlySearches int64
}

// IdeasQuery seeds keyword ideas from keywords, a URL, or both.
type IdeasQuery struct {
	Keywords  []string
	URL       string
	GeoTarget string
	Language  string
}

// KeywordIdea is one suggested keyword.
type KeywordIdea struct {
	Keyword            string `json:"keyword"`
	AvgMonthlySearches int64  `json:"avgMonthlySearches"`
	Competition        string `json:"competition"`
	CompetitionIndex   int64  `json:"competitionIndex"`
}

// Provider is the ads keyword planning API.
type Provider interface {
	AccessToken(ctx context.Context, creds Credentials) (Token, error)
	GenerateHistoricalMetrics(ctx context.Context, creds Credentials, token string, req MetricsRequest) ([]HistoricalMetric, error)
	GenerateKeywordIdeas(ctx context.Context, creds Credentials, token string, req IdeasQuery) ([]KeywordIdea, error)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ads provider returned status %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorised reports whether err is a 401 from the provider.
func IsUnauthorised(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// ClientOptions overrides endpoints, mainly for tests.
type ClientOptions struct {
	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// Client calls the ads REST API.
type Client struct {
	opts ClientOptions
}

func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultAdsURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = defaultTokenURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{opts: opts}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// AccessToken exchanges the refresh token for an access token.
func (c *Client) AccessToken(ctx context.Context, creds Credentials) (Token, error) {
	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("refresh_token", creds.RefreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Token{}, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Token{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Token{}, errors.New("token response has no access token")
	}
	return Token{AccessToken: tr.AccessToken, ExpiresIn: time.Duration(tr.ExpiresIn) * time.Second}, nil
}

// int64String decodes the provider's int64 fields, which arrive as JSON strings.
type int64String int64

func (n *int64String) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*n = int64String(v)
	return nil
}

type metricsBody struct {
	Keywords           []string `json:"keywords"`
	GeoTargetConstants []string `json:"geoTargetConstants"`
	Language           string   `json:"language"`
	KeywordPlanNetwork string   `json:"keywordPlanNetwork"`
}

type metricsResponse struct {
	Results []struct {
		Text           string   `json:"text"`
		CloseVariants  []string `json:"closeVariants"`
		KeywordMetrics *struct {
			AvgMonthlySearches int64String `json:"avgMonthlySearches"`
		} `json:"keywordMetrics"`
	} `json:"results"`
}

// GenerateHistoricalMetrics fetches volumes for up to the provider's batch size.
func (c *Client) GenerateHistoricalMetrics(ctx context.Context, creds Credentials, token string, req MetricsRequest) ([]HistoricalMetric, error) {
	body := metricsBody{
		Keywords:           req.Keywords,
		GeoTargetConstants: []string{req.GeoTarget},
		Language:           languageConstant(req.Language),
		KeywordPlanNetwork: "GOOGLE_SEARCH",
	}

	var out metricsResponse
	if err := c.post(ctx, creds, token, "generateKeywordHistoricalMetrics", body, &out); err != nil {
		return nil, err
	}

	metrics := make([]HistoricalMetric, 0, len(out.Results))
	for _, r := range out.Results {
		m := HistoricalMetric{Text: r.Text, Variants: r.CloseVariants}
		if r.KeywordMetrics != nil {
			m.AvgMonthlySearches = int64(r.KeywordMetrics.AvgMonthlySearches)
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

type ideasBody struct {
	GeoTargetConstants []string `json:"geoTargetConstants"`
	Language           string   `json:"language"`
	KeywordPlanNetwork string   `json:"keywordPlanNetwork"`
	KeywordSeed        *struct {
		Keywords []string `json:"keywords"`
	} `json:"keywordSeed,omitempty"`
	URLSeed *struct {
		URL string `json:"url"`
	} `json:"urlSeed,omitempty"`
	KeywordAndURLSeed *struct {
		URL      string   `json:"url"`
		Keywords []string `json:"keywords"`
	} `json:"keywordAndUrlSeed,omitempty"`
}

type ideasResponse struct {
	Results []struct {
		Text               string `json:"text"`
		KeywordIdeaMetrics *struct {
			AvgMonthlySearches int64String `json:"avgMonthlySearches"`
			Competition        string      `json:"competition"`
			CompetitionIndex   int64String `json:"competitionIndex"`
		} `json:"keywordIdeaMetrics"`
	} `json:"results"`
}

// GenerateKeywordIdeas returns ideas seeded by the query.
func (c *Client) GenerateKeywordIdeas(ctx context.Context, creds Credentials, token string, q IdeasQuery) ([]KeywordIdea, error) {
	body := ideasBody{
		GeoTargetConstants: []string{q.GeoTarget},
		Language:           languageConstant(q.Language),
		KeywordPlanNetwork: "GOOGLE_SEARCH",
	}
	switch {
	case len(q.Keywords) > 0 && q.URL != "":
		body.KeywordAndURLSeed = &struct {
			URL      string   `json:"url"`
			Keywords []string `json:"keywords"`
		}{URL: q.URL, Keywords: q.Keywords}
	case q.URL != "":
		body.URLSeed = &struct {
			URL string `json:"url"`
		}{URL: q.URL}
	default:
		body.KeywordSeed = &struct {
			Keywords []string `json:"keywords"`
		}{Keywords: q.Keywords}
	}

	var out ideasResponse
	if err := c.post(ctx, creds, token, "generateKeywordIdeas", body, &out); err != nil {
		return nil, err
	}

	ideas := make([]KeywordIdea, 0, len(out.Results))
	for _, r := range out.Results {
		idea := KeywordIdea{Keyword: r.Text}
		if m := r.KeywordIdeaMetrics; m != nil {
			idea.AvgMonthlySearches = int64(m.AvgMonthlySearches)
			idea.Competition = m.Competition
			idea.CompetitionIndex = int64(m.CompetitionIndex)
		}
		ideas = append(ideas, idea)
	}
	return ideas, nil
}

func (c *Client) post(ctx context.Context, creds Credentials, token, method string, in, out any) error {
	start := time.Now()

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/customers/%s:%s", c.opts.BaseURL, digitsOnly(creds.CustomerID), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("developer-token", creds.DeveloperToken)
	if creds.LoginCustomerID != "" {
		req.Header.Set("login-customer-id", digitsOnly(creds.LoginCustomerID))
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	log.Debug().
		Str("method", method).
		Dur("duration", time.Since(start)).
		Msg("Ads request completed")
	return nil
}

func languageConstant(language string) string {
	if language == "" {
		language = DefaultLanguage
	}
	return "languageConstants/" + language
}

// digitsOnly strips the dashes from IDs written as 123-456-7890.
func digitsOnly(id string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, id)
}

package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/rs/zerolog/log"
)

const (
	SerpAPIScraperName = "serpapi"

	defaultSerpAPIURL = "https://serpapi.com/search.json"
)

// SerpAPIScraper uses a hosted JSON results API.
type SerpAPIScraper struct {
	opts   Options
	client *http.Client
}

type serpAPIResponse struct {
	Error          string `json:"error"`
	OrganicResults []struct {
		Position int    `json:"position"`
		Title    string `json:"title"`
		Link     string `json:"link"`
	} `json:"organic_results"`
}

func NewSerpAPIScraper(opts Options) *SerpAPIScraper {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultSerpAPIURL
	}
	return &SerpAPIScraper{opts: opts, client: &http.Client{Timeout: opts.Timeout}}
}

func (s *SerpAPIScraper) Name() string { return SerpAPIScraperName }

func (s *SerpAPIScraper) Scrape(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	q := url.Values{}
	q.Set("engine", "google")
	q.Set("q", req.Keyword)
	q.Set("num", strconv.Itoa(MaxResults))
	q.Set("api_key", s.opts.APIKey)
	if req.Country != "" {
		q.Set("gl", strings.ToLower(req.Country))
	}
	if strings.EqualFold(req.Device, "mobile") {
		q.Set("device", "mobile")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute search request: %w", err)
	}
	defer resp.Body.Close()

	var body serpAPIResponse
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			return nil, fmt.Errorf("search API returned status %d: %s", resp.StatusCode, body.Error)
		}
		return nil, fmt.Errorf("search API returned status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	if body.Error != "" {
		return nil, fmt.Errorf("search API error: %s", body.Error)
	}

	results := make([]keywords.SearchResult, 0, len(body.OrganicResults))
	for i, r := range body.OrganicResults {
		pos := r.Position
		if pos == 0 {
			pos = i + 1
		}
		results = append(results, keywords.SearchResult{Position: pos, URL: r.Link, Title: r.Title})
	}

	res := Rank(results, req.Domain)

	log.Debug().
		Str("keyword", req.Keyword).
		Str("domain", req.Domain).
		Int("results", len(results)).
		Int("position", res.Position).
		Dur("duration", time.Since(start)).
		Msg("Search API scrape completed")

	return res, nil
}

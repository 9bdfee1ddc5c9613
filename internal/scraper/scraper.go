// Package scraper fetches search engine result pages and locates a
// domain's ranking within them.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/Harvey-AU/rankbee/internal/util"
)

// MaxResults is the depth searched; anything deeper is "not ranked".
const MaxResults = 100

var ErrUnknownScraper = errors.New("unknown scraper")

// Request identifies one keyword lookup.
type Request struct {
	Keyword string
	Country string
	Device  string
	Domain  string
}

// RequestFor builds a Request from a tracked keyword.
func RequestFor(k *keywords.Keyword) Request {
	return Request{Keyword: k.Keyword, Country: k.Country, Device: k.Device, Domain: k.Domain}
}

// Result is the outcome of a successful scrape. Position is
// keywords.NotRanked when the domain was not found.
type Result struct {
	Position int
	URL      string
	Results  []keywords.SearchResult
}

// Scraper fetches and ranks one keyword.
type Scraper interface {
	Name() string
	Scrape(ctx context.Context, req Request) (*Result, error)
}

// Options configures the built-in scrapers.
type Options struct {
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	// BaseURL overrides the search endpoint, mainly for tests.
	BaseURL string
}

// New returns the scraper registered under name.
func New(name string, opts Options) (Scraper, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", HTMLScraperName:
		return NewHTMLScraper(opts), nil
	case SerpAPIScraperName:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("%s scraper requires an API key", SerpAPIScraperName)
		}
		return NewSerpAPIScraper(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScraper, name)
	}
}

// Rank fills Position and URL from the first result on domain.
func Rank(results []keywords.SearchResult, domain string) *Result {
	res := &Result{Position: keywords.NotRanked, Results: results}
	if res.Results == nil {
		res.Results = []keywords.SearchResult{}
	}

	target := strings.ToLower(util.NormaliseDomain(domain))
	for i, r := range results {
		if i >= MaxResults {
			break
		}
		if hostMatches(r.URL, target) {
			res.Position = r.Position
			if res.Position == 0 {
				res.Position = i + 1
			}
			res.URL = r.URL
			break
		}
	}
	return res
}

func hostMatches(rawURL, domain string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return host == domain
}

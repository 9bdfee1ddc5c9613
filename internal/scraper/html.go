package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
)

const (
	HTMLScraperName = "html"

	defaultSearchURL = "https://www.google.com/search"
	desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	mobileUserAgent  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
)

// HTMLScraper requests the results page directly and parses organic
// results out of the markup.
type HTMLScraper struct {
	opts   Options
	client *http.Client
}

func NewHTMLScraper(opts Options) *HTMLScraper {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultSearchURL
	}

	return &HTMLScraper{
		opts: opts,
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

func (s *HTMLScraper) Name() string { return HTMLScraperName }

// SearchURL builds the results page URL for req.
func (s *HTMLScraper) SearchURL(req Request) string {
	q := url.Values{}
	q.Set("q", req.Keyword)
	q.Set("num", strconv.Itoa(MaxResults))
	q.Set("hl", "en")
	if req.Country != "" {
		q.Set("gl", strings.ToLower(req.Country))
	}
	return s.opts.BaseURL + "?" + q.Encode()
}

func (s *HTMLScraper) userAgent(device string) string {
	if s.opts.UserAgent != "" {
		return s.opts.UserAgent
	}
	if strings.EqualFold(device, "mobile") {
		return mobileUserAgent
	}
	return desktopUserAgent
}

func (s *HTMLScraper) Scrape(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := s.SearchURL(req)
	start := time.Now()

	c := colly.NewCollector(
		colly.UserAgent(s.userAgent(req.Device)),
		colly.AllowURLRevisit(),
	)
	c.SetClient(s.client)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")

		log.Debug().
			Str("url", r.URL.String()).
			Str("keyword", req.Keyword).
			Msg("Scraper sending request")
	})

	var (
		results []searchResultItem
		failure error
	)

	c.OnHTML("body", func(e *colly.HTMLElement) {
		results = parseResults(e.DOM)
	})

	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			failure = fmt.Errorf("search page returned status %d: %w", r.StatusCode, err)
			return
		}
		failure = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(target)
	}()

	select {
	case err := <-done:
		if err != nil && failure == nil {
			failure = err
		}
	case <-ctx.Done():
		log.Warn().
			Err(ctx.Err()).
			Str("keyword", req.Keyword).
			Msg("Scrape cancelled due to context")
		return nil, ctx.Err()
	}

	if failure != nil {
		log.Warn().
			Err(failure).
			Str("keyword", req.Keyword).
			Dur("duration", time.Since(start)).
			Msg("Scrape failed")
		return nil, failure
	}

	res := Rank(toSearchResults(results), req.Domain)

	log.Debug().
		Str("keyword", req.Keyword).
		Str("domain", req.Domain).
		Int("results", len(res.Results)).
		Int("position", res.Position).
		Dur("duration", time.Since(start)).
		Msg("Scrape completed")

	return res, nil
}

type searchResultItem struct {
	title string
	url   string
}

// parseResults collects organic results: anchors wrapping an h3 title.
func parseResults(doc *goquery.Selection) []searchResultItem {
	var items []searchResultItem
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		title := strings.TrimSpace(s.Find("h3").First().Text())
		if title == "" || isElementHidden(s) {
			return
		}

		link := resolveResultURL(s.AttrOr("href", ""))
		if link == "" || seen[link] {
			return
		}
		seen[link] = true
		items = append(items, searchResultItem{title: title, url: link})
	})

	return items
}

func toSearchResults(items []searchResultItem) []keywords.SearchResult {
	out := make([]keywords.SearchResult, 0, len(items))
	for i, it := range items {
		out = append(out, keywords.SearchResult{Position: i + 1, URL: it.url, Title: it.title})
	}
	return out
}

// resolveResultURL unwraps "/url?q=" redirect links and drops anything that
// is not an absolute http(s) URL.
func resolveResultURL(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "/url?") {
		if u, err := url.Parse(href); err == nil {
			href = u.Query().Get("q")
		}
	}
	u, err := url.Parse(href)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return href
}

// isElementHidden checks inline hiding attributes on the element and its
// ancestors. Stylesheets are not evaluated.
func isElementHidden(s *goquery.Selection) bool {
	for n := s; n.Length() > 0 && !n.Is("body"); n = n.Parent() {
		if ariaHidden, exists := n.Attr("aria-hidden"); exists && ariaHidden == "true" {
			return true
		}
		if style, exists := n.Attr("style"); exists {
			if strings.Contains(style, "display: none") || strings.Contains(style, "display:none") {
				return true
			}
		}
	}
	return false
}

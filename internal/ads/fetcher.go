// Package ads fetches keyword search volumes and keyword ideas from the ads
// keyword planning API, one paced request per country.
package ads

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Harvey-AU/rankbee/internal/cache"
	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/Harvey-AU/rankbee/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// ErrMissingCredentials means the ads provider is not configured.
var ErrMissingCredentials = errors.New("ads credentials are not configured")

// tokenLifetimeShare is the part of the provider's token lifetime we trust.
const tokenLifetimeShare = 0.92

// VolumeResult maps keyword IDs to monthly search volume. Error joins the
// failures of any country groups; Volumes still holds what succeeded.
type VolumeResult struct {
	Volumes map[int64]int64
	Error   error
}

// IdeasRequest asks for ideas in one country.
type IdeasRequest struct {
	Keywords []string
	URL      string
	Country  string
	Limit    int
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	Language string
	Pacer    Pacer
	// Tokens caches access tokens by credential fingerprint.
	Tokens *cache.TTLCache[string]
}

// Fetcher groups keywords by country and queries the provider once per group.
type Fetcher struct {
	provider Provider
	creds    Credentials
	language string
	pacer    Pacer
	tokens   *cache.TTLCache[string]
}

func NewFetcher(provider Provider, creds Credentials, opts FetcherOptions) *Fetcher {
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.Pacer == nil {
		opts.Pacer = NewRatePacer(0)
	}
	if opts.Tokens == nil {
		opts.Tokens = cache.NewTTLCache[string]()
	}
	return &Fetcher{
		provider: provider,
		creds:    creds,
		language: opts.Language,
		pacer:    opts.Pacer,
		tokens:   opts.Tokens,
	}
}

// Configured reports whether the fetcher can call the provider.
func (f *Fetcher) Configured() bool {
	return f != nil && f.provider != nil && f.creds.Valid()
}

func (f *Fetcher) accessToken(ctx context.Context) (string, error) {
	key := f.creds.Fingerprint()
	if token, ok := f.tokens.Get(key); ok {
		return token, nil
	}

	tok, err := f.provider.AccessToken(ctx, f.creds)
	if err != nil {
		return "", fmt.Errorf("obtain access token: %w", err)
	}
	ttl := time.Duration(float64(tok.ExpiresIn) * tokenLifetimeShare)
	f.tokens.Set(key, tok.AccessToken, ttl)
	return tok.AccessToken, nil
}

// GetVolumes fetches search volumes for kws. Keywords the provider has no
// data for are absent from Volumes.
func (f *Fetcher) GetVolumes(ctx context.Context, kws []*keywords.Keyword) VolumeResult {
	result := VolumeResult{Volumes: make(map[int64]int64)}
	if !f.Configured() {
		result.Error = ErrMissingCredentials
		return result
	}
	if len(kws) == 0 {
		return result
	}

	token, err := f.accessToken(ctx)
	if err != nil {
		result.Error = err
		return result
	}

	groups := lo.GroupBy(kws, func(k *keywords.Keyword) string {
		return strings.ToUpper(strings.TrimSpace(k.Country))
	})
	countries := lo.Keys(groups)
	sort.Strings(countries)

	var errs []error
	for _, country := range countries {
		if err := f.pacer.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", country, err))
			break
		}

		volumes, err := f.countryVolumes(ctx, token, country, groups[country])
		observability.RecordAdsRequest(ctx, country, err)
		if err != nil {
			log.Warn().Err(err).Str("country", country).Int("keywords", len(groups[country])).Msg("Ads volume request failed")
			errs = append(errs, fmt.Errorf("%s: %w", country, err))
			continue
		}
		for id, v := range volumes {
			result.Volumes[id] = v
		}
	}

	result.Error = errors.Join(errs...)
	log.Info().
		Int("keywords", len(kws)).
		Int("countries", len(countries)).
		Int("volumes", len(result.Volumes)).
		Int("failed_countries", len(errs)).
		Msg("Fetched keyword volumes")
	return result
}

func (f *Fetcher) countryVolumes(ctx context.Context, token, country string, group []*keywords.Keyword) (map[int64]int64, error) {
	geo, err := GeoTarget(country)
	if err != nil {
		return nil, err
	}

	texts := lo.Uniq(lo.Map(group, func(k *keywords.Keyword, _ int) string {
		return strings.ToLower(strings.TrimSpace(k.Keyword))
	}))

	metrics, err := f.provider.GenerateHistoricalMetrics(ctx, f.creds, token, MetricsRequest{
		Keywords:  texts,
		GeoTarget: geo,
		Language:  f.language,
	})
	if err != nil {
		if IsUnauthorised(err) {
			f.tokens.Delete(f.creds.Fingerprint())
		}
		return nil, err
	}

	byText := make(map[string]int64, len(metrics))
	for _, m := range metrics {
		byText[strings.ToLower(m.Text)] = m.AvgMonthlySearches
		for _, v := range m.Variants {
			byText[strings.ToLower(v)] = m.AvgMonthlySearches
		}
	}

	out := make(map[int64]int64, len(group))
	for _, k := range group {
		if v, ok := byText[strings.ToLower(strings.TrimSpace(k.Keyword))]; ok {
			out[k.ID] = v
		}
	}
	return out, nil
}

// UpdateVolumes fetches volumes and writes them onto the keyword records.
// Write failures are joined into the returned result's Error.
func (f *Fetcher) UpdateVolumes(ctx context.Context, repo keywords.Repository, kws []*keywords.Keyword) VolumeResult {
	result := f.GetVolumes(ctx, kws)
	if len(result.Volumes) == 0 {
		return result
	}

	errs := []error{result.Error}
	for id, volume := range result.Volumes {
		v := volume
		if _, err := repo.Update(ctx, keywords.ByID(id), keywords.Patch{Volume: &v}); err != nil {
			errs = append(errs, fmt.Errorf("save volume for keyword %d: %w", id, err))
		}
	}
	result.Error = errors.Join(errs...)
	return result
}

// GetIdeas returns keyword ideas ordered by volume, highest first.
func (f *Fetcher) GetIdeas(ctx context.Context, req IdeasRequest) ([]KeywordIdea, error) {
	if !f.Configured() {
		return nil, ErrMissingCredentials
	}
	if len(req.Keywords) == 0 && req.URL == "" {
		return nil, errors.New("keywords or url is required")
	}

	geo, err := GeoTarget(req.Country)
	if err != nil {
		return nil, err
	}
	token, err := f.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	if err := f.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	ideas, err := f.provider.GenerateKeywordIdeas(ctx, f.creds, token, IdeasQuery{
		Keywords:  req.Keywords,
		URL:       req.URL,
		GeoTarget: geo,
		Language:  f.language,
	})
	observability.RecordAdsRequest(ctx, strings.ToUpper(req.Country), err)
	if err != nil {
		if IsUnauthorised(err) {
			f.tokens.Delete(f.creds.Fingerprint())
		}
		return nil, fmt.Errorf("generate keyword ideas: %w", err)
	}

	sort.SliceStable(ideas, func(i, j int) bool {
		return ideas[i].AvgMonthlySearches > ideas[j].AvgMonthlySearches
	})
	if req.Limit > 0 && len(ideas) > req.Limit {
		ideas = ideas[:req.Limit]
	}
	return ideas, nil
}

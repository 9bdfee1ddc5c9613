package mocks

import (
	"context"

	"github.com/Harvey-AU/rankbee/internal/ads"
	"github.com/Harvey-AU/rankbee/internal/analytics"
	"github.com/Harvey-AU/rankbee/internal/scraper"
	"github.com/stretchr/testify/mock"
)

// MockScraper is a mock implementation of scraper.Scraper
type MockScraper struct {
	mock.Mock
}

func (m *MockScraper) Name() string {
	return m.Called().String(0)
}

func (m *MockScraper) Scrape(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scraper.Result), args.Error(1)
}

// MockAnalyticsProvider is a mock implementation of analytics.Provider
type MockAnalyticsProvider struct {
	mock.Mock
}

func (m *MockAnalyticsProvider) Query(ctx context.Context, site string, window analytics.Window, dimensions []string) ([]analytics.ResultRow, error) {
	args := m.Called(ctx, site, window, dimensions)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]analytics.ResultRow), args.Error(1)
}

// MockAdsProvider is a mock implementation of ads.Provider
type MockAdsProvider struct {
	mock.Mock
}

func (m *MockAdsProvider) AccessToken(ctx context.Context, creds ads.Credentials) (ads.Token, error) {
	args := m.Called(ctx, creds)
	return args.Get(0).(ads.Token), args.Error(1)
}

func (m *MockAdsProvider) GenerateHistoricalMetrics(ctx context.Context, creds ads.Credentials, token string, req ads.MetricsRequest) ([]ads.HistoricalMetric, error) {
	args := m.Called(ctx, creds, token, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ads.HistoricalMetric), args.Error(1)
}

func (m *MockAdsProvider) GenerateKeywordIdeas(ctx context.Context, creds ads.Credentials, token string, req ads.IdeasQuery) ([]ads.KeywordIdea, error) {
	args := m.Called(ctx, creds, token, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ads.KeywordIdea), args.Error(1)
}

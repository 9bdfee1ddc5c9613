package api

import (
	"context"

	"github.com/Harvey-AU/rankbee/internal/ads"
	"github.com/Harvey-AU/rankbee/internal/analytics"
	"github.com/Harvey-AU/rankbee/internal/insight"
	"github.com/Harvey-AU/rankbee/internal/jobs"
	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/stretchr/testify/mock"
)

// MockRefreshService is a mock implementation of RefreshService
type MockRefreshService struct {
	mock.Mock
}

func (m *MockRefreshService) RefreshOne(ctx context.Context, id int64) (*keywords.Keyword, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*keywords.Keyword), args.Error(1)
}

func (m *MockRefreshService) RefreshIDs(ctx context.Context, ids []int64) (*jobs.BatchResult, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.BatchResult), args.Error(1)
}

func (m *MockRefreshService) RefreshDomain(ctx context.Context, domain string) (*jobs.BatchResult, error) {
	args := m.Called(ctx, domain)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.BatchResult), args.Error(1)
}

func (m *MockRefreshService) RefreshAsync(ctx context.Context, ids []int64) string {
	args := m.Called(ctx, ids)
	return args.String(0)
}

func (m *MockRefreshService) RetryFailed(ctx context.Context) (*jobs.BatchResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.BatchResult), args.Error(1)
}

// MockInsightService is a mock implementation of InsightService
type MockInsightService struct {
	mock.Mock
}

func (m *MockInsightService) GetInsight(ctx context.Context, domain string, window analytics.Window, sortBy insight.SortKey) insight.Insight {
	args := m.Called(ctx, domain, window, sortBy)
	return args.Get(0).(insight.Insight)
}

func (m *MockInsightService) KeywordStats(ctx context.Context, domain, keyword, country, device string) map[string]insight.Totals {
	args := m.Called(ctx, domain, keyword, country, device)
	return args.Get(0).(map[string]insight.Totals)
}

// MockInvalidator is a mock implementation of SnapshotInvalidator
type MockInvalidator struct {
	mock.Mock
}

func (m *MockInvalidator) Invalidate(ctx context.Context, domain string) error {
	return m.Called(ctx, domain).Error(0)
}

// MockVolumeService is a mock implementation of VolumeService
type MockVolumeService struct {
	mock.Mock
}

func (m *MockVolumeService) UpdateVolumes(ctx context.Context, repo keywords.Repository, kws []*keywords.Keyword) ads.VolumeResult {
	args := m.Called(ctx, repo, kws)
	return args.Get(0).(ads.VolumeResult)
}

func (m *MockVolumeService) GetIdeas(ctx context.Context, req ads.IdeasRequest) ([]ads.KeywordIdea, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ads.KeywordIdea), args.Error(1)
}

// MockPinger is a mock implementation of Pinger
type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) PingContext(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

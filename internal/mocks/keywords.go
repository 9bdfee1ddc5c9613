// Package mocks holds testify mocks of the engine's collaborator interfaces.
package mocks

import (
	"context"

	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/stretchr/testify/mock"
)

// MockRepository is a mock implementation of keywords.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) FindAll(ctx context.Context, filter keywords.Filter) ([]*keywords.Keyword, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*keywords.Keyword), args.Error(1)
}

func (m *MockRepository) FindOne(ctx context.Context, filter keywords.Filter) (*keywords.Keyword, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*keywords.Keyword), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, filter keywords.Filter, patch keywords.Patch) (int64, error) {
	args := m.Called(ctx, filter, patch)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) BulkCreate(ctx context.Context, records []*keywords.Keyword) ([]*keywords.Keyword, error) {
	args := m.Called(ctx, records)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*keywords.Keyword), args.Error(1)
}

func (m *MockRepository) Destroy(ctx context.Context, filter keywords.Filter) (int64, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).(int64), args.Error(1)
}

// MockRetryQueue is a mock implementation of the refresh retry queue
type MockRetryQueue struct {
	mock.Mock
}

func (m *MockRetryQueue) Add(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockRetryQueue) Remove(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockRetryQueue) List(ctx context.Context) ([]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockRetryQueue) Clear(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

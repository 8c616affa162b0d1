package store

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/medrex/emr-ledger/pkg/types"
)

// MockRecordStore mocks a store backend
type MockRecordStore struct {
	mock.Mock
}

func (m *MockRecordStore) Name() string { return "mock" }

func (m *MockRecordStore) Create(ctx context.Context, doc *types.Document) (string, error) {
	args := m.Called(ctx, doc)
	return args.String(0), args.Error(1)
}

func (m *MockRecordStore) Read(ctx context.Context, id string) (*types.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Document), args.Error(1)
}

func (m *MockRecordStore) Patch(ctx context.Context, id, field, value string) error {
	args := m.Called(ctx, id, field, value)
	return args.Error(0)
}

func (m *MockRecordStore) AppendAccessEvent(ctx context.Context, event types.AccessEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockRecordStore) AccessJournal(ctx context.Context, patient types.Identity) ([]types.AccessEvent, error) {
	args := m.Called(ctx, patient)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.AccessEvent), args.Error(1)
}

func (m *MockRecordStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRecordStore) Close() error {
	return nil
}

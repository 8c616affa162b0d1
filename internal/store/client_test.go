package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/monitoring"
	"github.com/medrex/emr-ledger/pkg/types"
)

func newTestClient(backend RecordStore) *Client {
	return NewClient(backend, logger.Discard(), monitoring.NewMetricsCollector("store-test"))
}

func TestClient_CreateRetriesOnce(t *testing.T) {
	backend := new(MockRecordStore)
	doc := &types.Document{EncryptedData: "mrx1.AAAA"}
	backend.On("Create", mock.Anything, doc).Return("", types.NewStoreUnavailableError("write timeout", nil)).Once()
	backend.On("Create", mock.Anything, doc).Return("doc-2", nil).Once()

	id, err := newTestClient(backend).Create(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "doc-2", id)
	backend.AssertNumberOfCalls(t, "Create", 2)
}

func TestClient_CreateGivesUpAfterRetry(t *testing.T) {
	backend := new(MockRecordStore)
	doc := &types.Document{EncryptedData: "mrx1.AAAA"}
	backend.On("Create", mock.Anything, doc).Return("", types.NewStoreUnavailableError("write timeout", nil))

	_, err := newTestClient(backend).Create(context.Background(), doc)
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
	backend.AssertNumberOfCalls(t, "Create", 2)
}

func TestClient_CreateValidationNotRetried(t *testing.T) {
	backend := new(MockRecordStore)
	backend.On("Create", mock.Anything, mock.Anything).Return("", types.NewValidationError("empty", nil))

	_, err := newTestClient(backend).Create(context.Background(), &types.Document{})
	assert.True(t, errors.Is(err, types.ErrValidation))
	backend.AssertNumberOfCalls(t, "Create", 1)
}

func TestClient_CreateCancelledNotRetried(t *testing.T) {
	backend := new(MockRecordStore)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend.On("Create", mock.Anything, mock.Anything).Return("", context.Canceled)

	_, err := newTestClient(backend).Create(ctx, &types.Document{EncryptedData: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	backend.AssertNumberOfCalls(t, "Create", 1)
}

func TestClient_Delegates(t *testing.T) {
	ctx := context.Background()
	backend := new(MockRecordStore)
	doc := &types.Document{ID: "doc-1"}
	event := types.AccessEvent{Action: "grant"}
	backend.On("Read", mock.Anything, "doc-1").Return(doc, nil)
	backend.On("Patch", mock.Anything, "doc-1", FieldSelfRef, "doc-1").Return(nil)
	backend.On("AppendAccessEvent", mock.Anything, event).Return(nil)
	backend.On("Ping", mock.Anything).Return(nil)

	c := newTestClient(backend)

	got, err := c.Read(ctx, "doc-1")
	require.NoError(t, err)
	assert.Same(t, doc, got)
	require.NoError(t, c.Patch(ctx, "doc-1", FieldSelfRef, "doc-1"))
	require.NoError(t, c.AppendAccessEvent(ctx, event))
	require.NoError(t, c.Ping(ctx))
	assert.Equal(t, "mock", c.Name())

	backend.AssertExpectations(t)
}

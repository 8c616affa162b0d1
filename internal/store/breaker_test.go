package store

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medrex/emr-ledger/pkg/config"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/types"
)

func TestBreakerStore_OpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	inner := new(MockRecordStore)
	outage := types.NewStoreUnavailableError("connection refused", nil)
	inner.On("Read", mock.Anything, "doc-1").Return(nil, outage).Times(3)

	b := NewBreakerStore(inner, config.BreakerConfig{MaxRequests: 1, Timeout: 60, FailureThreshold: 3}, logger.Discard())

	for i := 0; i < 3; i++ {
		_, err := b.Read(ctx, "doc-1")
		assert.ErrorIs(t, err, outage)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Read(ctx, "doc-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	inner.AssertNumberOfCalls(t, "Read", 3)
}

func TestBreakerStore_NotFoundDoesNotTrip(t *testing.T) {
	ctx := context.Background()
	inner := new(MockRecordStore)
	inner.On("Read", mock.Anything, "gone").Return(nil, types.NewNotFoundError("gone"))

	b := NewBreakerStore(inner, config.BreakerConfig{MaxRequests: 1, Timeout: 60, FailureThreshold: 2}, logger.Discard())

	for i := 0; i < 5; i++ {
		_, err := b.Read(ctx, "gone")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerStore_PassesResults(t *testing.T) {
	ctx := context.Background()
	inner := new(MockRecordStore)
	doc := &types.Document{ID: "doc-1", EncryptedData: "mrx1.AAAA"}
	inner.On("Create", mock.Anything, doc).Return("doc-1", nil)
	inner.On("Read", mock.Anything, "doc-1").Return(doc, nil)
	inner.On("Patch", mock.Anything, "doc-1", FieldSelfRef, "doc-1").Return(nil)
	inner.On("AccessJournal", mock.Anything, types.Identity{}).Return(nil, nil)
	inner.On("Ping", mock.Anything).Return(nil)

	b := NewBreakerStore(inner, config.BreakerConfig{}, logger.Discard())

	id, err := b.Create(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", id)

	got, err := b.Read(ctx, "doc-1")
	require.NoError(t, err)
	assert.Same(t, doc, got)

	require.NoError(t, b.Patch(ctx, "doc-1", FieldSelfRef, "doc-1"))

	events, err := b.AccessJournal(ctx, types.Identity{})
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, b.Ping(ctx))
	assert.Equal(t, "mock", b.Name())
}

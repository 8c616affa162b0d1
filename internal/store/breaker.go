package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/medrex/emr-ledger/pkg/config"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/types"
)

// BreakerStore fails fast while the wrapped backend keeps failing
type BreakerStore struct {
	inner RecordStore
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps inner with a circuit breaker
func NewBreakerStore(inner RecordStore, cfg config.BreakerConfig, log *logger.Logger) *BreakerStore {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        "store-" + inner.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    time.Duration(cfg.Interval) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("store").WithField("breaker", name).
				Warnf("Circuit breaker changed state from %s to %s", from, to)
		},
	}

	return &BreakerStore{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[any](settings),
	}
}

// countsAsSuccess keeps caller mistakes and cancellations from tripping the breaker
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch types.KindOf(err) {
	case types.ErrorTypeNotFound, types.ErrorTypeValidation:
		return true
	}
	return false
}

func (b *BreakerStore) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, types.NewStoreUnavailableError("document store circuit is open", err)
	}
	return result, err
}

// Name implements RecordStore
func (b *BreakerStore) Name() string { return b.inner.Name() }

// State reports the breaker state
func (b *BreakerStore) State() gobreaker.State { return b.cb.State() }

// Create implements RecordStore
func (b *BreakerStore) Create(ctx context.Context, doc *types.Document) (string, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.Create(ctx, doc)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Read implements RecordStore
func (b *BreakerStore) Read(ctx context.Context, id string) (*types.Document, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.Read(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.Document), nil
}

// Patch implements RecordStore
func (b *BreakerStore) Patch(ctx context.Context, id, field, value string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.Patch(ctx, id, field, value)
	})
	return err
}

// AppendAccessEvent implements RecordStore
func (b *BreakerStore) AppendAccessEvent(ctx context.Context, event types.AccessEvent) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.AppendAccessEvent(ctx, event)
	})
	return err
}

// AccessJournal implements RecordStore
func (b *BreakerStore) AccessJournal(ctx context.Context, patient types.Identity) ([]types.AccessEvent, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.AccessJournal(ctx, patient)
	})
	if err != nil {
		return nil, err
	}
	return result.([]types.AccessEvent), nil
}

// Ping bypasses the breaker so health checks see the real backend state
func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

// Close implements RecordStore
func (b *BreakerStore) Close() error {
	return b.inner.Close()
}

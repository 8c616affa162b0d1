package store

import (
	"context"
	"time"

	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/monitoring"
	"github.com/medrex/emr-ledger/pkg/types"
)

// Client is the RecordStore the record flows talk to. It logs and measures
// every operation and retries a failed Create once under a fresh identifier.
type Client struct {
	backend RecordStore
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
	tracing *monitoring.TracingManager
}

// NewClient wraps backend
func NewClient(backend RecordStore, log *logger.Logger, metrics *monitoring.MetricsCollector) *Client {
	return &Client{
		backend: backend,
		logger:  log,
		metrics: metrics,
	}
}

// WithTracing makes every operation open a client span
func (c *Client) WithTracing(tracing *monitoring.TracingManager) *Client {
	c.tracing = tracing
	return c
}

func (c *Client) observe(ctx context.Context, operation string, details map[string]interface{}, fn func() error) error {
	_, span := c.tracing.StartStoreSpan(ctx, c.backend.Name(), operation)
	defer span.End()

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	success := err == nil || types.KindOf(err) == types.ErrorTypeNotFound
	if err != nil {
		if details == nil {
			details = map[string]interface{}{}
		}
		details["error"] = err.Error()
		if !success {
			c.tracing.RecordError(span, err)
		}
	}

	c.metrics.RecordStoreOperation(c.backend.Name(), operation, success, elapsed)
	c.logger.StoreOperation(ctx, c.backend.Name(), operation, elapsed.Milliseconds(), success, details)
	return err
}

// Name implements RecordStore
func (c *Client) Name() string { return c.backend.Name() }

// Create implements RecordStore
func (c *Client) Create(ctx context.Context, doc *types.Document) (string, error) {
	var id string
	attempt := func() error {
		var err error
		id, err = c.backend.Create(ctx, doc)
		return err
	}

	err := c.observe(ctx, "create", nil, attempt)
	if err == nil {
		return id, nil
	}
	if ctx.Err() != nil || types.KindOf(err) == types.ErrorTypeValidation {
		return "", err
	}

	c.logger.WithContext(ctx).WithField("component", "store").
		Warn("Document create failed, retrying once with a fresh identifier")

	if err := c.observe(ctx, "create_retry", nil, attempt); err != nil {
		return "", err
	}
	return id, nil
}

// Read implements RecordStore
func (c *Client) Read(ctx context.Context, id string) (*types.Document, error) {
	var doc *types.Document
	err := c.observe(ctx, "read", map[string]interface{}{"document_id": id}, func() error {
		var err error
		doc, err = c.backend.Read(ctx, id)
		return err
	})
	return doc, err
}

// Patch implements RecordStore
func (c *Client) Patch(ctx context.Context, id, field, value string) error {
	return c.observe(ctx, "patch", map[string]interface{}{"document_id": id, "field": field}, func() error {
		return c.backend.Patch(ctx, id, field, value)
	})
}

// AppendAccessEvent implements RecordStore
func (c *Client) AppendAccessEvent(ctx context.Context, event types.AccessEvent) error {
	return c.observe(ctx, "append_access_event", map[string]interface{}{"action": event.Action}, func() error {
		return c.backend.AppendAccessEvent(ctx, event)
	})
}

// AccessJournal implements RecordStore
func (c *Client) AccessJournal(ctx context.Context, patient types.Identity) ([]types.AccessEvent, error) {
	var events []types.AccessEvent
	err := c.observe(ctx, "access_journal", nil, func() error {
		var err error
		events, err = c.backend.AccessJournal(ctx, patient)
		return err
	})
	return events, err
}

// Ping implements RecordStore
func (c *Client) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// Close implements RecordStore
func (c *Client) Close() error {
	return c.backend.Close()
}

// Package store is the off-chain document store holding encrypted record
// payloads under opaque, store-assigned identifiers.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/emr-ledger/pkg/config"
	"github.com/medrex/emr-ledger/pkg/database"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/monitoring"
	"github.com/medrex/emr-ledger/pkg/types"
)

// FieldSelfRef is the only document field Patch accepts
const FieldSelfRef = "selfRef"

// RecordStore creates, reads and patches opaque documents, and keeps the
// non-authoritative access journal.
type RecordStore interface {
	// Create stores doc under a freshly generated identifier and returns it
	Create(ctx context.Context, doc *types.Document) (string, error)
	// Read returns the document or a NotFound error
	Read(ctx context.Context, id string) (*types.Document, error)
	// Patch sets a single field. Only FieldSelfRef is writable.
	Patch(ctx context.Context, id, field, value string) error
	AppendAccessEvent(ctx context.Context, event types.AccessEvent) error
	AccessJournal(ctx context.Context, patient types.Identity) ([]types.AccessEvent, error)
	Ping(ctx context.Context) error
	Close() error
	Name() string
}

// Open builds the configured backend, guarded by a circuit breaker when
// enabled and wrapped with logging and metrics.
func Open(ctx context.Context, cfg config.StoreConfig, log *logger.Logger, metrics *monitoring.MetricsCollector) (*Client, error) {
	var backend RecordStore
	switch cfg.Backend {
	case "postgres":
		db, err := database.NewConnection(ctx, &cfg.Postgres, log)
		if err != nil {
			return nil, types.NewStoreUnavailableError("failed to connect to document store", err)
		}
		if err := db.CreateSchema(ctx); err != nil {
			db.Close()
			return nil, types.NewStoreUnavailableError("failed to prepare document store schema", err)
		}
		backend = NewPostgresStore(db)
	case "leveldb":
		ldb, err := OpenLevelDB(cfg.LevelDB.Path)
		if err != nil {
			return nil, err
		}
		backend = ldb
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}

	if cfg.Breaker.Enabled {
		backend = NewBreakerStore(backend, cfg.Breaker, log)
	}

	return NewClient(backend, log, metrics), nil
}

func newDocumentID() string {
	return uuid.New().String()
}

func validatePatch(field string) error {
	if field != FieldSelfRef {
		return types.NewValidationError("field is not patchable", map[string]interface{}{
			"field": field,
		})
	}
	return nil
}

func prepareDocument(doc *types.Document) (types.Document, error) {
	if doc == nil || doc.EncryptedData == "" {
		return types.Document{}, types.NewValidationError("document has no encrypted data", nil)
	}
	prepared := *doc
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = time.Now().UTC()
	}
	return prepared, nil
}

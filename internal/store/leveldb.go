package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/medrex/emr-ledger/pkg/types"
)

// Key layout:
//
//	doc_<id>                           => Document JSON
//	journal_<patient>_<unixnano>_<id>  => AccessEvent JSON
const (
	docPrefix     = "doc_"
	journalPrefix = "journal_"
)

// LevelDBStore keeps documents in an embedded LevelDB database
type LevelDBStore struct {
	db *leveldb.DB
	mu sync.Mutex
}

// OpenLevelDB opens or creates the database at path
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, types.NewStoreUnavailableError(fmt.Sprintf("failed to open leveldb at %s", path), err)
	}
	return NewLevelDBStore(db), nil
}

// NewLevelDBStore wraps an open database
func NewLevelDBStore(db *leveldb.DB) *LevelDBStore {
	return &LevelDBStore{db: db}
}

// Name implements RecordStore
func (s *LevelDBStore) Name() string { return "leveldb" }

// Create implements RecordStore
func (s *LevelDBStore) Create(ctx context.Context, doc *types.Document) (string, error) {
	prepared, err := prepareDocument(doc)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := newDocumentID()
	prepared.ID = id

	data, err := json.Marshal(prepared)
	if err != nil {
		return "", types.NewInternalError("failed to marshal document", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(docPrefix + id)
	exists, err := s.db.Has(key, nil)
	if err != nil {
		return "", types.NewStoreUnavailableError("failed to create document", err)
	}
	if exists {
		return "", types.NewStoreUnavailableError("document identifier collision", nil)
	}
	if err := s.db.Put(key, data, nil); err != nil {
		return "", types.NewStoreUnavailableError("failed to create document", err)
	}

	return id, nil
}

// Read implements RecordStore
func (s *LevelDBStore) Read(ctx context.Context, id string) (*types.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.get(id)
}

func (s *LevelDBStore) get(id string) (*types.Document, error) {
	data, err := s.db.Get([]byte(docPrefix+id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, types.NewNotFoundError(fmt.Sprintf("document %q not found", id))
		}
		return nil, types.NewStoreUnavailableError("failed to read document", err)
	}

	var doc types.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.NewStoreUnavailableError("stored document is corrupt", err)
	}
	doc.ID = id
	return &doc, nil
}

// Patch implements RecordStore
func (s *LevelDBStore) Patch(ctx context.Context, id, field, value string) error {
	if err := validatePatch(field); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.get(id)
	if err != nil {
		return err
	}
	doc.SelfRef = value

	data, err := json.Marshal(doc)
	if err != nil {
		return types.NewInternalError("failed to marshal document", err)
	}
	if err := s.db.Put([]byte(docPrefix+id), data, nil); err != nil {
		return types.NewStoreUnavailableError("failed to patch document", err)
	}
	return nil
}

// AppendAccessEvent implements RecordStore
func (s *LevelDBStore) AppendAccessEvent(ctx context.Context, event types.AccessEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return types.NewInternalError("failed to marshal access event", err)
	}

	key := fmt.Sprintf("%s%s_%020d_%s", journalPrefix, event.Patient.Hex(), event.Timestamp.UnixNano(), newDocumentID())
	if err := s.db.Put([]byte(key), data, nil); err != nil {
		return types.NewStoreUnavailableError("failed to append access event", err)
	}
	return nil
}

// AccessJournal implements RecordStore
func (s *LevelDBStore) AccessJournal(ctx context.Context, patient types.Identity) ([]types.AccessEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(journalPrefix+patient.Hex()+"_")), nil)
	defer iter.Release()

	var events []types.AccessEvent
	for iter.Next() {
		var event types.AccessEvent
		if err := json.Unmarshal(iter.Value(), &event); err != nil {
			return nil, types.NewStoreUnavailableError("stored access event is corrupt", err)
		}
		events = append(events, event)
	}
	if err := iter.Error(); err != nil {
		return nil, types.NewStoreUnavailableError("failed to iterate access journal", err)
	}

	return events, nil
}

// Ping implements RecordStore
func (s *LevelDBStore) Ping(ctx context.Context) error {
	if _, err := s.db.GetProperty("leveldb.num-files-at-level0"); err != nil {
		return types.NewStoreUnavailableError("document store unavailable", err)
	}
	return nil
}

// Close implements RecordStore
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

package records_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/medrex/emr-ledger/internal/ledger"
	"github.com/medrex/emr-ledger/internal/ledger/ledgertest"
	"github.com/medrex/emr-ledger/internal/records"
	"github.com/medrex/emr-ledger/internal/store"
	"github.com/medrex/emr-ledger/pkg/encryption"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/monitoring"
	"github.com/medrex/emr-ledger/pkg/types"
	"github.com/medrex/emr-ledger/pkg/wallet"
)

// fixture is one simulated ledger deployment and one shared document store.
// Each identity drives them through its own orchestrator.
type fixture struct {
	net    *ledgertest.Network
	store  *store.Client
	cipher *encryption.RecordCipher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	s := store.NewClient(store.NewLevelDBStore(db), logger.Discard(), monitoring.NewMetricsCollector("records-test"))
	t.Cleanup(func() { s.Close() })

	cipher, err := encryption.NewRecordCipher("test-master-secret", "my-secret-key-123")
	require.NoError(t, err)

	return &fixture{
		net:    ledgertest.NewNetwork(t),
		store:  s,
		cipher: cipher,
	}
}

func (f *fixture) ledgerFor(t *testing.T, signer wallet.Signer, opts ledger.Options) *ledger.Client {
	t.Helper()
	c, err := ledger.NewClient(f.net.Address(), f.net.Backend, signer, logger.Discard(), monitoring.NewMetricsCollector("records-test"), opts)
	require.NoError(t, err)
	return c
}

func (f *fixture) orchestrator(t *testing.T, signer wallet.Signer) *records.Orchestrator {
	t.Helper()
	return f.build(f.ledgerFor(t, signer, ledger.Options{}), f.store, records.Options{Concurrency: 4})
}

func (f *fixture) build(l records.Ledger, s records.Store, opts records.Options) *records.Orchestrator {
	return records.New(l, s, f.cipher, logger.Discard(), monitoring.NewMetricsCollector("records-test"), nil, opts)
}

// registeredWriter returns a fresh wallet already in the writer registry
func (f *fixture) registeredWriter(t *testing.T) *wallet.Wallet {
	t.Helper()
	w := ledgertest.NewWallet(t)
	f.net.RegisterDoctor(w.Address())
	return w
}

var screening = types.DecryptedRecord{
	BloodType:     "O+",
	Quantity:      "200ml",
	BloodPressure: "120/80",
	Notes:         "ok",
}

func publishRequest(patient types.Identity) records.PublishRequest {
	return records.PublishRequest{
		Patient:    patient,
		RecordType: "Screening",
		Location:   "City Hospital",
		Record:     screening,
	}
}

// faultyStore wraps a store with per-operation failures and read delays
type faultyStore struct {
	records.Store

	createErr  error
	patchErr   error
	journalErr error

	mu         sync.Mutex
	readErrs   map[string]error
	readDelays map[string]time.Duration

	creates atomic.Int32
	reads   atomic.Int32
}

func wrapStore(s records.Store) *faultyStore {
	return &faultyStore{
		Store:      s,
		readErrs:   make(map[string]error),
		readDelays: make(map[string]time.Duration),
	}
}

func (s *faultyStore) Create(ctx context.Context, doc *types.Document) (string, error) {
	s.creates.Add(1)
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.Store.Create(ctx, doc)
}

func (s *faultyStore) Read(ctx context.Context, id string) (*types.Document, error) {
	s.reads.Add(1)
	s.mu.Lock()
	err, delay := s.readErrs[id], s.readDelays[id]
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return s.Store.Read(ctx, id)
}

func (s *faultyStore) Patch(ctx context.Context, id, field, value string) error {
	if s.patchErr != nil {
		return s.patchErr
	}
	return s.Store.Patch(ctx, id, field, value)
}

func (s *faultyStore) AppendAccessEvent(ctx context.Context, event types.AccessEvent) error {
	if s.journalErr != nil {
		return s.journalErr
	}
	return s.Store.AppendAccessEvent(ctx, event)
}

func (s *faultyStore) failRead(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErrs[id] = err
}

func (s *faultyStore) delayRead(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDelays[id] = d
}

// cancellingLedger cancels the flow's context right after a submission is
// accepted, like a caller walking away while the transaction is pending
type cancellingLedger struct {
	records.Ledger
	cancel context.CancelFunc
}

func (l *cancellingLedger) AppendRecordIndex(ctx context.Context, patient types.Identity, contentRef, recordType, location string) (*ledger.Submission, error) {
	sub, err := l.Ledger.AppendRecordIndex(ctx, patient, contentRef, recordType, location)
	l.cancel()
	return sub, err
}

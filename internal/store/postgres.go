package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/medrex/emr-ledger/pkg/database"
	"github.com/medrex/emr-ledger/pkg/types"
)

// PostgresStore keeps documents and the access journal in PostgreSQL
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a store on an open connection
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Name implements RecordStore
func (s *PostgresStore) Name() string { return "postgres" }

// Create implements RecordStore
func (s *PostgresStore) Create(ctx context.Context, doc *types.Document) (string, error) {
	prepared, err := prepareDocument(doc)
	if err != nil {
		return "", err
	}

	id := newDocumentID()
	query := `
		INSERT INTO documents (id, encrypted_data, schema_version, self_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = s.db.ExecContext(ctx, query,
		id,
		prepared.EncryptedData,
		prepared.SchemaVersion,
		nullString(prepared.SelfRef),
		prepared.CreatedAt,
	)
	if err != nil {
		return "", types.NewStoreUnavailableError("failed to create document", err)
	}

	return id, nil
}

// Read implements RecordStore
func (s *PostgresStore) Read(ctx context.Context, id string) (*types.Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, types.NewNotFoundError(fmt.Sprintf("document %q not found", id))
	}

	query := `
		SELECT id, encrypted_data, schema_version, self_ref, created_at
		FROM documents
		WHERE id = $1`

	var doc types.Document
	var selfRef sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID,
		&doc.EncryptedData,
		&doc.SchemaVersion,
		&selfRef,
		&doc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewNotFoundError(fmt.Sprintf("document %q not found", id))
		}
		return nil, types.NewStoreUnavailableError("failed to read document", err)
	}
	doc.SelfRef = selfRef.String

	return &doc, nil
}

// Patch implements RecordStore
func (s *PostgresStore) Patch(ctx context.Context, id, field, value string) error {
	if err := validatePatch(field); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return types.NewNotFoundError(fmt.Sprintf("document %q not found", id))
	}

	result, err := s.db.ExecContext(ctx, `UPDATE documents SET self_ref = $2 WHERE id = $1`, id, value)
	if err != nil {
		return types.NewStoreUnavailableError("failed to patch document", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return types.NewStoreUnavailableError("failed to patch document", err)
	}
	if affected == 0 {
		return types.NewNotFoundError(fmt.Sprintf("document %q not found", id))
	}

	return nil
}

// AppendAccessEvent implements RecordStore
func (s *PostgresStore) AppendAccessEvent(ctx context.Context, event types.AccessEvent) error {
	query := `
		INSERT INTO access_journal (id, patient_addr, doctor_addr, has_access, action, tx_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(),
		event.Patient.Hex(),
		event.Reader.Hex(),
		event.Granted,
		event.Action,
		nullString(event.TxHash),
		event.Timestamp,
	)
	if err != nil {
		return types.NewStoreUnavailableError("failed to append access event", err)
	}
	return nil
}

// AccessJournal implements RecordStore
func (s *PostgresStore) AccessJournal(ctx context.Context, patient types.Identity) ([]types.AccessEvent, error) {
	query := `
		SELECT patient_addr, doctor_addr, has_access, action, tx_hash, recorded_at
		FROM access_journal
		WHERE patient_addr = $1
		ORDER BY recorded_at ASC`

	rows, err := s.db.QueryContext(ctx, query, patient.Hex())
	if err != nil {
		return nil, types.NewStoreUnavailableError("failed to query access journal", err)
	}
	defer rows.Close()

	var events []types.AccessEvent
	for rows.Next() {
		var event types.AccessEvent
		var patientAddr, doctorAddr string
		var txHash sql.NullString
		if err := rows.Scan(&patientAddr, &doctorAddr, &event.Granted, &event.Action, &txHash, &event.Timestamp); err != nil {
			return nil, types.NewStoreUnavailableError("failed to scan access event", err)
		}
		event.Patient = common.HexToAddress(patientAddr)
		event.Reader = common.HexToAddress(doctorAddr)
		event.TxHash = txHash.String
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreUnavailableError("failed to iterate access journal", err)
	}

	return events, nil
}

// Ping implements RecordStore
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Health(ctx); err != nil {
		return types.NewStoreUnavailableError("document store unreachable", err)
	}
	return nil
}

// Close implements RecordStore
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/emr-ledger/pkg/database"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/types"
)

func setupPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewPostgresStore(database.Wrap(db, logger.Discard())), mock
}

func TestPostgresStore_Create(t *testing.T) {
	s, mock := setupPostgresStore(t)

	mock.ExpectExec("INSERT INTO documents").
		WithArgs(sqlmock.AnyArg(), "mrx1.AAAA", types.DocumentSchemaVersion, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.Create(context.Background(), &types.Document{
		EncryptedData: "mrx1.AAAA",
		SchemaVersion: types.DocumentSchemaVersion,
	})
	require.NoError(t, err)

	_, parseErr := uuid.Parse(id)
	assert.NoError(t, parseErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateFailure(t *testing.T) {
	s, mock := setupPostgresStore(t)

	mock.ExpectExec("INSERT INTO documents").WillReturnError(errors.New("connection reset by peer"))

	_, err := s.Create(context.Background(), &types.Document{EncryptedData: "mrx1.AAAA"})
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Read(t *testing.T) {
	s, mock := setupPostgresStore(t)
	id := uuid.New().String()
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "encrypted_data", "schema_version", "self_ref", "created_at"}).
		AddRow(id, "mrx1.AAAA", 1, id, created)
	mock.ExpectQuery("SELECT id, encrypted_data, schema_version, self_ref, created_at FROM documents").
		WithArgs(id).
		WillReturnRows(rows)

	doc, err := s.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, "mrx1.AAAA", doc.EncryptedData)
	assert.Equal(t, 1, doc.SchemaVersion)
	assert.Equal(t, id, doc.SelfRef)
	assert.Equal(t, created, doc.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadNotFound(t *testing.T) {
	s, mock := setupPostgresStore(t)
	id := uuid.New().String()

	mock.ExpectQuery("SELECT id, encrypted_data").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_data", "schema_version", "self_ref", "created_at"}))

	_, err := s.Read(context.Background(), id)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	// identifiers that cannot be document ids never reach the database
	_, err = s.Read(context.Background(), "legacy-firestore-id")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Patch(t *testing.T) {
	s, mock := setupPostgresStore(t)
	id := uuid.New().String()

	mock.ExpectExec("UPDATE documents SET self_ref").
		WithArgs(id, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Patch(context.Background(), id, FieldSelfRef, id))

	mock.ExpectExec("UPDATE documents SET self_ref").
		WithArgs(id, id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.Patch(context.Background(), id, FieldSelfRef, id)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	err = s.Patch(context.Background(), id, "encryptedData", "x")
	assert.True(t, errors.Is(err, types.ErrValidation))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AccessJournal(t *testing.T) {
	s, mock := setupPostgresStore(t)
	patient := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	doctor := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO access_journal").
		WithArgs(sqlmock.AnyArg(), patient.Hex(), doctor.Hex(), true, "grant", "0xabc", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.AppendAccessEvent(context.Background(), types.AccessEvent{
		Patient:   patient,
		Reader:    doctor,
		Granted:   true,
		Action:    "grant",
		TxHash:    "0xabc",
		Timestamp: at,
	}))

	rows := sqlmock.NewRows([]string{"patient_addr", "doctor_addr", "has_access", "action", "tx_hash", "recorded_at"}).
		AddRow(patient.Hex(), doctor.Hex(), true, "grant", "0xabc", at).
		AddRow(patient.Hex(), doctor.Hex(), false, "revoke", nil, at.Add(time.Hour))
	mock.ExpectQuery("SELECT patient_addr, doctor_addr").
		WithArgs(patient.Hex()).
		WillReturnRows(rows)

	events, err := s.AccessJournal(context.Background(), patient)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, doctor, events[0].Reader)
	assert.True(t, events[0].Granted)
	assert.Equal(t, "0xabc", events[0].TxHash)
	assert.False(t, events[1].Granted)
	assert.Empty(t, events[1].TxHash)

	assert.NoError(t, mock.ExpectationsWereMet())
}

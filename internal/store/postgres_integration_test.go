//go:build integration

package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/medrex/emr-ledger/pkg/config"
	"github.com/medrex/emr-ledger/pkg/database"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/types"
)

func startPostgres(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "medrex_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	db, err := database.NewConnection(ctx, &config.PostgresConfig{
		Host:            host,
		Port:            portNum,
		Name:            "medrex_test",
		User:            "test",
		Password:        "testpass",
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    1,
		ConnMaxLifetime: 60,
	}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.CreateSchema(ctx))
	return db
}

func TestPostgresStore_Integration(t *testing.T) {
	ctx := context.Background()
	s := NewPostgresStore(startPostgres(t))

	require.NoError(t, s.Ping(ctx))

	id, err := s.Create(ctx, &types.Document{EncryptedData: "mrx1.AAAA", SchemaVersion: types.DocumentSchemaVersion})
	require.NoError(t, err)
	require.NoError(t, s.Patch(ctx, id, FieldSelfRef, id))

	doc, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "mrx1.AAAA", doc.EncryptedData)
	assert.Equal(t, id, doc.SelfRef)
	assert.Equal(t, types.DocumentSchemaVersion, doc.SchemaVersion)

	_, err = s.Read(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	patient := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	doctor := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.AppendAccessEvent(ctx, types.AccessEvent{Patient: patient, Reader: doctor, Granted: true, Action: "grant", Timestamp: now}))
	require.NoError(t, s.AppendAccessEvent(ctx, types.AccessEvent{Patient: patient, Reader: doctor, Action: "revoke", Timestamp: now.Add(time.Second)}))

	events, err := s.AccessJournal(ctx, patient)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "grant", events[0].Action)
	assert.Equal(t, "revoke", events[1].Action)
}

package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the document and access journal tables
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.WithComponent("database").Info("Creating database schema...")

	statements := []string{
		createDocumentsTable,
		createAccessJournalTable,
		createAccessJournalIndexes,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	db.logger.WithComponent("database").Info("Database schema created successfully")
	return nil
}

// SQL DDL statements
const (
	createDocumentsTable = `
		CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			encrypted_data TEXT NOT NULL,
			schema_version INTEGER NOT NULL DEFAULT 0,
			self_ref TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);`

	createAccessJournalTable = `
		CREATE TABLE IF NOT EXISTS access_journal (
			id UUID PRIMARY KEY,
			patient_addr VARCHAR(42) NOT NULL,
			doctor_addr VARCHAR(42) NOT NULL,
			has_access BOOLEAN NOT NULL,
			action VARCHAR(16) NOT NULL,
			tx_hash VARCHAR(66),
			recorded_at TIMESTAMP WITH TIME ZONE NOT NULL
		);`

	createAccessJournalIndexes = `
		CREATE INDEX IF NOT EXISTS idx_access_journal_patient ON access_journal(patient_addr, recorded_at);
		CREATE INDEX IF NOT EXISTS idx_access_journal_doctor ON access_journal(doctor_addr);`
)

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/mattn/go-sqlite3"
)

// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
// Timestamps are always written in UTC so the text form orders chronologically.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS members (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS loans (
	id TEXT PRIMARY KEY,
	member_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	total_installments INTEGER NOT NULL CHECK (total_installments BETWEEN 1 AND 12),
	installment_amount TEXT NOT NULL DEFAULT '0',
	remaining_balance TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL,
	decided_by TEXT,
	approved_at DATETIME,
	rejected_at DATETIME,
	completed_at DATETIME,
	notes TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	version INTEGER NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS loans_one_open_per_member
	ON loans (member_id) WHERE status IN ('pending', 'active');
CREATE TABLE IF NOT EXISTS installments (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL,
	installment_number INTEGER NOT NULL,
	amount TEXT NOT NULL,
	due_date DATETIME NOT NULL,
	status TEXT NOT NULL,
	paid_date DATETIME,
	payment_method TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	UNIQUE (loan_id, installment_number),
	FOREIGN KEY (loan_id) REFERENCES loans(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS installments_status_due ON installments (status, due_date);
CREATE TABLE IF NOT EXISTS fund_transactions (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL CHECK (type IN ('income', 'expense')),
	amount TEXT NOT NULL,
	description TEXT NOT NULL,
	reference_id TEXT,
	created_by TEXT NOT NULL,
	transaction_date DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS fund_transactions_date ON fund_transactions (transaction_date);
CREATE TABLE IF NOT EXISTS membership_fees (
	id TEXT PRIMARY KEY,
	member_id TEXT NOT NULL,
	period TEXT NOT NULL,
	amount TEXT NOT NULL,
	due_date DATETIME NOT NULL,
	status TEXT NOT NULL,
	paid_date DATETIME,
	notes TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	UNIQUE (member_id, period)
);
CREATE INDEX IF NOT EXISTS membership_fees_status_due ON membership_fees (status, due_date);
`

// NewSQLiteStore opens (or creates) a SQLite ledger database and initializes the schema.
func NewSQLiteStore(dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// SQLite allows a single writer. One connection serializes every atomic
	// unit and keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := newSQLStore(db, "sqlite3", nil, nil)
	if err := s.initSchema(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Println("SQLite ledger store ready.")
	return s, nil
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isSQLiteBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

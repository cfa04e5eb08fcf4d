package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS members (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS loans (
	id UUID PRIMARY KEY,
	member_id UUID NOT NULL,
	amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
	total_installments INTEGER NOT NULL CHECK (total_installments BETWEEN 1 AND 12),
	installment_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
	remaining_balance NUMERIC(14,2) NOT NULL CHECK (remaining_balance >= 0),
	status TEXT NOT NULL,
	reason TEXT NOT NULL,
	decided_by UUID,
	approved_at TIMESTAMPTZ,
	rejected_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	version INTEGER NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS loans_one_open_per_member
	ON loans (member_id) WHERE status IN ('pending', 'active');
CREATE TABLE IF NOT EXISTS installments (
	id UUID PRIMARY KEY,
	loan_id UUID NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
	installment_number INTEGER NOT NULL,
	amount NUMERIC(14,2) NOT NULL,
	due_date TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	paid_date TIMESTAMPTZ,
	payment_method TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (loan_id, installment_number)
);
CREATE INDEX IF NOT EXISTS installments_status_due ON installments (status, due_date);
CREATE TABLE IF NOT EXISTS fund_transactions (
	id UUID PRIMARY KEY,
	type TEXT NOT NULL CHECK (type IN ('income', 'expense')),
	amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
	description TEXT NOT NULL,
	reference_id UUID,
	created_by UUID NOT NULL,
	transaction_date TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fund_transactions_date ON fund_transactions (transaction_date);
CREATE TABLE IF NOT EXISTS membership_fees (
	id UUID PRIMARY KEY,
	member_id UUID NOT NULL,
	period TEXT NOT NULL,
	amount NUMERIC(14,2) NOT NULL,
	due_date TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	paid_date TIMESTAMPTZ,
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (member_id, period)
);
CREATE INDEX IF NOT EXISTS membership_fees_status_due ON membership_fees (status, due_date);
`

// NewPostgresStore connects to PostgreSQL through the pgx stdlib driver.
// Write units run SERIALIZABLE so two approvals against the same fund cannot
// both pass the balance check; the loser is aborted with 40001 and re-run by
// Update. Read units run on a repeatable-read snapshot.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := newSQLStore(db, "pgx",
		&sql.TxOptions{Isolation: sql.LevelSerializable},
		&sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	)
	if err := s.initSchema(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Println("PostgreSQL ledger store ready.")
	return s, nil
}

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func isPostgresUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isPostgresSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

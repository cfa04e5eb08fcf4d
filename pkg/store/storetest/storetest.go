// Package storetest provides ledger stores for tests in other packages.
package storetest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// NewSQLite opens a fresh SQLite store in a temporary directory.
func NewSQLite(t testing.TB) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// NewPostgres opens a PostgreSQL store on PG_TEST_URL, skipping the test when
// it is unset. Each store gets its own schema, dropped on cleanup, so test
// packages can share one server without seeing each other's rows.
func NewPostgres(t testing.TB) *store.SQLStore {
	t.Helper()
	dsn := os.Getenv("PG_TEST_URL")
	if dsn == "" {
		t.Skip("skipping postgres test: PG_TEST_URL not set")
	}

	admin, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { admin.Close() })

	schema := "fundledger_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.Exec("CREATE SCHEMA " + schema)
	require.NoError(t, err)
	t.Cleanup(func() { admin.Exec("DROP SCHEMA " + schema + " CASCADE") })

	s, err := store.NewPostgresStore(withSearchPath(dsn, schema))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// withSearchPath adds a search_path runtime parameter to a URL or keyword/value DSN.
func withSearchPath(dsn, schema string) string {
	if !strings.Contains(dsn, "://") {
		return dsn + " search_path=" + schema
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", dsn, sep, schema)
}

// Fund credits the ledger with amount as a plain income entry.
func Fund(t testing.TB, s store.Storage, amount string) {
	t.Helper()
	err := s.Update(context.Background(), "storetest.fund", func(tx store.Tx) error {
		return tx.CreateFundTransaction(context.Background(), &models.FundTransaction{
			ID:          uuid.New(),
			Type:        models.TransactionTypeIncome,
			Amount:      decimal.RequireFromString(amount),
			Description: "opening balance",
			CreatedBy:   uuid.New(),
			Date:        time.Now().UTC(),
		})
	})
	require.NoError(t, err)
}

// AddMember registers a member with the given role and status.
func AddMember(t testing.TB, s store.Storage, role models.Role, status models.MemberStatus) uuid.UUID {
	t.Helper()
	m := &models.Member{ID: uuid.New(), Name: "member " + string(role), Role: role, Status: status}
	err := s.Update(context.Background(), "storetest.member", func(tx store.Tx) error {
		return tx.UpsertMember(context.Background(), m)
	})
	require.NoError(t, err)
	return m.ID
}

// FaultyStore wraps a Storage and makes selected writes fail inside Update,
// after earlier writes of the same unit have already been issued.
type FaultyStore struct {
	store.Storage
	FundTransactionErr error
	InstallmentsErr    error
}

func (f *FaultyStore) Update(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	return f.Storage.Update(ctx, op, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, f: f})
	})
}

type faultyTx struct {
	store.Tx
	f *FaultyStore
}

func (t *faultyTx) CreateFundTransaction(ctx context.Context, ft *models.FundTransaction) error {
	if t.f.FundTransactionErr != nil {
		return t.f.FundTransactionErr
	}
	return t.Tx.CreateFundTransaction(ctx, ft)
}

func (t *faultyTx) CreateInstallments(ctx context.Context, installments []*models.Installment) error {
	if t.f.InstallmentsErr != nil {
		return t.f.InstallmentsErr
	}
	return t.Tx.CreateInstallments(ctx, installments)
}

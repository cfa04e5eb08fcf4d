package loans

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/errs"
	"github.com/mcclellann/fundLedger/pkg/ledger"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/store"
	"github.com/mcclellann/fundLedger/pkg/store/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var epoch = time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T, fund string) (*Manager, *ledger.Ledger, store.Storage) {
	t.Helper()
	return setupOn(t, storetest.NewSQLite(t), fund)
}

func setupOn(t *testing.T, s store.Storage, fund string) (*Manager, *ledger.Ledger, store.Storage) {
	t.Helper()
	if fund != "" {
		storetest.Fund(t, s, fund)
	}
	m := NewManager(s).WithClock(func() time.Time { return epoch })
	return m, ledger.NewLedger(s), s
}

func request(t *testing.T, m *Manager, member uuid.UUID, amount string, count int) *models.Loan {
	t.Helper()
	loan, err := m.RequestLoan(context.Background(), Request{
		MemberID:          member,
		Amount:            dec(amount),
		Reason:            "school fees for my daughter",
		TotalInstallments: count,
	})
	require.NoError(t, err)
	return loan
}

func expenseCount(t *testing.T, s store.Storage, loanID uuid.UUID) int {
	t.Helper()
	var n int
	err := s.View(context.Background(), "test", func(tx store.Tx) error {
		txs, err := tx.ListFundTransactions(context.Background(), time.Time{}, time.Now().AddDate(10, 0, 0))
		for _, ft := range txs {
			if ft.Type == models.TransactionTypeExpense && ft.ReferenceID != nil && *ft.ReferenceID == loanID {
				n++
			}
		}
		return err
	})
	require.NoError(t, err)
	return n
}

func TestRequestLoan(t *testing.T) {
	m, _, _ := setup(t, "")
	member := uuid.New()

	loan := request(t, m, member, "120.00", 4)
	assert.Equal(t, models.LoanStatusPending, loan.Status)
	assert.True(t, loan.RemainingBalance.Equal(dec("120")))
	assert.True(t, loan.InstallmentAmount.IsZero())

	detail, err := m.GetLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, member, detail.Loan.MemberID)
	assert.Empty(t, detail.Installments)
}

func TestRequestLoan_Validation(t *testing.T) {
	m, _, _ := setup(t, "")
	member := uuid.New()

	tests := []struct {
		name string
		req  Request
	}{
		{"zero amount", Request{MemberID: member, Amount: decimal.Zero, Reason: "a valid reason", TotalInstallments: 3}},
		{"negative amount", Request{MemberID: member, Amount: dec("-1"), Reason: "a valid reason", TotalInstallments: 3}},
		{"short reason", Request{MemberID: member, Amount: dec("10"), Reason: "too short", TotalInstallments: 3}},
		{"padded short reason", Request{MemberID: member, Amount: dec("10"), Reason: "   short    ", TotalInstallments: 3}},
		{"no installments", Request{MemberID: member, Amount: dec("10"), Reason: "a valid reason", TotalInstallments: 0}},
		{"too many installments", Request{MemberID: member, Amount: dec("10"), Reason: "a valid reason", TotalInstallments: 13}},
		{"missing member", Request{Amount: dec("10"), Reason: "a valid reason", TotalInstallments: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.RequestLoan(context.Background(), tt.req)
			assert.True(t, errors.Is(err, errs.ErrValidation), "got %v", err)
		})
	}
}

func TestRequestLoan_OneOpenLoanPerMember(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t, "1000")
	member := uuid.New()

	first := request(t, m, member, "100", 2)

	_, err := m.RequestLoan(ctx, Request{MemberID: member, Amount: dec("50"), Reason: "another valid reason", TotalInstallments: 1})
	assert.True(t, errors.Is(err, errs.ErrConflict), "pending loan should block: %v", err)

	_, err = m.ApproveLoan(ctx, uuid.New(), first.ID, epoch)
	require.NoError(t, err)
	_, err = m.RequestLoan(ctx, Request{MemberID: member, Amount: dec("50"), Reason: "another valid reason", TotalInstallments: 1})
	assert.True(t, errors.Is(err, errs.ErrConflict), "active loan should block: %v", err)

	other := request(t, m, uuid.New(), "10", 1)
	_, err = m.RejectLoan(ctx, uuid.New(), other.ID, "not eligible")
	require.NoError(t, err)
	request(t, m, other.MemberID, "10", 1)
}

func TestApproveLoan(t *testing.T) {
	ctx := context.Background()
	m, l, s := setup(t, "500.00")
	treasurer := uuid.New()
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	loan := request(t, m, uuid.New(), "120.00", 4)
	detail, err := m.ApproveLoan(ctx, treasurer, loan.ID, start)
	require.NoError(t, err)

	assert.Equal(t, models.LoanStatusActive, detail.Loan.Status)
	require.NotNil(t, detail.Loan.DecidedBy)
	assert.Equal(t, treasurer, *detail.Loan.DecidedBy)
	assert.Equal(t, "30.00", detail.Loan.InstallmentAmount.StringFixed(2))
	require.Len(t, detail.Installments, 4)
	for i, inst := range detail.Installments {
		assert.Equal(t, "30.00", inst.Amount.StringFixed(2))
		assert.Equal(t, start.AddDate(0, i+1, 0), inst.DueDate)
		assert.Equal(t, epoch, inst.CreatedAt, "installments are stamped by the manager's clock")
	}

	balance, err := l.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "380.00", balance.StringFixed(2))
	assert.Equal(t, 1, expenseCount(t, s, loan.ID))

	stored, err := m.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, stored.Loan.Status)
	require.Len(t, stored.Installments, 4)
	assert.Equal(t, start.AddDate(0, 4, 0), stored.Installments[3].DueDate)
	assert.Equal(t, epoch, stored.Installments[0].CreatedAt)
	assert.Equal(t, epoch, *stored.Loan.ApprovedAt)
}

func TestApproveLoan_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	m, l, s := setup(t, "99.99")

	loan := request(t, m, uuid.New(), "100.00", 2)
	_, err := m.ApproveLoan(ctx, uuid.New(), loan.ID, epoch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInsufficientFunds), "got %v", err)

	detail, err := m.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusPending, detail.Loan.Status)
	assert.Empty(t, detail.Installments)
	assert.Equal(t, 0, expenseCount(t, s, loan.ID))

	balance, err := l.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "99.99", balance.StringFixed(2))
}

func TestApproveLoan_StateAndNotFound(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t, "1000")

	_, err := m.ApproveLoan(ctx, uuid.New(), uuid.New(), epoch)
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)
	_, err = m.RejectLoan(ctx, uuid.New(), uuid.New(), "")
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)

	loan := request(t, m, uuid.New(), "100", 1)
	rejector := uuid.New()
	rejected, err := m.RejectLoan(ctx, rejector, loan.ID, "fund reserved for emergencies")
	require.NoError(t, err)
	require.NotNil(t, rejected.DecidedBy)
	assert.Equal(t, rejector, *rejected.DecidedBy)
	assert.Nil(t, rejected.ApprovedAt)
	require.NotNil(t, rejected.RejectedAt)

	_, err = m.ApproveLoan(ctx, uuid.New(), loan.ID, epoch)
	assert.True(t, errors.Is(err, errs.ErrState), "rejected loan cannot be approved: %v", err)
	_, err = m.RejectLoan(ctx, uuid.New(), loan.ID, "again")
	assert.True(t, errors.Is(err, errs.ErrState), "rejected loan cannot be rejected twice: %v", err)
}

func TestApproveLoan_RollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	base := storetest.NewSQLite(t)
	storetest.Fund(t, base, "1000")

	tests := []struct {
		name  string
		store *storetest.FaultyStore
	}{
		{"fund debit fails", &storetest.FaultyStore{Storage: base, FundTransactionErr: errors.New("disk I/O error")}},
		{"schedule write fails", &storetest.FaultyStore{Storage: base, InstallmentsErr: errors.New("disk I/O error")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			healthy := NewManager(base)
			loan := request(t, healthy, uuid.New(), "300", 3)

			_, err := NewManager(tt.store).ApproveLoan(ctx, uuid.New(), loan.ID, epoch)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrStore), "got %v", err)
			assert.True(t, errs.Retryable(err))

			detail, err := healthy.GetLoan(ctx, loan.ID)
			require.NoError(t, err)
			assert.Equal(t, models.LoanStatusPending, detail.Loan.Status)
			assert.Nil(t, detail.Loan.DecidedBy)
			assert.Empty(t, detail.Installments)
			assert.Equal(t, 0, expenseCount(t, base, loan.ID))

			_, err = healthy.ApproveLoan(ctx, uuid.New(), loan.ID, epoch)
			require.NoError(t, err, "retry after a store failure should succeed")
		})
	}
}

// backends lists the stores concurrency tests run against. PostgreSQL runs
// only when PG_TEST_URL is set.
var backends = []struct {
	name string
	open func(testing.TB) *store.SQLStore
}{
	{"sqlite", storetest.NewSQLite},
	{"postgres", storetest.NewPostgres},
}

func TestApproveLoan_ConcurrentApprovalsDisburseOnce(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			m, l, s := setupOn(t, b.open(t), "1000")
			loan := request(t, m, uuid.New(), "600", 6)

			const attempts = 8
			var (
				mu        sync.Mutex
				successes int
				stateErrs int
			)
			var g errgroup.Group
			for i := 0; i < attempts; i++ {
				g.Go(func() error {
					_, err := m.ApproveLoan(ctx, uuid.New(), loan.ID, epoch)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						successes++
					case errors.Is(err, errs.ErrState):
						stateErrs++
					default:
						return err
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			assert.Equal(t, 1, successes)
			assert.Equal(t, attempts-1, stateErrs, "losers see the loan already active, not a store failure")
			assert.Equal(t, 1, expenseCount(t, s, loan.ID))

			detail, err := m.GetLoan(ctx, loan.ID)
			require.NoError(t, err)
			assert.Len(t, detail.Installments, 6)

			balance, err := l.Balance(ctx)
			require.NoError(t, err)
			assert.Equal(t, "400.00", balance.StringFixed(2))
		})
	}
}

func TestApproveLoan_ConcurrentLoansCannotOverdrawFund(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			m, l, _ := setupOn(t, b.open(t), "1000")
			first := request(t, m, uuid.New(), "700", 7)
			second := request(t, m, uuid.New(), "700", 7)

			results := make([]error, 2)
			var g errgroup.Group
			for i, loan := range []*models.Loan{first, second} {
				i, loan := i, loan
				g.Go(func() error {
					_, results[i] = m.ApproveLoan(ctx, uuid.New(), loan.ID, epoch)
					return nil
				})
			}
			require.NoError(t, g.Wait())

			approved, refused := 0, 0
			for _, err := range results {
				switch {
				case err == nil:
					approved++
				case errors.Is(err, errs.ErrInsufficientFunds):
					refused++
				default:
					t.Fatalf("unexpected approval failure: %v", err)
				}
			}
			assert.Equal(t, 1, approved)
			assert.Equal(t, 1, refused)

			balance, err := l.Balance(ctx)
			require.NoError(t, err)
			assert.Equal(t, "300.00", balance.StringFixed(2))
		})
	}
}

func TestConfirmInstallmentPayment_CompletesLoan(t *testing.T) {
	ctx := context.Background()
	m, l, _ := setup(t, "500.00")
	treasurer := uuid.New()

	loan := request(t, m, uuid.New(), "120.00", 4)
	detail, err := m.ApproveLoan(ctx, treasurer, loan.ID, epoch)
	require.NoError(t, err)

	previous := detail.Loan.RemainingBalance
	for i, inst := range detail.Installments {
		res, err := m.ConfirmInstallmentPayment(ctx, treasurer, inst.ID, "cash", "")
		require.NoError(t, err)

		assert.Equal(t, models.PaymentStatusPaid, res.Installment.Status)
		assert.Equal(t, "cash", res.Installment.PaymentMethod)
		assert.True(t, res.Loan.RemainingBalance.Equal(previous.Sub(inst.Amount)))
		assert.True(t, res.Loan.RemainingBalance.LessThan(previous))
		previous = res.Loan.RemainingBalance

		assert.Equal(t, models.TransactionTypeIncome, res.Transaction.Type)
		require.NotNil(t, res.Transaction.ReferenceID)
		assert.Equal(t, loan.ID, *res.Transaction.ReferenceID)

		if i < len(detail.Installments)-1 {
			assert.Equal(t, models.LoanStatusActive, res.Loan.Status)
		} else {
			assert.True(t, res.Loan.RemainingBalance.IsZero())
			assert.Equal(t, models.LoanStatusCompleted, res.Loan.Status)
			assert.NotNil(t, res.Loan.CompletedAt)
		}
	}

	balance, err := l.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "500.00", balance.StringFixed(2))

	_, err = m.ConfirmInstallmentPayment(ctx, treasurer, detail.Installments[0].ID, "cash", "")
	assert.True(t, errors.Is(err, errs.ErrNotFound), "double payment: %v", err)

	balance, err = l.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "500.00", balance.StringFixed(2), "paid installment must not credit twice")
}

func TestConfirmInstallmentPayment_UnevenScheduleReachesZero(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t, "1000")
	treasurer := uuid.New()

	loan := request(t, m, uuid.New(), "100.00", 3)
	detail, err := m.ApproveLoan(ctx, treasurer, loan.ID, epoch)
	require.NoError(t, err)

	// Pay out of order; completion happens on whichever payment zeroes the balance.
	order := []int{2, 0, 1}
	var last *PaymentConfirmation
	for _, i := range order {
		last, err = m.ConfirmInstallmentPayment(ctx, treasurer, detail.Installments[i].ID, "transfer", "")
		require.NoError(t, err)
	}
	assert.True(t, last.Loan.RemainingBalance.IsZero())
	assert.Equal(t, models.LoanStatusCompleted, last.Loan.Status)
}

func TestConfirmInstallmentPayment_NotFound(t *testing.T) {
	m, _, _ := setup(t, "")
	_, err := m.ConfirmInstallmentPayment(context.Background(), uuid.New(), uuid.New(), "cash", "")
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)
}

func TestConfirmInstallmentPayment_RollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	base := storetest.NewSQLite(t)
	storetest.Fund(t, base, "1000")
	m := NewManager(base)
	treasurer := uuid.New()

	loan := request(t, m, uuid.New(), "50", 1)
	detail, err := m.ApproveLoan(ctx, treasurer, loan.ID, epoch)
	require.NoError(t, err)

	faulty := &storetest.FaultyStore{Storage: base, FundTransactionErr: errors.New("connection reset")}
	_, err = NewManager(faulty).ConfirmInstallmentPayment(ctx, treasurer, detail.Installments[0].ID, "cash", "")
	assert.True(t, errors.Is(err, errs.ErrStore), "got %v", err)

	after, err := m.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, after.Loan.Status)
	assert.True(t, after.Loan.RemainingBalance.Equal(dec("50")))
	assert.Equal(t, models.PaymentStatusPending, after.Installments[0].Status)
}

func TestLoanStats(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t, "10000")
	treasurer := uuid.New()
	member := uuid.New()

	rejected := request(t, m, member, "900", 3)
	_, err := m.RejectLoan(ctx, treasurer, rejected.ID, "too large")
	require.NoError(t, err)

	done := request(t, m, member, "200", 2)
	detail, err := m.ApproveLoan(ctx, treasurer, done.ID, epoch)
	require.NoError(t, err)
	for _, inst := range detail.Installments {
		_, err := m.ConfirmInstallmentPayment(ctx, treasurer, inst.ID, "cash", "")
		require.NoError(t, err)
	}

	active := request(t, m, member, "300", 3)
	detail, err = m.ApproveLoan(ctx, treasurer, active.ID, epoch)
	require.NoError(t, err)
	_, err = m.ConfirmInstallmentPayment(ctx, treasurer, detail.Installments[0].ID, "cash", "")
	require.NoError(t, err)

	stats, err := m.LoanStats(ctx, member)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalLoans)
	assert.Equal(t, 1, stats.ActiveLoans)
	assert.Equal(t, 1, stats.CompletedLoans)
	assert.Equal(t, 1, stats.RejectedLoans)
	assert.Equal(t, 0, stats.PendingLoans)
	assert.Equal(t, "500.00", stats.TotalBorrowed.StringFixed(2))
	assert.Equal(t, "300.00", stats.TotalRepaid.StringFixed(2))
	assert.Equal(t, "200.00", stats.RemainingDebt.StringFixed(2))

	empty, err := m.LoanStats(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalLoans)
	assert.True(t, empty.TotalBorrowed.IsZero())
}

func TestListLoans(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t, "1000")

	a := request(t, m, uuid.New(), "100", 1)
	request(t, m, uuid.New(), "100", 1)
	_, err := m.ApproveLoan(ctx, uuid.New(), a.ID, epoch)
	require.NoError(t, err)

	all, err := m.ListLoans(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := m.ListLoans(ctx, models.LoanStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	_, err = m.ListLoans(ctx, "defaulted")
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

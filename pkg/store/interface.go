package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Storage is the Ledger Store. Every write goes through Update, which runs fn
// inside one atomic unit: either all of fn's writes commit or none do. Update
// may run fn more than once when the unit loses a serialization conflict.
type Storage interface {
	Update(ctx context.Context, op string, fn func(tx Tx) error) error
	View(ctx context.Context, op string, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of reads and guarded writes available inside an atomic unit.
type Tx interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	// UpdateLoan writes loan only if the stored row still has status from and
	// version loan.Version. On success loan.Version is incremented.
	UpdateLoan(ctx context.Context, loan *models.Loan, from models.LoanStatus) (bool, error)
	ListLoans(ctx context.Context, status models.LoanStatus) ([]*models.Loan, error)
	ListLoansForMember(ctx context.Context, memberID uuid.UUID) ([]*models.Loan, error)

	CreateInstallments(ctx context.Context, installments []*models.Installment) error
	GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error)
	ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error)
	// MarkInstallmentPaid transitions a pending or overdue installment to paid.
	MarkInstallmentPaid(ctx context.Context, inst *models.Installment) (bool, error)
	MarkOverdueInstallments(ctx context.Context, now time.Time) (int64, error)

	CreateFundTransaction(ctx context.Context, t *models.FundTransaction) error
	FundTotals(ctx context.Context) (income, expense decimal.Decimal, err error)
	ListFundTransactions(ctx context.Context, from, to time.Time) ([]*models.FundTransaction, error)

	// CreateFeeIfAbsent inserts fee unless one exists for the same member and period.
	CreateFeeIfAbsent(ctx context.Context, fee *models.MembershipFee) (bool, error)
	GetFee(ctx context.Context, id uuid.UUID) (*models.MembershipFee, error)
	MarkFeePaid(ctx context.Context, fee *models.MembershipFee) (bool, error)
	ListFeesForMember(ctx context.Context, memberID uuid.UUID) ([]*models.MembershipFee, error)
	MarkOverdueFees(ctx context.Context, now time.Time) (int64, error)

	UpsertMember(ctx context.Context, m *models.Member) error
	ActiveMemberIDs(ctx context.Context) ([]uuid.UUID, error)
}

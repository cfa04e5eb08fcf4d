// Package loans owns the loan state machine: request, approval with fund
// admission control, rejection, installment repayment and completion.
package loans

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/errs"
	"github.com/mcclellann/fundLedger/pkg/ledger"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/schedule"
	"github.com/mcclellann/fundLedger/pkg/store"
	"github.com/shopspring/decimal"
)

const minReasonLength = 10

// Request is a validated loan request.
type Request struct {
	MemberID          uuid.UUID
	Amount            decimal.Decimal
	Reason            string
	TotalInstallments int
}

// Manager handles the business logic for loans and their installments.
type Manager struct {
	storage store.Storage
	now     func() time.Time
}

// NewManager creates a new Manager with a given Storage implementation.
func NewManager(s store.Storage) *Manager {
	return &Manager{
		storage: s,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for timestamps and default start dates.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (r Request) validate(op string) error {
	if r.MemberID == uuid.Nil {
		return errs.Validation(op, "member id is required")
	}
	if err := ledger.ValidateAmount(op, r.Amount); err != nil {
		return err
	}
	if utf8.RuneCountInString(strings.TrimSpace(r.Reason)) < minReasonLength {
		return errs.Validation(op, "reason must be at least %d characters", minReasonLength)
	}
	if r.TotalInstallments < schedule.MinInstallments || r.TotalInstallments > schedule.MaxInstallments {
		return errs.Validation(op, "installment count %d outside [%d, %d]", r.TotalInstallments, schedule.MinInstallments, schedule.MaxInstallments)
	}
	return nil
}

// RequestLoan creates a pending loan. A member may hold at most one pending
// or active loan at a time.
func (m *Manager) RequestLoan(ctx context.Context, req Request) (*models.Loan, error) {
	const op = "loans.request"
	if err := req.validate(op); err != nil {
		return nil, err
	}

	now := m.now()
	loan := &models.Loan{
		ID:                uuid.New(),
		MemberID:          req.MemberID,
		Amount:            req.Amount,
		TotalInstallments: req.TotalInstallments,
		InstallmentAmount: decimal.Zero,
		RemainingBalance:  req.Amount,
		Status:            models.LoanStatusPending,
		Reason:            strings.TrimSpace(req.Reason),
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}

	err := m.storage.Update(ctx, op, func(tx store.Tx) error {
		existing, err := tx.ListLoansForMember(ctx, req.MemberID)
		if err != nil {
			return err
		}
		for _, l := range existing {
			if l.IsOpen() {
				return errs.Conflict(op, "member already has a %s loan %s", l.Status, l.ID)
			}
		}
		if err := tx.CreateLoan(ctx, loan); err != nil {
			// The open-loan index catches a request that raced past the check above.
			if errors.Is(err, store.ErrDuplicate) {
				return errs.Conflict(op, "member already has an open loan")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}

	log.Printf("Loan %s requested by member %s for %s over %d installments\n", loan.ID, loan.MemberID, loan.Amount.StringFixed(2), loan.TotalInstallments)
	return loan, nil
}

// loadForTransition fetches the loan and checks it is in the expected state.
func loadForTransition(ctx context.Context, tx store.Tx, op string, loanID uuid.UUID, from models.LoanStatus) (*models.Loan, error) {
	loan, err := tx.GetLoan(ctx, loanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.NotFound(op, "loan %s not found", loanID)
		}
		return nil, err
	}
	if loan.Status != from {
		return nil, errs.State(op, "loan %s is %s, not %s", loanID, loan.Status, from)
	}
	return loan, nil
}

// writeTransition persists loan, guarded on its previous status and version.
// A lost guard means another unit changed the loan first.
func writeTransition(ctx context.Context, tx store.Tx, op string, loan *models.Loan, from models.LoanStatus) error {
	ok, err := tx.UpdateLoan(ctx, loan, from)
	if err != nil {
		return err
	}
	if !ok {
		return errs.State(op, "loan %s is no longer %s", loan.ID, from)
	}
	return nil
}

// ApproveLoan activates a pending loan. In one atomic unit it checks the fund
// covers the amount, marks the loan active, writes its installment schedule
// and debits the fund. If startDate is zero the schedule starts now.
func (m *Manager) ApproveLoan(ctx context.Context, treasurerID, loanID uuid.UUID, startDate time.Time) (*models.LoanDetail, error) {
	const op = "loans.approve"
	if treasurerID == uuid.Nil {
		return nil, errs.Validation(op, "treasurer id is required")
	}

	now := m.now()
	if startDate.IsZero() {
		startDate = now
	}

	var detail *models.LoanDetail
	err := m.storage.Update(ctx, op, func(tx store.Tx) error {
		loan, err := loadForTransition(ctx, tx, op, loanID, models.LoanStatusPending)
		if err != nil {
			return err
		}

		balance, err := ledger.BalanceOf(ctx, tx)
		if err != nil {
			return err
		}
		if balance.LessThan(loan.Amount) {
			return errs.InsufficientFunds(op, "fund balance %s does not cover loan amount %s", balance.StringFixed(2), loan.Amount.StringFixed(2))
		}

		loan.Status = models.LoanStatusActive
		loan.InstallmentAmount = schedule.InstallmentAmount(loan.Amount, loan.TotalInstallments)
		loan.RemainingBalance = loan.Amount
		loan.DecidedBy = &treasurerID
		loan.ApprovedAt = &now
		loan.UpdatedAt = now
		if err := writeTransition(ctx, tx, op, loan, models.LoanStatusPending); err != nil {
			return err
		}

		installments := schedule.Generate(loan.ID, loan.Amount, loan.TotalInstallments, startDate, now)
		if err := tx.CreateInstallments(ctx, installments); err != nil {
			return fmt.Errorf("write installment schedule: %w", err)
		}

		ref := loan.ID
		_, err = ledger.Post(ctx, tx, ledger.Entry{
			Type:        models.TransactionTypeExpense,
			Amount:      loan.Amount,
			Description: fmt.Sprintf("Loan disbursement %s", loan.ID),
			ReferenceID: &ref,
		}, treasurerID, now)
		if err != nil {
			return fmt.Errorf("debit fund: %w", err)
		}

		detail = &models.LoanDetail{Loan: loan, Installments: installments}
		return nil
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}

	log.Printf("Loan %s approved by %s: disbursed %s in %d installments of %s\n",
		loanID, treasurerID, detail.Loan.Amount.StringFixed(2), detail.Loan.TotalInstallments, detail.Loan.InstallmentAmount.StringFixed(2))
	return detail, nil
}

// RejectLoan closes a pending loan without moving money.
func (m *Manager) RejectLoan(ctx context.Context, treasurerID, loanID uuid.UUID, notes string) (*models.Loan, error) {
	const op = "loans.reject"
	if treasurerID == uuid.Nil {
		return nil, errs.Validation(op, "treasurer id is required")
	}

	now := m.now()
	var loan *models.Loan
	err := m.storage.Update(ctx, op, func(tx store.Tx) error {
		var err error
		loan, err = loadForTransition(ctx, tx, op, loanID, models.LoanStatusPending)
		if err != nil {
			return err
		}
		loan.Status = models.LoanStatusRejected
		loan.DecidedBy = &treasurerID
		loan.RejectedAt = &now
		loan.Notes = strings.TrimSpace(notes)
		loan.UpdatedAt = now
		return writeTransition(ctx, tx, op, loan, models.LoanStatusPending)
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}

	log.Printf("Loan %s rejected by %s\n", loanID, treasurerID)
	return loan, nil
}

// PaymentConfirmation is the outcome of confirming one installment.
type PaymentConfirmation struct {
	Installment *models.Installment     `json:"installment"`
	Loan        *models.Loan            `json:"loan"`
	Transaction *models.FundTransaction `json:"transaction"`
}

// ConfirmInstallmentPayment marks an unpaid installment paid, credits the fund,
// reduces the loan's remaining balance and completes the loan when the balance
// reaches zero. All of it commits together.
func (m *Manager) ConfirmInstallmentPayment(ctx context.Context, treasurerID, installmentID uuid.UUID, method, notes string) (*PaymentConfirmation, error) {
	const op = "loans.confirm_installment"
	if treasurerID == uuid.Nil {
		return nil, errs.Validation(op, "treasurer id is required")
	}

	now := m.now()
	var result *PaymentConfirmation
	err := m.storage.Update(ctx, op, func(tx store.Tx) error {
		inst, err := tx.GetInstallment(ctx, installmentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errs.NotFound(op, "installment %s not found", installmentID)
			}
			return err
		}
		if inst.Status == models.PaymentStatusPaid {
			return errs.NotFound(op, "installment %s not found or already paid", installmentID)
		}

		loan, err := loadForTransition(ctx, tx, op, inst.LoanID, models.LoanStatusActive)
		if err != nil {
			return err
		}

		inst.Status = models.PaymentStatusPaid
		inst.PaidDate = &now
		inst.PaymentMethod = strings.TrimSpace(method)
		inst.Notes = strings.TrimSpace(notes)
		ok, err := tx.MarkInstallmentPaid(ctx, inst)
		if err != nil {
			return err
		}
		if !ok {
			return errs.NotFound(op, "installment %s not found or already paid", installmentID)
		}

		remaining := loan.RemainingBalance.Sub(inst.Amount)
		if remaining.IsNegative() {
			return errs.State(op, "installment %s exceeds remaining balance %s of loan %s", inst.ID, loan.RemainingBalance.StringFixed(2), loan.ID)
		}
		loan.RemainingBalance = remaining
		loan.UpdatedAt = now
		if remaining.IsZero() {
			loan.Status = models.LoanStatusCompleted
			loan.CompletedAt = &now
		}
		if err := writeTransition(ctx, tx, op, loan, models.LoanStatusActive); err != nil {
			return err
		}

		ref := loan.ID
		ft, err := ledger.Post(ctx, tx, ledger.Entry{
			Type:        models.TransactionTypeIncome,
			Amount:      inst.Amount,
			Description: fmt.Sprintf("Installment %d/%d of loan %s", inst.Number, loan.TotalInstallments, loan.ID),
			ReferenceID: &ref,
		}, treasurerID, now)
		if err != nil {
			return fmt.Errorf("credit fund: %w", err)
		}

		result = &PaymentConfirmation{Installment: inst, Loan: loan, Transaction: ft}
		return nil
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}

	if result.Loan.Status == models.LoanStatusCompleted {
		log.Printf("Loan %s fully repaid and completed\n", result.Loan.ID)
	} else {
		log.Printf("Installment %s of loan %s confirmed (remaining %s)\n", installmentID, result.Loan.ID, result.Loan.RemainingBalance.StringFixed(2))
	}
	return result, nil
}

// LoanStats aggregates a member's loans. Borrowed and repaid amounts count only
// loans that were disbursed.
func (m *Manager) LoanStats(ctx context.Context, memberID uuid.UUID) (*models.LoanStats, error) {
	const op = "loans.stats"
	var loans []*models.Loan
	err := m.storage.View(ctx, op, func(tx store.Tx) error {
		var err error
		loans, err = tx.ListLoansForMember(ctx, memberID)
		return err
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}

	stats := &models.LoanStats{
		TotalBorrowed: decimal.Zero,
		TotalRepaid:   decimal.Zero,
		RemainingDebt: decimal.Zero,
	}
	for _, l := range loans {
		stats.TotalLoans++
		switch l.Status {
		case models.LoanStatusPending:
			stats.PendingLoans++
		case models.LoanStatusRejected:
			stats.RejectedLoans++
		case models.LoanStatusActive, models.LoanStatusCompleted:
			if l.Status == models.LoanStatusActive {
				stats.ActiveLoans++
				stats.RemainingDebt = stats.RemainingDebt.Add(l.RemainingBalance)
			} else {
				stats.CompletedLoans++
			}
			stats.TotalBorrowed = stats.TotalBorrowed.Add(l.Amount)
			stats.TotalRepaid = stats.TotalRepaid.Add(l.Amount.Sub(l.RemainingBalance))
		}
	}
	return stats, nil
}

// GetLoan returns a loan with its installment schedule.
func (m *Manager) GetLoan(ctx context.Context, loanID uuid.UUID) (*models.LoanDetail, error) {
	const op = "loans.get"
	detail := &models.LoanDetail{}
	err := m.storage.View(ctx, op, func(tx store.Tx) error {
		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errs.NotFound(op, "loan %s not found", loanID)
			}
			return err
		}
		detail.Loan = loan
		detail.Installments, err = tx.ListInstallments(ctx, loanID)
		return err
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}
	return detail, nil
}

// ListLoans returns loans in the given status, or all loans when status is empty.
func (m *Manager) ListLoans(ctx context.Context, status models.LoanStatus) ([]*models.Loan, error) {
	const op = "loans.list"
	switch status {
	case "", models.LoanStatusPending, models.LoanStatusActive, models.LoanStatusRejected, models.LoanStatusCompleted:
	default:
		return nil, errs.Validation(op, "unknown loan status %q", status)
	}

	var loans []*models.Loan
	err := m.storage.View(ctx, op, func(tx store.Tx) error {
		var err error
		loans, err = tx.ListLoans(ctx, status)
		return err
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}
	return loans, nil
}

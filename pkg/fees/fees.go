// Package fees generates monthly membership dues and confirms their payment.
package fees

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/errs"
	"github.com/mcclellann/fundLedger/pkg/ledger"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/store"
	"github.com/shopspring/decimal"
)

const (
	periodLayout = "2006-01"

	DefaultDueDay = 10
	maxDueDay     = 28
)

// MemberDirectory is the member/profile collaborator. It supplies the ids of
// members who owe dues: active and not administrators.
type MemberDirectory interface {
	ActiveMemberIDs(ctx context.Context) ([]uuid.UUID, error)
}

// StoreDirectory reads the members table of the ledger store.
type StoreDirectory struct {
	Storage store.Storage
}

func (d StoreDirectory) ActiveMemberIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := d.Storage.View(ctx, "fees.members", func(tx store.Tx) error {
		var err error
		ids, err = tx.ActiveMemberIDs(ctx)
		return err
	})
	return ids, err
}

// Manager runs the monthly fee cycle.
type Manager struct {
	storage   store.Storage
	directory MemberDirectory
	amount    decimal.Decimal
	dueDay    int
	now       func() time.Time
}

// NewManager creates a fee Manager charging amount per member per month, due
// on dueDay of the month.
func NewManager(s store.Storage, directory MemberDirectory, amount decimal.Decimal, dueDay int) (*Manager, error) {
	if err := ledger.ValidateAmount("fees.new", amount); err != nil {
		return nil, err
	}
	if dueDay < 1 || dueDay > maxDueDay {
		return nil, fmt.Errorf("fee due day %d outside [1, %d]", dueDay, maxDueDay)
	}
	if directory == nil {
		directory = StoreDirectory{Storage: s}
	}
	return &Manager{
		storage:   s,
		directory: directory,
		amount:    amount,
		dueDay:    dueDay,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock replaces the time source used for timestamps.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Period returns the YYYY-MM key of the month containing t (UTC).
func Period(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// GenerateMonthlyFees creates one pending fee for every member that owes dues
// and has none yet for targetMonth's period. Re-running for the same month
// creates nothing new.
func (m *Manager) GenerateMonthlyFees(ctx context.Context, targetMonth time.Time) (*models.FeeRun, error) {
	const op = "fees.generate"
	if targetMonth.IsZero() {
		return nil, errs.Validation(op, "target month is required")
	}

	ids, err := m.directory.ActiveMemberIDs(ctx)
	if err != nil {
		return nil, errs.Store(op, fmt.Errorf("list active members: %w", err))
	}

	month := targetMonth.UTC()
	dueDate := time.Date(month.Year(), month.Month(), m.dueDay, 0, 0, 0, 0, time.UTC)
	run := &models.FeeRun{Period: Period(month), TotalAmount: decimal.Zero}
	now := m.now()

	err = m.storage.Update(ctx, op, func(tx store.Tx) error {
		run.Generated = 0
		run.TotalAmount = decimal.Zero
		for _, memberID := range ids {
			created, err := tx.CreateFeeIfAbsent(ctx, &models.MembershipFee{
				ID:        uuid.New(),
				MemberID:  memberID,
				Period:    run.Period,
				Amount:    m.amount,
				DueDate:   dueDate,
				Status:    models.PaymentStatusPending,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			if created {
				run.Generated++
				run.TotalAmount = run.TotalAmount.Add(m.amount)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}

	log.Printf("Generated %d membership fees for %s totalling %s\n", run.Generated, run.Period, run.TotalAmount.StringFixed(2))
	return run, nil
}

// FeeConfirmation is the outcome of confirming a fee payment.
type FeeConfirmation struct {
	Fee         *models.MembershipFee   `json:"fee"`
	Transaction *models.FundTransaction `json:"transaction"`
}

// ConfirmFeePayment marks an unpaid fee paid and credits the fund in the same
// atomic unit.
func (m *Manager) ConfirmFeePayment(ctx context.Context, treasurerID, feeID uuid.UUID, notes string) (*FeeConfirmation, error) {
	const op = "fees.confirm"
	if treasurerID == uuid.Nil {
		return nil, errs.Validation(op, "treasurer id is required")
	}

	now := m.now()
	var result *FeeConfirmation
	err := m.storage.Update(ctx, op, func(tx store.Tx) error {
		fee, err := tx.GetFee(ctx, feeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errs.NotFound(op, "membership fee %s not found", feeID)
			}
			return err
		}
		if fee.Status == models.PaymentStatusPaid {
			return errs.NotFound(op, "membership fee %s not found or already paid", feeID)
		}

		fee.Status = models.PaymentStatusPaid
		fee.PaidDate = &now
		if n := strings.TrimSpace(notes); n != "" {
			fee.Notes = n
		}
		ok, err := tx.MarkFeePaid(ctx, fee)
		if err != nil {
			return err
		}
		if !ok {
			return errs.NotFound(op, "membership fee %s not found or already paid", feeID)
		}

		ref := fee.ID
		ft, err := ledger.Post(ctx, tx, ledger.Entry{
			Type:        models.TransactionTypeIncome,
			Amount:      fee.Amount,
			Description: fmt.Sprintf("Membership fee %s for member %s", fee.Period, fee.MemberID),
			ReferenceID: &ref,
		}, treasurerID, now)
		if err != nil {
			return fmt.Errorf("credit fund: %w", err)
		}

		result = &FeeConfirmation{Fee: fee, Transaction: ft}
		return nil
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}

	log.Printf("Membership fee %s (%s) confirmed by %s\n", feeID, result.Fee.Period, treasurerID)
	return result, nil
}

// MemberFees lists a member's fees, oldest due first.
func (m *Manager) MemberFees(ctx context.Context, memberID uuid.UUID) ([]*models.MembershipFee, error) {
	const op = "fees.list"
	var list []*models.MembershipFee
	err := m.storage.View(ctx, op, func(tx store.Tx) error {
		var err error
		list, err = tx.ListFeesForMember(ctx, memberID)
		return err
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}
	return list, nil
}

// MemberPaymentStatus aggregates a member's fees by status. Overdue counts
// reflect the last sweep.
func (m *Manager) MemberPaymentStatus(ctx context.Context, memberID uuid.UUID) (*models.PaymentStatusSummary, error) {
	list, err := m.MemberFees(ctx, memberID)
	if err != nil {
		return nil, err
	}

	s := &models.PaymentStatusSummary{
		TotalAmount:   decimal.Zero,
		PaidAmount:    decimal.Zero,
		PendingAmount: decimal.Zero,
		OverdueAmount: decimal.Zero,
	}
	for _, fee := range list {
		s.TotalFees++
		s.TotalAmount = s.TotalAmount.Add(fee.Amount)
		switch fee.Status {
		case models.PaymentStatusPaid:
			s.PaidFees++
			s.PaidAmount = s.PaidAmount.Add(fee.Amount)
		case models.PaymentStatusPending:
			s.PendingFees++
			s.PendingAmount = s.PendingAmount.Add(fee.Amount)
		case models.PaymentStatusOverdue:
			s.OverdueFees++
			s.OverdueAmount = s.OverdueAmount.Add(fee.Amount)
		}
	}
	s.Balance = s.TotalAmount.Sub(s.PaidAmount)
	return s, nil
}

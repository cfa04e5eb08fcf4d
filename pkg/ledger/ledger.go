package ledger

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/errs"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/store"
	"github.com/shopspring/decimal"
)

// moneyPlaces is the number of decimal places an amount may carry.
const moneyPlaces = 2

// Entry is a validated request to append one fund transaction.
type Entry struct {
	Type        models.TransactionType
	Amount      decimal.Decimal
	Description string
	ReferenceID *uuid.UUID
}

// Ledger is the single source of truth for the fund. The balance is never
// stored; every read sums the whole ledger.
type Ledger struct {
	storage store.Storage
	now     func() time.Time
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage) *Ledger {
	return &Ledger{
		storage: s,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used to date entries.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// ValidateAmount rejects non-positive amounts and amounts finer than a cent.
func ValidateAmount(op string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.Invalid(op, errs.ErrInvalidAmount, "amount %s must be greater than zero", amount)
	}
	if !amount.Equal(amount.Truncate(moneyPlaces)) {
		return errs.Invalid(op, errs.ErrInvalidAmount, "amount %s has more than %d decimal places", amount, moneyPlaces)
	}
	return nil
}

func validateEntry(op string, e Entry) error {
	if e.Type != models.TransactionTypeIncome && e.Type != models.TransactionTypeExpense {
		return errs.Invalid(op, errs.ErrInvalidType, "type %q is neither income nor expense", e.Type)
	}
	return ValidateAmount(op, e.Amount)
}

// BalanceOf computes income minus expense as seen by tx.
func BalanceOf(ctx context.Context, tx store.Tx) (decimal.Decimal, error) {
	income, expense, err := tx.FundTotals(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return income.Sub(expense), nil
}

// Post appends e inside an already open atomic unit.
func Post(ctx context.Context, tx store.Tx, e Entry, actorID uuid.UUID, at time.Time) (*models.FundTransaction, error) {
	if err := validateEntry("ledger.post", e); err != nil {
		return nil, err
	}
	ft := &models.FundTransaction{
		ID:          uuid.New(),
		Type:        e.Type,
		Amount:      e.Amount,
		Description: e.Description,
		ReferenceID: e.ReferenceID,
		CreatedBy:   actorID,
		Date:        at.UTC(),
	}
	if err := tx.CreateFundTransaction(ctx, ft); err != nil {
		return nil, err
	}
	return ft, nil
}

// Balance returns the current fund balance from one ledger snapshot.
func (l *Ledger) Balance(ctx context.Context) (decimal.Decimal, error) {
	const op = "ledger.balance"
	var balance decimal.Decimal
	err := l.storage.View(ctx, op, func(tx store.Tx) error {
		var err error
		balance, err = BalanceOf(ctx, tx)
		return err
	})
	if err != nil {
		return decimal.Zero, errs.Store(op, err)
	}
	return balance, nil
}

// Record appends a manual ledger entry on behalf of a treasurer. An expense
// that would take the fund below zero is refused.
func (l *Ledger) Record(ctx context.Context, actorID uuid.UUID, e Entry) (*models.FundTransaction, error) {
	const op = "ledger.record"
	if actorID == uuid.Nil {
		return nil, errs.Validation(op, "actor id is required")
	}
	if err := validateEntry(op, e); err != nil {
		return nil, err
	}

	var ft *models.FundTransaction
	err := l.storage.Update(ctx, op, func(tx store.Tx) error {
		if e.Type == models.TransactionTypeExpense {
			balance, err := BalanceOf(ctx, tx)
			if err != nil {
				return err
			}
			if balance.LessThan(e.Amount) {
				return errs.InsufficientFunds(op, "fund balance %s does not cover expense %s", balance.StringFixed(2), e.Amount.StringFixed(2))
			}
		}
		var err error
		ft, err = Post(ctx, tx, e, actorID, l.now())
		return err
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}

	log.Printf("Recorded %s of %s (%s) by %s\n", ft.Type, ft.Amount.StringFixed(2), ft.Description, actorID)
	return ft, nil
}

// PeriodStats counts and sums entries dated in [from, to).
func (l *Ledger) PeriodStats(ctx context.Context, from, to time.Time) (*models.PeriodStats, error) {
	const op = "ledger.period_stats"
	if !to.After(from) {
		return nil, errs.Validation(op, "period end %s must be after start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	txs, err := l.Transactions(ctx, from, to)
	if err != nil {
		return nil, err
	}

	stats := &models.PeriodStats{
		From:         from.UTC(),
		To:           to.UTC(),
		IncomeTotal:  decimal.Zero,
		ExpenseTotal: decimal.Zero,
	}
	for _, ft := range txs {
		switch ft.Type {
		case models.TransactionTypeIncome:
			stats.IncomeCount++
			stats.IncomeTotal = stats.IncomeTotal.Add(ft.Amount)
		case models.TransactionTypeExpense:
			stats.ExpenseCount++
			stats.ExpenseTotal = stats.ExpenseTotal.Add(ft.Amount)
		}
	}
	stats.Net = stats.IncomeTotal.Sub(stats.ExpenseTotal)
	return stats, nil
}

// Transactions lists entries dated in [from, to), oldest first.
func (l *Ledger) Transactions(ctx context.Context, from, to time.Time) ([]*models.FundTransaction, error) {
	const op = "ledger.transactions"
	var txs []*models.FundTransaction
	err := l.storage.View(ctx, op, func(tx store.Tx) error {
		var err error
		txs, err = tx.ListFundTransactions(ctx, from, to)
		return err
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}
	return txs, nil
}

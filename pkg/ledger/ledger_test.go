package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/errs"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/store/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBalance_EmptyLedgerIsZero(t *testing.T) {
	l := NewLedger(storetest.NewSQLite(t))

	balance, err := l.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestRecord(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(storetest.NewSQLite(t))
	treasurer := uuid.New()

	ft, err := l.Record(ctx, treasurer, Entry{Type: models.TransactionTypeIncome, Amount: dec("500.00"), Description: "dues"})
	require.NoError(t, err)
	assert.Equal(t, treasurer, ft.CreatedBy)
	assert.Nil(t, ft.ReferenceID)

	_, err = l.Record(ctx, treasurer, Entry{Type: models.TransactionTypeExpense, Amount: dec("120.25"), Description: "venue"})
	require.NoError(t, err)

	balance, err := l.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "379.75", balance.StringFixed(2))
}

func TestRecord_Rejections(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(storetest.NewSQLite(t))
	treasurer := uuid.New()

	tests := []struct {
		name  string
		actor uuid.UUID
		entry Entry
		kind  error
		cause error // nil when no specific cause applies
	}{
		{"zero amount", treasurer, Entry{Type: models.TransactionTypeIncome, Amount: decimal.Zero}, errs.ErrValidation, errs.ErrInvalidAmount},
		{"negative amount", treasurer, Entry{Type: models.TransactionTypeIncome, Amount: dec("-5")}, errs.ErrValidation, errs.ErrInvalidAmount},
		{"sub-cent amount", treasurer, Entry{Type: models.TransactionTypeIncome, Amount: dec("1.005")}, errs.ErrValidation, errs.ErrInvalidAmount},
		{"unknown type", treasurer, Entry{Type: "transfer", Amount: dec("10")}, errs.ErrValidation, errs.ErrInvalidType},
		{"unknown type and bad amount", treasurer, Entry{Type: "transfer", Amount: dec("-1")}, errs.ErrValidation, errs.ErrInvalidType},
		{"missing actor", uuid.Nil, Entry{Type: models.TransactionTypeIncome, Amount: dec("10")}, errs.ErrValidation, nil},
		{"overdrawn expense", treasurer, Entry{Type: models.TransactionTypeExpense, Amount: dec("0.01")}, errs.ErrInsufficientFunds, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Record(ctx, tt.actor, tt.entry)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			if tt.cause != nil {
				assert.ErrorIs(t, err, tt.cause)
			}
			for _, other := range []error{errs.ErrInvalidAmount, errs.ErrInvalidType} {
				if other != tt.cause {
					assert.False(t, errors.Is(err, other), "%v should not match %v", err, other)
				}
			}
		})
	}

	balance, err := l.Balance(ctx)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestPeriodStats_HalfOpenInterval(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewSQLite(t)
	l := NewLedger(s)
	treasurer := uuid.New()

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	clock := jan.Add(-time.Hour)
	l.WithClock(func() time.Time { return clock })
	_, err := l.Record(ctx, treasurer, Entry{Type: models.TransactionTypeIncome, Amount: dec("1000"), Description: "before"})
	require.NoError(t, err)

	clock = jan
	_, err = l.Record(ctx, treasurer, Entry{Type: models.TransactionTypeIncome, Amount: dec("200"), Description: "start"})
	require.NoError(t, err)
	clock = jan.Add(10 * 24 * time.Hour)
	_, err = l.Record(ctx, treasurer, Entry{Type: models.TransactionTypeExpense, Amount: dec("50"), Description: "mid"})
	require.NoError(t, err)
	clock = feb
	_, err = l.Record(ctx, treasurer, Entry{Type: models.TransactionTypeIncome, Amount: dec("70"), Description: "end"})
	require.NoError(t, err)

	stats, err := l.PeriodStats(ctx, jan, feb)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.IncomeCount)
	assert.Equal(t, "200.00", stats.IncomeTotal.StringFixed(2))
	assert.Equal(t, 1, stats.ExpenseCount)
	assert.Equal(t, "50.00", stats.ExpenseTotal.StringFixed(2))
	assert.Equal(t, "150.00", stats.Net.StringFixed(2))

	_, err = l.PeriodStats(ctx, feb, jan)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestBalance_MatchesRunningTotal(t *testing.T) {
	s := storetest.NewSQLite(t)
	l := NewLedger(s)
	ctx := context.Background()
	treasurer := uuid.New()
	running := decimal.Zero

	rapid.Check(t, func(rt *rapid.T) {
		cents := rapid.Int64Range(1, 1_000_000).Draw(rt, "cents")
		expense := rapid.Bool().Draw(rt, "expense")
		amount := decimal.New(cents, -2)

		typ := models.TransactionTypeIncome
		if expense {
			typ = models.TransactionTypeExpense
		}
		_, err := l.Record(ctx, treasurer, Entry{Type: typ, Amount: amount, Description: "prop"})
		switch {
		case err == nil && expense:
			running = running.Sub(amount)
		case err == nil:
			running = running.Add(amount)
		case expense && errors.Is(err, errs.ErrInsufficientFunds) && running.LessThan(amount):
		default:
			rt.Fatalf("unexpected error: %v", err)
		}

		balance, err := l.Balance(ctx)
		if err != nil {
			rt.Fatalf("balance: %v", err)
		}
		if !balance.Equal(running) {
			rt.Fatalf("balance %s, running total %s", balance, running)
		}
		if balance.IsNegative() {
			rt.Fatalf("balance went negative: %s", balance)
		}
	})
}

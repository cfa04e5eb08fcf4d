// Package schedule builds installment repayment schedules.
package schedule

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	MinInstallments = 1
	MaxInstallments = 12

	// centPlaces is the precision every installment amount is kept at.
	centPlaces = 2
)

// InstallmentAmount is the fixed per-installment amount: principal/count
// truncated to cents. The last installment absorbs what truncation leaves over.
func InstallmentAmount(principal decimal.Decimal, count int) decimal.Decimal {
	return principal.Div(decimal.NewFromInt(int64(count))).Truncate(centPlaces)
}

// Generate produces count pending installments for a loan. Installment i
// (1-based) is due i months after start. Amounts sum to principal exactly.
// Nothing is persisted; the caller writes the records in the same atomic unit
// as the loan's approval and supplies the creation time from its own clock.
func Generate(loanID uuid.UUID, principal decimal.Decimal, count int, start, created time.Time) []*models.Installment {
	if count < MinInstallments {
		return nil
	}

	per := InstallmentAmount(principal, count)
	last := principal.Sub(per.Mul(decimal.NewFromInt(int64(count - 1))))
	created = created.UTC()

	installments := make([]*models.Installment, 0, count)
	for i := 1; i <= count; i++ {
		amount := per
		if i == count {
			amount = last
		}
		installments = append(installments, &models.Installment{
			ID:        uuid.New(),
			LoanID:    loanID,
			Number:    i,
			Amount:    amount,
			DueDate:   AddMonths(start, i),
			Status:    models.PaymentStatusPending,
			CreatedAt: created,
		})
	}
	return installments
}

// AddMonths moves t forward by n calendar months, clamping the day to the
// end of the target month (Jan 31 + 1 month is Feb 28 or 29).
func AddMonths(t time.Time, n int) time.Time {
	t = t.UTC()
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	lastDay := first.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return first.AddDate(0, 0, day-1)
}

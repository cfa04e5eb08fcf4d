// Package sweeper reclassifies unpaid installments and fees as overdue once
// their due date has passed. It never moves money.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/mcclellann/fundLedger/pkg/errs"
	"github.com/mcclellann/fundLedger/pkg/store"
)

type Sweeper struct {
	storage store.Storage
}

func New(s store.Storage) *Sweeper {
	return &Sweeper{storage: s}
}

// Result counts the records a sweep moved to overdue.
type Result struct {
	Installments int64 `json:"installments"`
	Fees         int64 `json:"fees"`
}

// SweepOverdueInstallments marks every pending installment due strictly before
// now as overdue.
func (s *Sweeper) SweepOverdueInstallments(ctx context.Context, now time.Time) (int64, error) {
	const op = "sweeper.installments"
	var n int64
	err := s.storage.Update(ctx, op, func(tx store.Tx) error {
		var err error
		n, err = tx.MarkOverdueInstallments(ctx, now)
		return err
	})
	if err != nil {
		return 0, errs.Store(op, err)
	}
	return n, nil
}

// SweepOverdueFees marks every pending membership fee due strictly before now
// as overdue.
func (s *Sweeper) SweepOverdueFees(ctx context.Context, now time.Time) (int64, error) {
	const op = "sweeper.fees"
	var n int64
	err := s.storage.Update(ctx, op, func(tx store.Tx) error {
		var err error
		n, err = tx.MarkOverdueFees(ctx, now)
		return err
	})
	if err != nil {
		return 0, errs.Store(op, err)
	}
	return n, nil
}

// SweepAll runs both sweeps against the same instant.
func (s *Sweeper) SweepAll(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	var err error
	if res.Installments, err = s.SweepOverdueInstallments(ctx, now); err != nil {
		return res, err
	}
	if res.Fees, err = s.SweepOverdueFees(ctx, now); err != nil {
		return res, err
	}
	return res, nil
}

// Run sweeps immediately and then on every tick of interval until ctx is done.
// Failed sweeps are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		now := time.Now().UTC()
		res, err := s.SweepAll(ctx, now)
		if err != nil {
			log.Printf("Error sweeping overdue records: %v\n", err)
		} else if res.Installments > 0 || res.Fees > 0 {
			log.Printf("Marked %d installments and %d fees overdue.\n", res.Installments, res.Fees)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SQLStore implements Storage over database/sql. Queries use $n placeholders,
// which both the SQLite and pgx drivers accept.
type SQLStore struct {
	db        *sql.DB
	driver    string
	writeOpts *sql.TxOptions
	readOpts  *sql.TxOptions
	tracer    trace.Tracer
}

func newSQLStore(db *sql.DB, driver string, writeOpts, readOpts *sql.TxOptions) *SQLStore {
	return &SQLStore{
		db:        db,
		driver:    driver,
		writeOpts: writeOpts,
		readOpts:  readOpts,
		tracer:    otel.Tracer("fundledger/store"),
	}
}

// Open selects the store implementation for driver ("sqlite3" or "pgx").
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", "sqlite3":
		return NewSQLiteStore(dsn)
	case "pgx", "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func (s *SQLStore) initSchema(schema string) error {
	_, err := s.db.Exec(schema)
	return err
}

// maxWriteAttempts bounds how often Update re-runs a unit that lost a
// serialization conflict to a concurrent unit.
const maxWriteAttempts = 5

// Update runs fn in a read-write transaction. Any error from fn rolls the
// whole unit back. A unit aborted by a serialization conflict is re-run from
// scratch, so its guards are evaluated again against the winner's committed
// state. fn must not carry state from one run to the next.
func (s *SQLStore) Update(ctx context.Context, op string, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err = s.run(ctx, "store.update", op, attempt, s.writeOpts, fn)
		if !isSerializationFailure(err) {
			return err
		}
		if attempt == maxWriteAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * 5 * time.Millisecond):
		}
	}
	return fmt.Errorf("gave up after %d serialization conflicts: %w", maxWriteAttempts, err)
}

// View runs fn in a transaction used only for reads, giving fn a single
// consistent snapshot.
func (s *SQLStore) View(ctx context.Context, op string, fn func(tx Tx) error) error {
	return s.run(ctx, "store.view", op, 1, s.readOpts, fn)
}

func (s *SQLStore) run(ctx context.Context, spanName, op string, attempt int, opts *sql.TxOptions, fn func(tx Tx) error) error {
	ctx, span := s.tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("ledger.op", op),
			attribute.String("db.driver", s.driver),
			attribute.Int("ledger.attempt", attempt),
		),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, store: s}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) isUnique(err error) bool {
	return isSQLiteUnique(err) || isPostgresUnique(err)
}

// isSerializationFailure reports whether err means the unit was aborted only
// because a concurrent unit committed first, so re-running it is safe.
func isSerializationFailure(err error) bool {
	return err != nil && (isPostgresSerializationFailure(err) || isSQLiteBusy(err))
}

type sqlTx struct {
	tx    *sql.Tx
	store *SQLStore
}

// utc normalizes timestamps before they reach the database.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullUUIDPtr(nu uuid.NullUUID) *uuid.UUID {
	if !nu.Valid {
		return nil
	}
	id := nu.UUID
	return &id
}

func uuidArg(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

const loanColumns = `id, member_id, amount, total_installments, installment_amount, remaining_balance, status, reason,
	decided_by, approved_at, rejected_at, completed_at, notes, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var decidedBy uuid.NullUUID
	var approvedAt, rejectedAt, completedAt sql.NullTime
	err := row.Scan(&loan.ID, &loan.MemberID, &loan.Amount, &loan.TotalInstallments, &loan.InstallmentAmount,
		&loan.RemainingBalance, &loan.Status, &loan.Reason, &decidedBy, &approvedAt, &rejectedAt, &completedAt,
		&loan.Notes, &loan.CreatedAt, &loan.UpdatedAt, &loan.Version)
	if err != nil {
		return nil, err
	}
	loan.DecidedBy = nullUUIDPtr(decidedBy)
	loan.ApprovedAt = nullTimePtr(approvedAt)
	loan.RejectedAt = nullTimePtr(rejectedAt)
	loan.CompletedAt = nullTimePtr(completedAt)
	loan.CreatedAt = loan.CreatedAt.UTC()
	loan.UpdatedAt = loan.UpdatedAt.UTC()
	return &loan, nil
}

func (t *sqlTx) CreateLoan(ctx context.Context, loan *models.Loan) error {
	if loan.Version == 0 {
		loan.Version = 1
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		loan.ID.String(), loan.MemberID.String(), loan.Amount, loan.TotalInstallments, loan.InstallmentAmount,
		loan.RemainingBalance, loan.Status, loan.Reason, uuidArg(loan.DecidedBy), utcPtr(loan.ApprovedAt),
		utcPtr(loan.RejectedAt), utcPtr(loan.CompletedAt), loan.Notes, utc(loan.CreatedAt), utc(loan.UpdatedAt), loan.Version,
	)
	if err != nil {
		if t.store.isUnique(err) {
			return fmt.Errorf("create loan: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func (t *sqlTx) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

func (t *sqlTx) UpdateLoan(ctx context.Context, loan *models.Loan, from models.LoanStatus) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE loans SET installment_amount = $1, remaining_balance = $2, status = $3, decided_by = $4,
			approved_at = $5, rejected_at = $6, completed_at = $7, notes = $8, updated_at = $9, version = version + 1
		WHERE id = $10 AND status = $11 AND version = $12`,
		loan.InstallmentAmount, loan.RemainingBalance, loan.Status, uuidArg(loan.DecidedBy), utcPtr(loan.ApprovedAt),
		utcPtr(loan.RejectedAt), utcPtr(loan.CompletedAt), loan.Notes, utc(loan.UpdatedAt),
		loan.ID.String(), from, loan.Version,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}
	loan.Version++
	return true, nil
}

func (t *sqlTx) ListLoans(ctx context.Context, status models.LoanStatus) ([]*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()
	return scanLoans(rows)
}

func (t *sqlTx) ListLoansForMember(ctx context.Context, memberID uuid.UUID) ([]*models.Loan, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE member_id = $1 ORDER BY created_at ASC`, memberID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list loans for member %s: %w", memberID, err)
	}
	defer rows.Close()
	return scanLoans(rows)
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

const installmentColumns = `id, loan_id, installment_number, amount, due_date, status, paid_date, payment_method, notes, created_at`

func scanInstallment(row rowScanner) (*models.Installment, error) {
	var inst models.Installment
	var paidDate sql.NullTime
	err := row.Scan(&inst.ID, &inst.LoanID, &inst.Number, &inst.Amount, &inst.DueDate, &inst.Status,
		&paidDate, &inst.PaymentMethod, &inst.Notes, &inst.CreatedAt)
	if err != nil {
		return nil, err
	}
	inst.DueDate = inst.DueDate.UTC()
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.PaidDate = nullTimePtr(paidDate)
	return &inst, nil
}

func (t *sqlTx) CreateInstallments(ctx context.Context, installments []*models.Installment) error {
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO installments (`+installmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return fmt.Errorf("failed to prepare installment insert: %w", err)
	}
	defer stmt.Close()

	for _, inst := range installments {
		_, err := stmt.ExecContext(ctx, inst.ID.String(), inst.LoanID.String(), inst.Number, inst.Amount,
			utc(inst.DueDate), inst.Status, utcPtr(inst.PaidDate), inst.PaymentMethod, inst.Notes, utc(inst.CreatedAt))
		if err != nil {
			if t.store.isUnique(err) {
				return fmt.Errorf("installment %d of loan %s: %w", inst.Number, inst.LoanID, ErrDuplicate)
			}
			return fmt.Errorf("failed to create installment %d: %w", inst.Number, err)
		}
	}
	return nil
}

func (t *sqlTx) GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+installmentColumns+` FROM installments WHERE id = $1`, id.String())
	inst, err := scanInstallment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("installment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return inst, nil
}

func (t *sqlTx) ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE loan_id = $1 ORDER BY installment_number ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list installments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var installments []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return installments, nil
}

func (t *sqlTx) MarkInstallmentPaid(ctx context.Context, inst *models.Installment) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE installments SET status = $1, paid_date = $2, payment_method = $3, notes = $4
		WHERE id = $5 AND status IN ($6, $7)`,
		models.PaymentStatusPaid, utcPtr(inst.PaidDate), inst.PaymentMethod, inst.Notes,
		inst.ID.String(), models.PaymentStatusPending, models.PaymentStatusOverdue,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark installment paid: %w", err)
	}
	return affectedOne(result)
}

func (t *sqlTx) MarkOverdueInstallments(ctx context.Context, now time.Time) (int64, error) {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE installments SET status = $1 WHERE status = $2 AND due_date < $3`,
		models.PaymentStatusOverdue, models.PaymentStatusPending, utc(now),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark overdue installments: %w", err)
	}
	return result.RowsAffected()
}

func (t *sqlTx) CreateFundTransaction(ctx context.Context, ft *models.FundTransaction) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO fund_transactions (id, type, amount, description, reference_id, created_by, transaction_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ft.ID.String(), ft.Type, ft.Amount, ft.Description, uuidArg(ft.ReferenceID), ft.CreatedBy.String(), utc(ft.Date),
	)
	if err != nil {
		return fmt.Errorf("failed to create fund transaction: %w", err)
	}
	return nil
}

// FundTotals sums every ledger entry. Amounts are added as decimals in Go
// because SQLite would sum the TEXT column as floating point.
func (t *sqlTx) FundTotals(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	income, expense := decimal.Zero, decimal.Zero
	rows, err := t.tx.QueryContext(ctx, `SELECT type, amount FROM fund_transactions`)
	if err != nil {
		return income, expense, fmt.Errorf("failed to read fund transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ models.TransactionType
		var amount decimal.Decimal
		if err := rows.Scan(&typ, &amount); err != nil {
			return income, expense, fmt.Errorf("failed to scan fund transaction: %w", err)
		}
		switch typ {
		case models.TransactionTypeIncome:
			income = income.Add(amount)
		case models.TransactionTypeExpense:
			expense = expense.Add(amount)
		}
	}
	if err := rows.Err(); err != nil {
		return income, expense, fmt.Errorf("error during rows iteration: %w", err)
	}
	return income, expense, nil
}

func (t *sqlTx) ListFundTransactions(ctx context.Context, from, to time.Time) ([]*models.FundTransaction, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, type, amount, description, reference_id, created_by, transaction_date
		FROM fund_transactions WHERE transaction_date >= $1 AND transaction_date < $2
		ORDER BY transaction_date ASC`, utc(from), utc(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list fund transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.FundTransaction
	for rows.Next() {
		var ft models.FundTransaction
		var ref uuid.NullUUID
		if err := rows.Scan(&ft.ID, &ft.Type, &ft.Amount, &ft.Description, &ref, &ft.CreatedBy, &ft.Date); err != nil {
			return nil, fmt.Errorf("failed to scan fund transaction: %w", err)
		}
		ft.ReferenceID = nullUUIDPtr(ref)
		ft.Date = ft.Date.UTC()
		out = append(out, &ft)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}

const feeColumns = `id, member_id, period, amount, due_date, status, paid_date, notes, created_at`

func scanFee(row rowScanner) (*models.MembershipFee, error) {
	var fee models.MembershipFee
	var paidDate sql.NullTime
	err := row.Scan(&fee.ID, &fee.MemberID, &fee.Period, &fee.Amount, &fee.DueDate, &fee.Status,
		&paidDate, &fee.Notes, &fee.CreatedAt)
	if err != nil {
		return nil, err
	}
	fee.DueDate = fee.DueDate.UTC()
	fee.CreatedAt = fee.CreatedAt.UTC()
	fee.PaidDate = nullTimePtr(paidDate)
	return &fee, nil
}

func (t *sqlTx) CreateFeeIfAbsent(ctx context.Context, fee *models.MembershipFee) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		`INSERT INTO membership_fees (`+feeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (member_id, period) DO NOTHING`,
		fee.ID.String(), fee.MemberID.String(), fee.Period, fee.Amount, utc(fee.DueDate), fee.Status,
		utcPtr(fee.PaidDate), fee.Notes, utc(fee.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create membership fee: %w", err)
	}
	return affectedOne(result)
}

func (t *sqlTx) GetFee(ctx context.Context, id uuid.UUID) (*models.MembershipFee, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+feeColumns+` FROM membership_fees WHERE id = $1`, id.String())
	fee, err := scanFee(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("membership fee %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get membership fee: %w", err)
	}
	return fee, nil
}

func (t *sqlTx) MarkFeePaid(ctx context.Context, fee *models.MembershipFee) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE membership_fees SET status = $1, paid_date = $2, notes = $3
		WHERE id = $4 AND status IN ($5, $6)`,
		models.PaymentStatusPaid, utcPtr(fee.PaidDate), fee.Notes,
		fee.ID.String(), models.PaymentStatusPending, models.PaymentStatusOverdue,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark membership fee paid: %w", err)
	}
	return affectedOne(result)
}

func (t *sqlTx) ListFeesForMember(ctx context.Context, memberID uuid.UUID) ([]*models.MembershipFee, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+feeColumns+` FROM membership_fees WHERE member_id = $1 ORDER BY due_date ASC`, memberID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list fees for member %s: %w", memberID, err)
	}
	defer rows.Close()

	var fees []*models.MembershipFee
	for rows.Next() {
		fee, err := scanFee(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership fee row: %w", err)
		}
		fees = append(fees, fee)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return fees, nil
}

func (t *sqlTx) MarkOverdueFees(ctx context.Context, now time.Time) (int64, error) {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE membership_fees SET status = $1 WHERE status = $2 AND due_date < $3`,
		models.PaymentStatusOverdue, models.PaymentStatusPending, utc(now),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark overdue fees: %w", err)
	}
	return result.RowsAffected()
}

func (t *sqlTx) UpsertMember(ctx context.Context, m *models.Member) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO members (id, name, role, status) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role, status = excluded.status`,
		m.ID.String(), m.Name, m.Role, m.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert member: %w", err)
	}
	return nil
}

func (t *sqlTx) ActiveMemberIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id FROM members WHERE status = $1 AND role <> $2 ORDER BY id`,
		models.MemberStatusActive, models.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("failed to list active members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return ids, nil
}

func affectedOne(result sql.Result) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "pending"
	LoanStatusActive    LoanStatus = "active"
	LoanStatusRejected  LoanStatus = "rejected"
	LoanStatusCompleted LoanStatus = "completed"
)

type Loan struct {
	ID                uuid.UUID       `json:"id"`
	MemberID          uuid.UUID       `json:"member_id"`
	Amount            decimal.Decimal `json:"amount"`             // Principal requested and disbursed
	TotalInstallments int             `json:"total_installments"` // 1-12
	InstallmentAmount decimal.Decimal `json:"installment_amount"` // Fixed at approval, zero while pending
	RemainingBalance  decimal.Decimal `json:"remaining_balance"`
	Status            LoanStatus      `json:"status"`
	Reason            string          `json:"reason"`
	DecidedBy         *uuid.UUID      `json:"decided_by,omitempty"` // Treasurer who approved or rejected
	ApprovedAt        *time.Time      `json:"approved_at,omitempty"`
	RejectedAt        *time.Time      `json:"rejected_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Notes             string          `json:"notes,omitempty"` // Rejection note
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Version           int             `json:"version"`
}

// IsOpen reports whether the loan still blocks the member from requesting another.
func (l *Loan) IsOpen() bool {
	return l.Status == LoanStatusPending || l.Status == LoanStatusActive
}

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusOverdue PaymentStatus = "overdue"
)

type Installment struct {
	ID            uuid.UUID       `json:"id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	Number        int             `json:"installment_number"`
	Amount        decimal.Decimal `json:"amount"`
	DueDate       time.Time       `json:"due_date"`
	Status        PaymentStatus   `json:"status"`
	PaidDate      *time.Time      `json:"paid_date,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type TransactionType string

const (
	TransactionTypeIncome  TransactionType = "income"
	TransactionTypeExpense TransactionType = "expense"
)

// FundTransaction is an immutable ledger entry.
type FundTransaction struct {
	ID          uuid.UUID       `json:"id"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	ReferenceID *uuid.UUID      `json:"reference_id,omitempty"` // Loan or fee the entry points at
	CreatedBy   uuid.UUID       `json:"created_by"`
	Date        time.Time       `json:"transaction_date"`
}

type MembershipFee struct {
	ID        uuid.UUID       `json:"id"`
	MemberID  uuid.UUID       `json:"member_id"`
	Period    string          `json:"period"` // YYYY-MM
	Amount    decimal.Decimal `json:"amount"`
	DueDate   time.Time       `json:"due_date"`
	Status    PaymentStatus   `json:"status"`
	PaidDate  *time.Time      `json:"paid_date,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Role string

const (
	RoleMember    Role = "member"
	RoleTreasurer Role = "treasurer"
	RoleAdmin     Role = "admin"
)

type MemberStatus string

const (
	MemberStatusActive   MemberStatus = "active"
	MemberStatusInactive MemberStatus = "inactive"
)

// Member is the slice of the profile collaborator the engine needs for fee generation.
type Member struct {
	ID     uuid.UUID    `json:"id"`
	Name   string       `json:"name"`
	Role   Role         `json:"role"`
	Status MemberStatus `json:"status"`
}

// Actor is the already-authenticated caller of an operation.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

type LoanStats struct {
	TotalLoans     int             `json:"total_loans"`
	PendingLoans   int             `json:"pending_loans"`
	ActiveLoans    int             `json:"active_loans"`
	CompletedLoans int             `json:"completed_loans"`
	RejectedLoans  int             `json:"rejected_loans"`
	TotalBorrowed  decimal.Decimal `json:"total_borrowed"`
	TotalRepaid    decimal.Decimal `json:"total_repaid"`
	RemainingDebt  decimal.Decimal `json:"remaining_debt"`
}

type PaymentStatusSummary struct {
	TotalFees     int             `json:"total_fees"`
	PaidFees      int             `json:"paid_fees"`
	PendingFees   int             `json:"pending_fees"`
	OverdueFees   int             `json:"overdue_fees"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	PendingAmount decimal.Decimal `json:"pending_amount"`
	OverdueAmount decimal.Decimal `json:"overdue_amount"`
	Balance       decimal.Decimal `json:"balance"` // Total minus paid
}

type PeriodStats struct {
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	IncomeCount  int             `json:"income_count"`
	IncomeTotal  decimal.Decimal `json:"income_total"`
	ExpenseCount int             `json:"expense_count"`
	ExpenseTotal decimal.Decimal `json:"expense_total"`
	Net          decimal.Decimal `json:"net"`
}

type FeeRun struct {
	Period      string          `json:"period"`
	Generated   int             `json:"generated"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// LoanDetail is a loan with its repayment schedule.
type LoanDetail struct {
	Loan         *Loan          `json:"loan"`
	Installments []*Installment `json:"installments"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal TransactionType = "WITHDRAWAL"
	TransactionTypeTransfer   TransactionType = "TRANSFER"
)

type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "PENDING"
	TransactionStatusApproved TransactionStatus = "APPROVED"
	TransactionStatusRejected TransactionStatus = "REJECTED"
)

// BalanceTransaction is an atomic ledger movement. Status transitions are
// one-way: PENDING -> APPROVED or PENDING -> REJECTED, both terminal. The
// balance effect is applied exactly once, on the transition into APPROVED.
type BalanceTransaction struct {
	ID              string            `json:"id" db:"id"`
	Type            TransactionType   `json:"type" db:"type"`
	Amount          decimal.Decimal   `json:"amount" db:"amount"`
	Source          AccountRef        `json:"source"`
	Destination     *AccountRef       `json:"destination,omitempty"` // TRANSFER only
	Status          TransactionStatus `json:"status" db:"status"`
	CreatedBy       string            `json:"created_by" db:"created_by"`
	CreatedByRole   string            `json:"created_by_role" db:"created_by_role"`
	ApprovedBy      string            `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt      *time.Time        `json:"approved_at,omitempty" db:"approved_at"`
	RejectionReason string            `json:"rejection_reason,omitempty" db:"rejection_reason"`
	Metadata        string            `json:"metadata,omitempty" db:"metadata"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

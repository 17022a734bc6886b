package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind selects which balance-bearing pool an AccountRef points at.
type AccountKind string

const (
	AccountKindBank        AccountKind = "BANK_ACCOUNT"
	AccountKindCashSafe    AccountKind = "CASH_SAFE"
	AccountKindCashCustody AccountKind = "CASH_CUSTODY"
)

// AccountRef is a tagged reference to an account of any kind. The engine
// dispatches on Kind and never inspects the account row beyond its kind's
// own table.
type AccountRef struct {
	Kind AccountKind `json:"kind" validate:"required,oneof=BANK_ACCOUNT CASH_SAFE CASH_CUSTODY"`
	ID   string      `json:"id" validate:"required"`
}

func (r AccountRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Account is the common row shape shared by bank accounts, cash safes and
// cash custodies. TotalBalance must always equal AvailableBalance plus
// ReservedBalance; with no reservation logic the three mirror one value.
type Account struct {
	ID               string          `json:"id" db:"id"`
	DisplayName      string          `json:"display_name" db:"display_name"`
	CurrencyCode     string          `json:"currency_code" db:"currency_code"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	ReservedBalance  decimal.Decimal `json:"reserved_balance" db:"reserved_balance"`
	TotalBalance     decimal.Decimal `json:"total_balance" db:"total_balance"`
	Version          int             `json:"version" db:"version"` // optimistic locking
	IsActive         bool            `json:"is_active" db:"is_active"`
	Metadata         string          `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

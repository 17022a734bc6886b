// Package ledger gives the settlement engine one uniform balance contract
// over the three account kinds (bank accounts, cash safes, cash custodies).
// Callers dispatch through the Ledger facade with a tagged AccountRef and
// never branch on account kind themselves.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opscentral/backend/internal/errs"
	"github.com/opscentral/backend/internal/models"
)

// BalanceAccount is the uniform contract one account kind exposes.
// ApplyDelta runs inside the caller's transaction: the row is locked
// FOR UPDATE, the delta applied to the locked value, and the write is
// version-checked so a lost update can never slip through.
type BalanceAccount interface {
	ValidateExists(ctx context.Context, id string) error
	GetBalance(ctx context.Context, id string) (decimal.Decimal, error)
	DisplayName(ctx context.Context, id string) (string, error)
	ApplyDelta(tx *sql.Tx, id string, delta decimal.Decimal) (decimal.Decimal, error)
}

// Ledger dispatches balance operations to the implementation registered
// for the reference's kind.
type Ledger struct {
	accounts map[models.AccountKind]BalanceAccount
}

func New(db *sql.DB) *Ledger {
	return &Ledger{
		accounts: map[models.AccountKind]BalanceAccount{
			models.AccountKindBank:        NewBankAccounts(db),
			models.AccountKindCashSafe:    NewCashSafes(db),
			models.AccountKindCashCustody: NewCashCustodies(db),
		},
	}
}

func (l *Ledger) forKind(kind models.AccountKind) (BalanceAccount, error) {
	acct, ok := l.accounts[kind]
	if !ok {
		return nil, errs.Validation("unknown account kind %q", kind)
	}
	return acct, nil
}

func (l *Ledger) ValidateExists(ctx context.Context, ref models.AccountRef) error {
	acct, err := l.forKind(ref.Kind)
	if err != nil {
		return err
	}
	return acct.ValidateExists(ctx, ref.ID)
}

func (l *Ledger) GetBalance(ctx context.Context, ref models.AccountRef) (decimal.Decimal, error) {
	acct, err := l.forKind(ref.Kind)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.GetBalance(ctx, ref.ID)
}

func (l *Ledger) DisplayName(ctx context.Context, ref models.AccountRef) (string, error) {
	acct, err := l.forKind(ref.Kind)
	if err != nil {
		return "", err
	}
	return acct.DisplayName(ctx, ref.ID)
}

// ApplyDelta mutates the referenced account's balance by delta within the
// given transaction and returns the resulting balance.
func (l *Ledger) ApplyDelta(tx *sql.Tx, ref models.AccountRef, delta decimal.Decimal) (decimal.Decimal, error) {
	acct, err := l.forKind(ref.Kind)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.ApplyDelta(tx, ref.ID, delta)
}

// accountStore is the shared SQL implementation; each account kind is a
// thin named wrapper over its own table.
type accountStore struct {
	db    *sql.DB
	table string
	kind  models.AccountKind
}

func (s *accountStore) ValidateExists(ctx context.Context, id string) error {
	var active bool
	query := fmt.Sprintf("SELECT is_active FROM %s WHERE id = $1", s.table)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&active)
	if err == sql.ErrNoRows {
		return errs.NotFound("%s %s not found", s.kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to look up %s %s: %w", s.kind, id, err)
	}
	if !active {
		return errs.NotFound("%s %s is deactivated", s.kind, id)
	}
	return nil
}

func (s *accountStore) GetBalance(ctx context.Context, id string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	query := fmt.Sprintf("SELECT available_balance FROM %s WHERE id = $1 AND is_active = TRUE", s.table)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, errs.NotFound("%s %s not found", s.kind, id)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance of %s %s: %w", s.kind, id, err)
	}
	return balance, nil
}

func (s *accountStore) DisplayName(ctx context.Context, id string) (string, error) {
	var name string
	query := fmt.Sprintf("SELECT display_name FROM %s WHERE id = $1", s.table)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", errs.NotFound("%s %s not found", s.kind, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read name of %s %s: %w", s.kind, id, err)
	}
	return name, nil
}

func (s *accountStore) ApplyDelta(tx *sql.Tx, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	var (
		balance decimal.Decimal
		version int
	)
	lockQuery := fmt.Sprintf(
		"SELECT available_balance, version FROM %s WHERE id = $1 AND is_active = TRUE FOR UPDATE", s.table)
	err := tx.QueryRow(lockQuery, id).Scan(&balance, &version)
	if err == sql.ErrNoRows {
		return decimal.Zero, errs.NotFound("%s %s not found", s.kind, id)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock %s %s: %w", s.kind, id, err)
	}

	newBalance := balance.Add(delta)
	updateQuery := fmt.Sprintf(
		`UPDATE %s SET available_balance = $1, total_balance = $1 + reserved_balance,
			version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`, s.table)
	result, err := tx.Exec(updateQuery, newBalance, time.Now(), id, version)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to update balance of %s %s: %w", s.kind, id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return decimal.Zero, err
	}
	if rows == 0 {
		return decimal.Zero, errs.StateConflict("optimistic lock failed for %s %s", s.kind, id)
	}
	return newBalance, nil
}

type BankAccounts struct{ accountStore }

func NewBankAccounts(db *sql.DB) *BankAccounts {
	return &BankAccounts{accountStore{db: db, table: "bank_accounts", kind: models.AccountKindBank}}
}

type CashSafes struct{ accountStore }

func NewCashSafes(db *sql.DB) *CashSafes {
	return &CashSafes{accountStore{db: db, table: "cash_safes", kind: models.AccountKindCashSafe}}
}

type CashCustodies struct{ accountStore }

func NewCashCustodies(db *sql.DB) *CashCustodies {
	return &CashCustodies{accountStore{db: db, table: "cash_custodies", kind: models.AccountKindCashCustody}}
}

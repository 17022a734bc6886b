package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/opscentral/backend/internal/errs"
	"github.com/opscentral/backend/internal/models"
)

func TestLedger_ValidateExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	l := New(db)

	t.Run("active account", func(t *testing.T) {
		mock.ExpectQuery("SELECT is_active FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))

		err := l.ValidateExists(context.Background(), models.AccountRef{Kind: models.AccountKindBank, ID: "acct-1"})
		assert.NoError(t, err)
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT is_active FROM cash_safes").
			WithArgs("safe-9").
			WillReturnRows(sqlmock.NewRows([]string{"is_active"}))

		err := l.ValidateExists(context.Background(), models.AccountRef{Kind: models.AccountKindCashSafe, ID: "safe-9"})
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("deactivated account", func(t *testing.T) {
		mock.ExpectQuery("SELECT is_active FROM cash_custodies").
			WithArgs("cust-2").
			WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(false))

		err := l.ValidateExists(context.Background(), models.AccountRef{Kind: models.AccountKindCashCustody, ID: "cust-2"})
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("unknown kind", func(t *testing.T) {
		err := l.ValidateExists(context.Background(), models.AccountRef{Kind: "VAULT", ID: "x"})
		assert.True(t, errs.IsValidation(err))
	})
}

func TestLedger_GetBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	l := New(db)

	t.Run("returns balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT available_balance FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow("1000.00"))

		balance, err := l.GetBalance(context.Background(), models.AccountRef{Kind: models.AccountKindBank, ID: "acct-1"})
		assert.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(1000)))
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT available_balance FROM bank_accounts").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance"}))

		_, err := l.GetBalance(context.Background(), models.AccountRef{Kind: models.AccountKindBank, ID: "ghost"})
		assert.True(t, errs.IsNotFound(err))
	})
}

func TestAccountStore_ApplyDelta(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	l := New(db)
	ref := models.AccountRef{Kind: models.AccountKindBank, ID: "acct-1"}

	t.Run("applies delta under lock", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT available_balance, version FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance", "version"}).AddRow("1000.00", 3))
		mock.ExpectExec("UPDATE bank_accounts SET available_balance").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "acct-1", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		newBalance, err := l.ApplyDelta(tx, ref, decimal.NewFromInt(-200))
		assert.NoError(t, err)
		assert.True(t, newBalance.Equal(decimal.NewFromInt(800)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("optimistic lock failure", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT available_balance, version FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance", "version"}).AddRow("1000.00", 3))
		mock.ExpectExec("UPDATE bank_accounts SET available_balance").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "acct-1", 3).
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := l.ApplyDelta(tx, ref, decimal.NewFromInt(50))
		assert.True(t, errs.IsStateConflict(err))
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT available_balance, version FROM bank_accounts").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance", "version"}))

		_, err := l.ApplyDelta(tx, models.AccountRef{Kind: models.AccountKindBank, ID: "ghost"}, decimal.NewFromInt(50))
		assert.True(t, errs.IsNotFound(err))
	})
}

package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/opscentral/backend/internal/audit"
	"github.com/opscentral/backend/internal/errs"
	"github.com/opscentral/backend/internal/ledger"
	"github.com/opscentral/backend/internal/metrics"
	"github.com/opscentral/backend/internal/models"
)

var (
	operatorActor = models.Actor{ID: "op-1", Name: "Operator", Role: "accountant"}
	adminActor    = models.Actor{ID: "adm-1", Name: "Admin", Role: "admin"}
)

func newTransactionService(t *testing.T) (*TransactionService, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	log := logrus.New()
	service := NewTransactionService(db, ledger.New(db), NewIdempotencyGuard(nil, 0),
		audit.NewLogger(log), metrics.NewCollector(), log, []string{"admin", "finance_manager"})
	return service, mock, db
}

func transactionRow(id string, txType models.TransactionType, amount string, status models.TransactionStatus, source models.AccountRef, dest *models.AccountRef) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "type", "amount", "source_kind", "source_id", "destination_kind", "destination_id",
		"status", "created_by", "created_by_role", "approved_by", "approved_at",
		"rejection_reason", "metadata", "created_at", "updated_at",
	})
	var destKind, destID any
	if dest != nil {
		destKind, destID = string(dest.Kind), dest.ID
	}
	return rows.AddRow(id, string(txType), amount, string(source.Kind), source.ID, destKind, destID,
		string(status), "op-1", "accountant", nil, nil, nil, "", time.Now(), time.Now())
}

func TestTransactionService_Create(t *testing.T) {
	bankRef := models.AccountRef{Kind: models.AccountKindBank, ID: "acct-1"}

	t.Run("deposit by admin is auto-approved and applied", func(t *testing.T) {
		service, mock, db := newTransactionService(t)
		defer db.Close()

		mock.ExpectQuery("SELECT is_active FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO balance_transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT available_balance, version FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance", "version"}).AddRow("1000.00", 1))
		mock.ExpectExec("UPDATE bank_accounts SET available_balance").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		txn, err := service.Create(context.Background(), CreateTransactionInput{
			Type:   models.TransactionTypeDeposit,
			Amount: decimal.NewFromInt(500),
			Source: bankRef,
		}, adminActor)
		assert.NoError(t, err)
		assert.Equal(t, models.TransactionStatusApproved, txn.Status)
		assert.Equal(t, "adm-1", txn.ApprovedBy)
		assert.NotNil(t, txn.ApprovedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deposit by accountant stays pending and touches no balance", func(t *testing.T) {
		service, mock, db := newTransactionService(t)
		defer db.Close()

		mock.ExpectQuery("SELECT is_active FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO balance_transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		txn, err := service.Create(context.Background(), CreateTransactionInput{
			Type:   models.TransactionTypeDeposit,
			Amount: decimal.NewFromInt(500),
			Source: bankRef,
		}, operatorActor)
		assert.NoError(t, err)
		assert.Equal(t, models.TransactionStatusPending, txn.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("withdrawal beyond available balance is rejected before any mutation", func(t *testing.T) {
		service, mock, db := newTransactionService(t)
		defer db.Close()

		safeRef := models.AccountRef{Kind: models.AccountKindCashSafe, ID: "safe-1"}
		mock.ExpectQuery("SELECT is_active FROM cash_safes").
			WithArgs("safe-1").
			WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))
		mock.ExpectQuery("SELECT available_balance FROM cash_safes").
			WithArgs("safe-1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow("300.00"))

		_, err := service.Create(context.Background(), CreateTransactionInput{
			Type:   models.TransactionTypeWithdrawal,
			Amount: decimal.NewFromInt(500),
			Source: safeRef,
		}, adminActor)
		assert.True(t, errs.IsValidation(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount fails", func(t *testing.T) {
		service, _, db := newTransactionService(t)
		defer db.Close()

		_, err := service.Create(context.Background(), CreateTransactionInput{
			Type:   models.TransactionTypeDeposit,
			Amount: decimal.Zero,
			Source: bankRef,
		}, adminActor)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("transfer to same account fails", func(t *testing.T) {
		service, mock, db := newTransactionService(t)
		defer db.Close()

		mock.ExpectQuery("SELECT is_active FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))

		dest := bankRef
		_, err := service.Create(context.Background(), CreateTransactionInput{
			Type:        models.TransactionTypeTransfer,
			Amount:      decimal.NewFromInt(100),
			Source:      bankRef,
			Destination: &dest,
		}, adminActor)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("transfer without destination fails", func(t *testing.T) {
		service, mock, db := newTransactionService(t)
		defer db.Close()

		mock.ExpectQuery("SELECT is_active FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))

		_, err := service.Create(context.Background(), CreateTransactionInput{
			Type:   models.TransactionTypeTransfer,
			Amount: decimal.NewFromInt(100),
			Source: bankRef,
		}, adminActor)
		assert.True(t, errs.IsValidation(err))
	})
}

func TestTransactionService_Approve(t *testing.T) {
	bankRef := models.AccountRef{Kind: models.AccountKindBank, ID: "acct-1"}
	safeRef := models.AccountRef{Kind: models.AccountKindCashSafe, ID: "safe-1"}

	t.Run("approving a pending transfer debits source and credits destination together", func(t *testing.T) {
		service, mock, db := newTransactionService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, type, amount, source_kind").
			WithArgs("tx-1").
			WillReturnRows(transactionRow("tx-1", models.TransactionTypeTransfer, "200.00",
				models.TransactionStatusPending, bankRef, &safeRef))
		mock.ExpectExec("UPDATE balance_transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))

		// Source sorts before destination, so the debit locks first.
		mock.ExpectQuery("SELECT available_balance, version FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance", "version"}).AddRow("1000.00", 1))
		mock.ExpectExec("UPDATE bank_accounts SET available_balance").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT available_balance, version FROM cash_safes").
			WithArgs("safe-1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance", "version"}).AddRow("0.00", 1))
		mock.ExpectExec("UPDATE cash_safes SET available_balance").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		txn, err := service.Approve(context.Background(), "tx-1", adminActor)
		assert.NoError(t, err)
		assert.Equal(t, models.TransactionStatusApproved, txn.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("approving a non-pending transaction conflicts", func(t *testing.T) {
		service, mock, db := newTransactionService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, type, amount, source_kind").
			WithArgs("tx-2").
			WillReturnRows(transactionRow("tx-2", models.TransactionTypeDeposit, "100.00",
				models.TransactionStatusApproved, bankRef, nil))
		mock.ExpectRollback()

		_, err := service.Approve(context.Background(), "tx-2", adminActor)
		assert.True(t, errs.IsStateConflict(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown transaction", func(t *testing.T) {
		service, mock, db := newTransactionService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, type, amount, source_kind").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.Approve(context.Background(), "ghost", adminActor)
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("failed credit rolls the debit back", func(t *testing.T) {
		service, mock, db := newTransactionService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, type, amount, source_kind").
			WithArgs("tx-3").
			WillReturnRows(transactionRow("tx-3", models.TransactionTypeTransfer, "200.00",
				models.TransactionStatusPending, bankRef, &safeRef))
		mock.ExpectExec("UPDATE balance_transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT available_balance, version FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance", "version"}).AddRow("1000.00", 1))
		mock.ExpectExec("UPDATE bank_accounts SET available_balance").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT available_balance, version FROM cash_safes").
			WithArgs("safe-1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance", "version"}))
		mock.ExpectRollback()

		_, err := service.Approve(context.Background(), "tx-3", adminActor)
		assert.True(t, errs.IsNotFound(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionService_Reject(t *testing.T) {
	bankRef := models.AccountRef{Kind: models.AccountKindBank, ID: "acct-1"}

	t.Run("rejecting a pending transaction never touches balances", func(t *testing.T) {
		service, mock, db := newTransactionService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, type, amount, source_kind").
			WithArgs("tx-1").
			WillReturnRows(transactionRow("tx-1", models.TransactionTypeWithdrawal, "100.00",
				models.TransactionStatusPending, bankRef, nil))
		mock.ExpectExec("UPDATE balance_transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		txn, err := service.Reject(context.Background(), "tx-1", adminActor, "duplicate request")
		assert.NoError(t, err)
		assert.Equal(t, models.TransactionStatusRejected, txn.Status)
		assert.Equal(t, "duplicate request", txn.RejectionReason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejecting a rejected transaction conflicts", func(t *testing.T) {
		service, mock, db := newTransactionService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, type, amount, source_kind").
			WithArgs("tx-1").
			WillReturnRows(transactionRow("tx-1", models.TransactionTypeWithdrawal, "100.00",
				models.TransactionStatusRejected, bankRef, nil))
		mock.ExpectRollback()

		_, err := service.Reject(context.Background(), "tx-1", adminActor, "again")
		assert.True(t, errs.IsStateConflict(err))
	})
}

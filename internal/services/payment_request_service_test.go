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

func newPaymentRequestService(t *testing.T) (*PaymentRequestService, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	log := logrus.New()
	service := NewPaymentRequestService(db, ledger.New(db), NewIdempotencyGuard(nil, 0),
		audit.NewLogger(log), metrics.NewCollector(), log)
	return service, mock, db
}

func paymentRequestRow(id string, requested, paid, remaining string, status models.PaymentRequestStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "requested_amount", "total_paid_amount", "remaining_amount", "currency_code", "status",
		"source_type", "source_id", "source_number", "source_description",
		"target_type", "target_id", "target_name", "target_contact",
		"requesting_department", "due_date", "created_by", "metadata", "created_at", "updated_at", "deleted_at",
	}).AddRow(id, requested, paid, remaining, "EUR", string(status),
		"INVOICE", "inv-7", "INV-2026-007", "office fit-out",
		"SUPPLIER", "sup-1", "Acme Interiors", "billing@acme.example",
		"facilities", nil, "op-1", "", time.Now(), time.Now(), nil)
}

func TestPaymentRequestService_Create(t *testing.T) {
	t.Run("creates pending request with line items", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO payment_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO payment_line_items").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO payment_line_items").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO payment_status_history").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req, err := service.Create(context.Background(), CreatePaymentRequestInput{
			RequestedAmount: decimal.NewFromInt(900),
			CurrencyCode:    "EUR",
			SourceType:      "INVOICE",
			TargetType:      "SUPPLIER",
			TargetID:        "sup-1",
			TargetName:      "Acme Interiors",
			LineItems: []LineItemInput{
				{Description: "desks", Amount: decimal.NewFromInt(600)},
				{Description: "chairs", Amount: decimal.NewFromInt(300)},
			},
		}, operatorActor)
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentRequestStatusPending, req.Status)
		assert.True(t, req.RemainingAmount.Equal(decimal.NewFromInt(900)))
		assert.Len(t, req.LineItems, 2)
		assert.Equal(t, 1, req.LineItems[0].Position)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount fails", func(t *testing.T) {
		service, _, db := newPaymentRequestService(t)
		defer db.Close()

		_, err := service.Create(context.Background(), CreatePaymentRequestInput{
			RequestedAmount: decimal.NewFromInt(-5),
		}, operatorActor)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("non-positive line item fails", func(t *testing.T) {
		service, _, db := newPaymentRequestService(t)
		defer db.Close()

		_, err := service.Create(context.Background(), CreatePaymentRequestInput{
			RequestedAmount: decimal.NewFromInt(100),
			LineItems:       []LineItemInput{{Description: "misc", Amount: decimal.Zero}},
		}, operatorActor)
		assert.True(t, errs.IsValidation(err))
	})
}

func TestPaymentRequestService_Approve(t *testing.T) {
	t.Run("pending becomes approved", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, requested_amount, total_paid_amount").
			WithArgs("req-1").
			WillReturnRows(paymentRequestRow("req-1", "900.00", "0.00", "900.00", models.PaymentRequestStatusPending))
		mock.ExpectExec("UPDATE payment_requests SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO payment_status_history").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req, err := service.Approve(context.Background(), "req-1", adminActor)
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentRequestStatusApproved, req.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("approving a paid request conflicts", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, requested_amount, total_paid_amount").
			WithArgs("req-1").
			WillReturnRows(paymentRequestRow("req-1", "900.00", "900.00", "0.00", models.PaymentRequestStatusPaid))
		mock.ExpectRollback()

		_, err := service.Approve(context.Background(), "req-1", adminActor)
		assert.True(t, errs.IsStateConflict(err))
	})
}

func TestPaymentRequestService_ProcessPayment(t *testing.T) {
	account := models.AccountRef{Kind: models.AccountKindBank, ID: "acct-1"}

	expectDebit := func(mock sqlmock.Sqlmock, balance string) {
		mock.ExpectQuery("SELECT available_balance, version FROM bank_accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance", "version"}).AddRow(balance, 1))
		mock.ExpectExec("UPDATE bank_accounts SET available_balance").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	t.Run("first partial payment moves request to PARTIALLY_PAID", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, requested_amount, total_paid_amount").
			WithArgs("req-1").
			WillReturnRows(paymentRequestRow("req-1", "900.00", "0.00", "900.00", models.PaymentRequestStatusApproved))
		expectDebit(mock, "2000.00")
		mock.ExpectExec("INSERT INTO payments").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE payment_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO payment_status_history").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		payment, err := service.ProcessPayment(context.Background(), "req-1", ProcessPaymentInput{
			Amount:  decimal.NewFromInt(400),
			Account: account,
		}, operatorActor)
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("final payment settles the request", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, requested_amount, total_paid_amount").
			WithArgs("req-1").
			WillReturnRows(paymentRequestRow("req-1", "900.00", "400.00", "500.00", models.PaymentRequestStatusPartiallyPaid))
		expectDebit(mock, "2000.00")
		mock.ExpectExec("INSERT INTO payments").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE payment_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO payment_status_history").
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, req, err := service.ProcessPaymentTx(tx, "req-1", ProcessPaymentInput{
			Amount:  decimal.NewFromInt(500),
			Account: account,
		}, operatorActor)
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentRequestStatusPaid, req.Status)
		assert.True(t, req.RemainingAmount.IsZero())
		assert.True(t, req.TotalPaidAmount.Equal(decimal.NewFromInt(900)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("overpayment settles and clamps remaining at zero", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, requested_amount, total_paid_amount").
			WithArgs("req-1").
			WillReturnRows(paymentRequestRow("req-1", "900.00", "400.00", "500.00", models.PaymentRequestStatusPartiallyPaid))
		expectDebit(mock, "2000.00")
		mock.ExpectExec("INSERT INTO payments").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE payment_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO payment_status_history").
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, req, err := service.ProcessPaymentTx(tx, "req-1", ProcessPaymentInput{
			Amount:  decimal.NewFromInt(600),
			Account: account,
		}, operatorActor)
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentRequestStatusPaid, req.Status)
		assert.True(t, req.RemainingAmount.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("payment on a pending request conflicts", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, requested_amount, total_paid_amount").
			WithArgs("req-1").
			WillReturnRows(paymentRequestRow("req-1", "900.00", "0.00", "900.00", models.PaymentRequestStatusPending))
		mock.ExpectRollback()

		_, err := service.ProcessPayment(context.Background(), "req-1", ProcessPaymentInput{
			Amount:  decimal.NewFromInt(100),
			Account: account,
		}, operatorActor)
		assert.True(t, errs.IsStateConflict(err))
	})

	t.Run("insufficient balance fails after the debit would go negative", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, requested_amount, total_paid_amount").
			WithArgs("req-1").
			WillReturnRows(paymentRequestRow("req-1", "900.00", "0.00", "900.00", models.PaymentRequestStatusApproved))
		expectDebit(mock, "300.00")
		mock.ExpectRollback()

		_, err := service.ProcessPayment(context.Background(), "req-1", ProcessPaymentInput{
			Amount:  decimal.NewFromInt(400),
			Account: account,
		}, operatorActor)
		assert.True(t, errs.IsValidation(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("allocation sum must equal payment amount", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectBegin()
		tx, _ := db.Begin()

		_, _, err := service.ProcessPaymentTx(tx, "req-1", ProcessPaymentInput{
			Amount:  decimal.NewFromInt(400),
			Account: account,
			Allocations: []LineAllocation{
				{LineItemID: "li-1", Amount: decimal.NewFromInt(100)},
				{LineItemID: "li-2", Amount: decimal.NewFromInt(200)},
			},
		}, operatorActor)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("allocations update their line items", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, requested_amount, total_paid_amount").
			WithArgs("req-1").
			WillReturnRows(paymentRequestRow("req-1", "900.00", "0.00", "900.00", models.PaymentRequestStatusApproved))
		expectDebit(mock, "2000.00")
		mock.ExpectExec("INSERT INTO payments").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE payment_line_items").
			WithArgs(sqlmock.AnyArg(), "li-1", "req-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE payment_line_items").
			WithArgs(sqlmock.AnyArg(), "li-2", "req-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE payment_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO payment_status_history").
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, _, err := service.ProcessPaymentTx(tx, "req-1", ProcessPaymentInput{
			Amount:  decimal.NewFromInt(400),
			Account: account,
			Allocations: []LineAllocation{
				{LineItemID: "li-1", Amount: decimal.NewFromInt(250)},
				{LineItemID: "li-2", Amount: decimal.NewFromInt(150)},
			},
		}, operatorActor)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("allocation to unknown line item fails", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, requested_amount, total_paid_amount").
			WithArgs("req-1").
			WillReturnRows(paymentRequestRow("req-1", "900.00", "0.00", "900.00", models.PaymentRequestStatusApproved))
		expectDebit(mock, "2000.00")
		mock.ExpectExec("INSERT INTO payments").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE payment_line_items").
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, _, err := service.ProcessPaymentTx(tx, "req-1", ProcessPaymentInput{
			Amount:      decimal.NewFromInt(400),
			Account:     account,
			Allocations: []LineAllocation{{LineItemID: "ghost", Amount: decimal.NewFromInt(400)}},
		}, operatorActor)
		assert.True(t, errs.IsNotFound(err))
	})
}

func TestPaymentRequestService_SoftDelete(t *testing.T) {
	t.Run("hides the request", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectExec("UPDATE payment_requests SET deleted_at").
			WithArgs(sqlmock.AnyArg(), "req-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.SoftDelete(context.Background(), "req-1", adminActor))
	})

	t.Run("already deleted", func(t *testing.T) {
		service, mock, db := newPaymentRequestService(t)
		defer db.Close()

		mock.ExpectExec("UPDATE payment_requests SET deleted_at").
			WithArgs(sqlmock.AnyArg(), "req-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.SoftDelete(context.Background(), "req-1", adminActor)
		assert.True(t, errs.IsNotFound(err))
	})
}

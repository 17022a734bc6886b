package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/opscentral/backend/internal/errs"
)

func exportPaymentRow(accountKind string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "request_id", "amount", "account_kind", "account_id", "payment_date",
		"processed_by", "status", "currency_code", "target_id", "target_name",
	}).AddRow("pay-1", "req-1", "400.00", accountKind, "acct-1", time.Now(),
		"op-1", "COMPLETED", "EUR", "sup-1", "Acme Interiors")
}

func TestISO20022Service_ExportPayment(t *testing.T) {
	t.Run("bank payment exports as pacs.008", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := NewISO20022Service(db, "TESTBIC1")

		mock.ExpectQuery("SELECT p.id, p.request_id, p.amount").
			WithArgs("pay-1").
			WillReturnRows(exportPaymentRow("BANK_ACCOUNT"))

		xmlOut, err := service.ExportPayment(context.Background(), "pay-1")
		assert.NoError(t, err)
		assert.True(t, strings.HasPrefix(xmlOut, "<?xml"))
		assert.Contains(t, xmlOut, "Acme Interiors")
		assert.Contains(t, xmlOut, "TESTBIC1")
		assert.Contains(t, xmlOut, "req-1")
	})

	t.Run("cash payment cannot be exported", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := NewISO20022Service(db, "TESTBIC1")

		mock.ExpectQuery("SELECT p.id, p.request_id, p.amount").
			WithArgs("pay-1").
			WillReturnRows(exportPaymentRow("CASH_SAFE"))

		_, err = service.ExportPayment(context.Background(), "pay-1")
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("unknown payment", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := NewISO20022Service(db, "TESTBIC1")

		mock.ExpectQuery("SELECT p.id, p.request_id, p.amount").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "request_id", "amount", "account_kind", "account_id", "payment_date",
				"processed_by", "status", "currency_code", "target_id", "target_name",
			}))

		_, err = service.ExportPayment(context.Background(), "ghost")
		assert.True(t, errs.IsNotFound(err))
	})
}

package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/opscentral/backend/internal/audit"
	"github.com/opscentral/backend/internal/errs"
	"github.com/opscentral/backend/internal/ledger"
	"github.com/opscentral/backend/internal/metrics"
	"github.com/opscentral/backend/internal/models"
)

// PaymentRequestService tracks money owed to a target party and settles it
// incrementally. Each payment debits the paying account and moves the
// request through APPROVED -> PARTIALLY_PAID -> PAID, with every transition
// appended to the request's status history.
type PaymentRequestService struct {
	db      *sql.DB
	ledger  *ledger.Ledger
	idem    *IdempotencyGuard
	audit   *audit.Logger
	metrics *metrics.Collector
	log     *logrus.Logger
}

func NewPaymentRequestService(db *sql.DB, lg *ledger.Ledger, idem *IdempotencyGuard, auditLog *audit.Logger, collector *metrics.Collector, log *logrus.Logger) *PaymentRequestService {
	return &PaymentRequestService{
		db:      db,
		ledger:  lg,
		idem:    idem,
		audit:   auditLog,
		metrics: collector,
		log:     log,
	}
}

// LineItemInput describes one line of the obligation.
type LineItemInput struct {
	Description string          `json:"description" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
}

type CreatePaymentRequestInput struct {
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	CurrencyCode    string          `json:"currency_code" validate:"required,len=3"`

	SourceType        string `json:"source_type" validate:"required"`
	SourceID          string `json:"source_id"`
	SourceNumber      string `json:"source_number"`
	SourceDescription string `json:"source_description"`

	TargetType    string `json:"target_type" validate:"required"`
	TargetID      string `json:"target_id" validate:"required"`
	TargetName    string `json:"target_name" validate:"required"`
	TargetContact string `json:"target_contact"`

	RequestingDepartment string          `json:"requesting_department"`
	DueDate              *time.Time      `json:"due_date,omitempty"`
	LineItems            []LineItemInput `json:"line_items,omitempty"`
	Metadata             string          `json:"metadata,omitempty"`
	ResubmissionKey      string          `json:"resubmission_key,omitempty"`
}

// Create opens a PENDING payment request. The source and target descriptors
// are stored as given; the engine never interprets them.
func (s *PaymentRequestService) Create(ctx context.Context, in CreatePaymentRequestInput, actor models.Actor) (*models.PaymentRequest, error) {
	if !in.RequestedAmount.IsPositive() {
		return nil, errs.Validation("requested amount must be positive, got %s", in.RequestedAmount)
	}
	for _, li := range in.LineItems {
		if !li.Amount.IsPositive() {
			return nil, errs.Validation("line item %q amount must be positive", li.Description)
		}
	}

	if err := s.idem.Reserve(ctx, "payment_request", in.ResubmissionKey); err != nil {
		return nil, err
	}

	var req *models.PaymentRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = s.createTx(tx, in, models.PaymentRequestStatusPending, actor)
		return err
	})
	if err != nil {
		s.idem.Release(ctx, "payment_request", in.ResubmissionKey)
		return nil, err
	}
	return req, nil
}

// CreateApprovedTx opens a request already in APPROVED state inside the
// caller's transaction. Loan creation uses it to pre-approve one request per
// installment.
func (s *PaymentRequestService) CreateApprovedTx(tx *sql.Tx, in CreatePaymentRequestInput, actor models.Actor) (*models.PaymentRequest, error) {
	if !in.RequestedAmount.IsPositive() {
		return nil, errs.Validation("requested amount must be positive, got %s", in.RequestedAmount)
	}
	return s.createTx(tx, in, models.PaymentRequestStatusApproved, actor)
}

// Approve moves a PENDING request to APPROVED ("ready to pay").
func (s *PaymentRequestService) Approve(ctx context.Context, id string, actor models.Actor) (*models.PaymentRequest, error) {
	return s.transition(ctx, id, actor, models.PaymentRequestStatusApproved, "")
}

// Reject terminally rejects a PENDING request.
func (s *PaymentRequestService) Reject(ctx context.Context, id string, actor models.Actor, reason string) (*models.PaymentRequest, error) {
	return s.transition(ctx, id, actor, models.PaymentRequestStatusRejected, reason)
}

func (s *PaymentRequestService) transition(ctx context.Context, id string, actor models.Actor, to models.PaymentRequestStatus, note string) (*models.PaymentRequest, error) {
	var req *models.PaymentRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = s.lockRequest(tx, id)
		if err != nil {
			return err
		}
		if req.Status != models.PaymentRequestStatusPending {
			return errs.StateConflict("payment request %s is %s, only PENDING can become %s", id, req.Status, to)
		}

		now := time.Now()
		from := req.Status
		req.Status = to
		req.UpdatedAt = now
		_, err = tx.Exec(`UPDATE payment_requests SET status = $1, updated_at = $2 WHERE id = $3`,
			to, now, id)
		if err != nil {
			return fmt.Errorf("failed to update payment request %s: %w", id, err)
		}
		return s.appendHistory(tx, id, from, to, actor, note)
	})
	if err != nil {
		return nil, err
	}

	s.audit.StatusChanged("payment_request", id, string(models.PaymentRequestStatusPending), string(to), actor.ID)
	return req, nil
}

// LineAllocation directs part of a payment at one line item. Allocation
// order is the caller's decision; the engine only checks the sum.
type LineAllocation struct {
	LineItemID string          `json:"line_item_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

type ProcessPaymentInput struct {
	Amount          decimal.Decimal  `json:"amount"`
	Account         models.AccountRef `json:"account" validate:"required"`
	PaymentDate     time.Time        `json:"payment_date"`
	Allocations     []LineAllocation `json:"allocations,omitempty"`
	ResubmissionKey string           `json:"resubmission_key,omitempty"`
}

// ProcessPayment records a payment against the request, debiting the paying
// account and recomputing the request's totals, in one unit of work.
func (s *PaymentRequestService) ProcessPayment(ctx context.Context, id string, in ProcessPaymentInput, actor models.Actor) (*models.Payment, error) {
	if err := s.idem.Reserve(ctx, "payment", in.ResubmissionKey); err != nil {
		return nil, err
	}

	var payment *models.Payment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		payment, _, err = s.ProcessPaymentTx(tx, id, in, actor)
		return err
	})
	if err != nil {
		s.idem.Release(ctx, "payment", in.ResubmissionKey)
		return nil, err
	}
	return payment, nil
}

// ProcessPaymentTx is the composable form of ProcessPayment; loan settlement
// runs it inside its own transaction so the installment update commits with
// the payment.
func (s *PaymentRequestService) ProcessPaymentTx(tx *sql.Tx, id string, in ProcessPaymentInput, actor models.Actor) (*models.Payment, *models.PaymentRequest, error) {
	if !in.Amount.IsPositive() {
		return nil, nil, errs.Validation("payment amount must be positive, got %s", in.Amount)
	}
	if len(in.Allocations) > 0 {
		sum := decimal.Zero
		for _, a := range in.Allocations {
			if !a.Amount.IsPositive() {
				return nil, nil, errs.Validation("allocation for line %s must be positive", a.LineItemID)
			}
			sum = sum.Add(a.Amount)
		}
		if !sum.Equal(in.Amount) {
			return nil, nil, errs.Validation("allocations sum to %s, payment is %s", sum, in.Amount)
		}
	}

	req, err := s.lockRequest(tx, id)
	if err != nil {
		return nil, nil, err
	}
	if req.Status != models.PaymentRequestStatusApproved && req.Status != models.PaymentRequestStatusPartiallyPaid {
		return nil, nil, errs.StateConflict("payment request %s is %s, payments need APPROVED or PARTIALLY_PAID", id, req.Status)
	}

	newBalance, err := s.ledger.ApplyDelta(tx, in.Account, in.Amount.Neg())
	if err != nil {
		return nil, nil, err
	}
	if newBalance.IsNegative() {
		return nil, nil, errs.Validation("insufficient available balance on %s for payment of %s", in.Account, in.Amount)
	}

	now := time.Now()
	paymentDate := in.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = now
	}
	payment := &models.Payment{
		ID:          uuid.NewString(),
		RequestID:   id,
		Amount:      in.Amount,
		Account:     in.Account,
		PaymentDate: paymentDate,
		ProcessedBy: actor.ID,
		Status:      models.PaymentStatusCompleted,
		CreatedAt:   now,
	}
	_, err = tx.Exec(`
		INSERT INTO payments (id, request_id, amount, account_kind, account_id, payment_date, processed_by, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		payment.ID, id, in.Amount, in.Account.Kind, in.Account.ID, paymentDate, actor.ID, payment.Status, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert payment: %w", err)
	}

	for _, a := range in.Allocations {
		if err := s.allocateToLine(tx, id, a); err != nil {
			return nil, nil, err
		}
	}

	from := req.Status
	req.TotalPaidAmount = req.TotalPaidAmount.Add(in.Amount)
	req.RemainingAmount = req.RequestedAmount.Sub(req.TotalPaidAmount)
	if req.RemainingAmount.IsNegative() {
		// Overpayment is not rejected; remaining clamps at zero.
		req.RemainingAmount = decimal.Zero
	}
	if req.TotalPaidAmount.GreaterThanOrEqual(req.RequestedAmount) {
		req.Status = models.PaymentRequestStatusPaid
	} else {
		req.Status = models.PaymentRequestStatusPartiallyPaid
	}
	req.UpdatedAt = now

	_, err = tx.Exec(`
		UPDATE payment_requests
		SET total_paid_amount = $1, remaining_amount = $2, status = $3, updated_at = $4
		WHERE id = $5`,
		req.TotalPaidAmount, req.RemainingAmount, req.Status, now, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update payment request %s: %w", id, err)
	}

	if err := s.appendHistory(tx, id, from, req.Status, actor, fmt.Sprintf("payment %s of %s", payment.ID, in.Amount)); err != nil {
		return nil, nil, err
	}

	s.audit.PaymentProcessed(id, payment.ID, in.Account.String(), in.Amount, actor.ID)
	s.metrics.PaymentProcessed(in.Amount.InexactFloat64())
	return payment, req, nil
}

func (s *PaymentRequestService) allocateToLine(tx *sql.Tx, requestID string, a LineAllocation) error {
	result, err := tx.Exec(`
		UPDATE payment_line_items
		SET paid_amount = paid_amount + $1,
			remaining_amount = GREATEST(amount - (paid_amount + $1), 0)
		WHERE id = $2 AND request_id = $3`,
		a.Amount, a.LineItemID, requestID)
	if err != nil {
		return fmt.Errorf("failed to allocate to line item %s: %w", a.LineItemID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errs.NotFound("line item %s not found on request %s", a.LineItemID, requestID)
	}
	return nil
}

// SoftDelete hides the request from all queries without destroying history.
func (s *PaymentRequestService) SoftDelete(ctx context.Context, id string, actor models.Actor) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE payment_requests SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to delete payment request %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errs.NotFound("payment request %s not found", id)
	}

	s.audit.StatusChanged("payment_request", id, "", "DELETED", actor.ID)
	return nil
}

// Get loads a request with its line items and payments.
func (s *PaymentRequestService) Get(ctx context.Context, id string) (*models.PaymentRequest, error) {
	row := s.db.QueryRowContext(ctx, selectPaymentRequest+" WHERE id = $1 AND deleted_at IS NULL", id)
	req, err := scanPaymentRequest(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("payment request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment request %s: %w", id, err)
	}

	if req.LineItems, err = s.loadLineItems(ctx, id); err != nil {
		return nil, err
	}
	if req.Payments, err = s.loadPayments(ctx, id); err != nil {
		return nil, err
	}
	return req, nil
}

// ListByStatus returns non-deleted requests in the given status.
func (s *PaymentRequestService) ListByStatus(ctx context.Context, status models.PaymentRequestStatus) ([]*models.PaymentRequest, error) {
	return s.list(ctx, " WHERE deleted_at IS NULL AND status = $1 ORDER BY created_at DESC", status)
}

// ListByTarget returns non-deleted requests owed to one target party.
func (s *PaymentRequestService) ListByTarget(ctx context.Context, targetType, targetID string) ([]*models.PaymentRequest, error) {
	return s.list(ctx, " WHERE deleted_at IS NULL AND target_type = $1 AND target_id = $2 ORDER BY created_at DESC", targetType, targetID)
}

// ListDueBetween returns non-deleted requests due inside [from, to].
func (s *PaymentRequestService) ListDueBetween(ctx context.Context, from, to time.Time) ([]*models.PaymentRequest, error) {
	return s.list(ctx, " WHERE deleted_at IS NULL AND due_date BETWEEN $1 AND $2 ORDER BY due_date", from, to)
}

// ListReadyToPay returns requests an operator can settle now: APPROVED, or
// PARTIALLY_PAID with money still remaining.
func (s *PaymentRequestService) ListReadyToPay(ctx context.Context) ([]*models.PaymentRequest, error) {
	return s.list(ctx, ` WHERE deleted_at IS NULL
		AND (status = $1 OR (status = $2 AND remaining_amount > 0))
		ORDER BY due_date NULLS LAST`,
		models.PaymentRequestStatusApproved, models.PaymentRequestStatusPartiallyPaid)
}

// ListOverdue returns ready-to-pay requests whose due date is in the past.
func (s *PaymentRequestService) ListOverdue(ctx context.Context, now time.Time) ([]*models.PaymentRequest, error) {
	return s.list(ctx, ` WHERE deleted_at IS NULL
		AND (status = $1 OR (status = $2 AND remaining_amount > 0))
		AND due_date < $3
		ORDER BY due_date`,
		models.PaymentRequestStatusApproved, models.PaymentRequestStatusPartiallyPaid, now)
}

// History returns the append-only transition log, oldest first.
func (s *PaymentRequestService) History(ctx context.Context, id string) ([]models.PaymentStatusHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, from_status, to_status, actor_id, note, created_at
		FROM payment_status_history WHERE request_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", id, err)
	}
	defer rows.Close()

	var out []models.PaymentStatusHistory
	for rows.Next() {
		var h models.PaymentStatusHistory
		if err := rows.Scan(&h.ID, &h.RequestID, &h.FromStatus, &h.ToStatus, &h.ActorID, &h.Note, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PaymentRequestService) createTx(tx *sql.Tx, in CreatePaymentRequestInput, status models.PaymentRequestStatus, actor models.Actor) (*models.PaymentRequest, error) {
	now := time.Now()
	req := &models.PaymentRequest{
		ID:                   uuid.NewString(),
		RequestedAmount:      in.RequestedAmount,
		TotalPaidAmount:      decimal.Zero,
		RemainingAmount:      in.RequestedAmount,
		CurrencyCode:         in.CurrencyCode,
		Status:               status,
		SourceType:           in.SourceType,
		SourceID:             in.SourceID,
		SourceNumber:         in.SourceNumber,
		SourceDescription:    in.SourceDescription,
		TargetType:           in.TargetType,
		TargetID:             in.TargetID,
		TargetName:           in.TargetName,
		TargetContact:        in.TargetContact,
		RequestingDepartment: in.RequestingDepartment,
		DueDate:              in.DueDate,
		CreatedBy:            actor.ID,
		Metadata:             in.Metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	_, err := tx.Exec(`
		INSERT INTO payment_requests
			(id, requested_amount, total_paid_amount, remaining_amount, currency_code, status,
			source_type, source_id, source_number, source_description,
			target_type, target_id, target_name, target_contact,
			requesting_department, due_date, created_by, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		req.ID, req.RequestedAmount, req.TotalPaidAmount, req.RemainingAmount, req.CurrencyCode, req.Status,
		req.SourceType, req.SourceID, req.SourceNumber, req.SourceDescription,
		req.TargetType, req.TargetID, req.TargetName, req.TargetContact,
		req.RequestingDepartment, nullTime(req.DueDate), req.CreatedBy, req.Metadata, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment request: %w", err)
	}

	for i, li := range in.LineItems {
		item := models.PaymentLineItem{
			ID:              uuid.NewString(),
			RequestID:       req.ID,
			Position:        i + 1,
			Description:     li.Description,
			Amount:          li.Amount,
			PaidAmount:      decimal.Zero,
			RemainingAmount: li.Amount,
		}
		_, err := tx.Exec(`
			INSERT INTO payment_line_items (id, request_id, position, description, amount, paid_amount, remaining_amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, item.RequestID, item.Position, item.Description, item.Amount, item.PaidAmount, item.RemainingAmount)
		if err != nil {
			return nil, fmt.Errorf("failed to insert line item: %w", err)
		}
		req.LineItems = append(req.LineItems, item)
	}

	if err := s.appendHistory(tx, req.ID, "", status, actor, "created"); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"request": req.ID,
		"amount":  req.RequestedAmount.String(),
		"target":  req.TargetName,
		"status":  req.Status,
	}).Info("payment request created")
	return req, nil
}

func (s *PaymentRequestService) appendHistory(tx *sql.Tx, requestID string, from, to models.PaymentRequestStatus, actor models.Actor, note string) error {
	_, err := tx.Exec(`
		INSERT INTO payment_status_history (id, request_id, from_status, to_status, actor_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), requestID, from, to, actor.ID, note, time.Now())
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}
	return nil
}

const selectPaymentRequest = `
	SELECT id, requested_amount, total_paid_amount, remaining_amount, currency_code, status,
		source_type, source_id, source_number, source_description,
		target_type, target_id, target_name, target_contact,
		requesting_department, due_date, created_by, metadata, created_at, updated_at, deleted_at
	FROM payment_requests`

func scanPaymentRequest(row rowScanner) (*models.PaymentRequest, error) {
	var (
		req       models.PaymentRequest
		dueDate   sql.NullTime
		deletedAt sql.NullTime
	)
	err := row.Scan(&req.ID, &req.RequestedAmount, &req.TotalPaidAmount, &req.RemainingAmount,
		&req.CurrencyCode, &req.Status,
		&req.SourceType, &req.SourceID, &req.SourceNumber, &req.SourceDescription,
		&req.TargetType, &req.TargetID, &req.TargetName, &req.TargetContact,
		&req.RequestingDepartment, &dueDate, &req.CreatedBy, &req.Metadata,
		&req.CreatedAt, &req.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if dueDate.Valid {
		t := dueDate.Time
		req.DueDate = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		req.DeletedAt = &t
	}
	return &req, nil
}

func (s *PaymentRequestService) lockRequest(tx *sql.Tx, id string) (*models.PaymentRequest, error) {
	row := tx.QueryRow(selectPaymentRequest+" WHERE id = $1 AND deleted_at IS NULL FOR UPDATE", id)
	req, err := scanPaymentRequest(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("payment request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment request %s: %w", id, err)
	}
	return req, nil
}

func (s *PaymentRequestService) list(ctx context.Context, clause string, args ...any) ([]*models.PaymentRequest, error) {
	rows, err := s.db.QueryContext(ctx, selectPaymentRequest+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment requests: %w", err)
	}
	defer rows.Close()

	var out []*models.PaymentRequest
	for rows.Next() {
		req, err := scanPaymentRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PaymentRequestService) loadLineItems(ctx context.Context, requestID string) ([]models.PaymentLineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, position, description, amount, paid_amount, remaining_amount
		FROM payment_line_items WHERE request_id = $1 ORDER BY position`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load line items of %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []models.PaymentLineItem
	for rows.Next() {
		var li models.PaymentLineItem
		if err := rows.Scan(&li.ID, &li.RequestID, &li.Position, &li.Description, &li.Amount, &li.PaidAmount, &li.RemainingAmount); err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

func (s *PaymentRequestService) loadPayments(ctx context.Context, requestID string) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, amount, account_kind, account_id, payment_date, processed_by, status, created_at
		FROM payments WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payments of %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.RequestID, &p.Amount, &p.Account.Kind, &p.Account.ID, &p.PaymentDate, &p.ProcessedBy, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PaymentRequestService) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

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

// TransactionService owns the balance transaction approval workflow.
// A transaction's effect hits account balances exactly once, inside the same
// database transaction that flips its status to APPROVED.
type TransactionService struct {
	db      *sql.DB
	ledger  *ledger.Ledger
	idem    *IdempotencyGuard
	audit   *audit.Logger
	metrics *metrics.Collector
	log     *logrus.Logger

	autoApproveRoles map[string]bool
}

func NewTransactionService(db *sql.DB, lg *ledger.Ledger, idem *IdempotencyGuard, auditLog *audit.Logger, collector *metrics.Collector, log *logrus.Logger, autoApproveRoles []string) *TransactionService {
	roles := make(map[string]bool, len(autoApproveRoles))
	for _, r := range autoApproveRoles {
		roles[r] = true
	}
	return &TransactionService{
		db:               db,
		ledger:           lg,
		idem:             idem,
		audit:            auditLog,
		metrics:          collector,
		log:              log,
		autoApproveRoles: roles,
	}
}

type CreateTransactionInput struct {
	Type            models.TransactionType `json:"type" validate:"required,oneof=DEPOSIT WITHDRAWAL TRANSFER"`
	Amount          decimal.Decimal        `json:"amount"`
	Source          models.AccountRef      `json:"source" validate:"required"`
	Destination     *models.AccountRef     `json:"destination,omitempty"`
	Metadata        string                 `json:"metadata,omitempty"`
	ResubmissionKey string                 `json:"resubmission_key,omitempty"`
}

// Create validates and persists a new balance transaction. Creators holding
// an auto-approval role get the transaction applied immediately; everyone
// else lands in the PENDING queue. All validation runs before any mutation.
func (s *TransactionService) Create(ctx context.Context, in CreateTransactionInput, actor models.Actor) (*models.BalanceTransaction, error) {
	if !in.Amount.IsPositive() {
		return nil, errs.Validation("amount must be positive, got %s", in.Amount)
	}
	if err := s.ledger.ValidateExists(ctx, in.Source); err != nil {
		return nil, err
	}
	switch in.Type {
	case models.TransactionTypeDeposit:
	case models.TransactionTypeWithdrawal:
		if err := s.checkAvailable(ctx, in.Source, in.Amount); err != nil {
			return nil, err
		}
	case models.TransactionTypeTransfer:
		if in.Destination == nil {
			return nil, errs.Validation("transfer requires a destination account")
		}
		if *in.Destination == in.Source {
			return nil, errs.Validation("transfer destination must differ from source")
		}
		if err := s.ledger.ValidateExists(ctx, *in.Destination); err != nil {
			return nil, err
		}
		if err := s.checkAvailable(ctx, in.Source, in.Amount); err != nil {
			return nil, err
		}
	default:
		return nil, errs.Validation("unknown transaction type %q", in.Type)
	}

	if err := s.idem.Reserve(ctx, "transaction", in.ResubmissionKey); err != nil {
		return nil, err
	}

	now := time.Now()
	txn := &models.BalanceTransaction{
		ID:            uuid.NewString(),
		Type:          in.Type,
		Amount:        in.Amount,
		Source:        in.Source,
		Destination:   in.Destination,
		Status:        models.TransactionStatusPending,
		CreatedBy:     actor.ID,
		CreatedByRole: actor.Role,
		Metadata:      in.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	autoApprove := s.autoApproveRoles[actor.Role]
	if autoApprove {
		txn.Status = models.TransactionStatusApproved
		txn.ApprovedBy = actor.ID
		txn.ApprovedAt = &now
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insert(tx, txn); err != nil {
			return err
		}
		if autoApprove {
			return s.apply(tx, txn, actor)
		}
		return nil
	})
	if err != nil {
		s.idem.Release(ctx, "transaction", in.ResubmissionKey)
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"transaction": txn.ID,
		"type":        txn.Type,
		"status":      txn.Status,
		"amount":      txn.Amount.String(),
	}).Info("balance transaction created")
	return txn, nil
}

// Approve flips a PENDING transaction to APPROVED and applies its effect,
// both inside one database transaction.
func (s *TransactionService) Approve(ctx context.Context, id string, actor models.Actor) (*models.BalanceTransaction, error) {
	var txn *models.BalanceTransaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		txn, err = s.lockTransaction(tx, id)
		if err != nil {
			return err
		}
		if txn.Status != models.TransactionStatusPending {
			return errs.StateConflict("transaction %s is %s, only PENDING can be approved", id, txn.Status)
		}

		now := time.Now()
		txn.Status = models.TransactionStatusApproved
		txn.ApprovedBy = actor.ID
		txn.ApprovedAt = &now
		txn.UpdatedAt = now
		_, err = tx.Exec(`
			UPDATE balance_transactions
			SET status = $1, approved_by = $2, approved_at = $3, updated_at = $3
			WHERE id = $4`,
			txn.Status, actor.ID, now, id)
		if err != nil {
			return fmt.Errorf("failed to approve transaction %s: %w", id, err)
		}
		return s.apply(tx, txn, actor)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Reject flips a PENDING transaction to REJECTED with a reason. Balances are
// never touched on this path.
func (s *TransactionService) Reject(ctx context.Context, id string, actor models.Actor, reason string) (*models.BalanceTransaction, error) {
	var txn *models.BalanceTransaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		txn, err = s.lockTransaction(tx, id)
		if err != nil {
			return err
		}
		if txn.Status != models.TransactionStatusPending {
			return errs.StateConflict("transaction %s is %s, only PENDING can be rejected", id, txn.Status)
		}

		now := time.Now()
		txn.Status = models.TransactionStatusRejected
		txn.RejectionReason = reason
		txn.ApprovedBy = actor.ID
		txn.UpdatedAt = now
		_, err = tx.Exec(`
			UPDATE balance_transactions
			SET status = $1, approved_by = $2, rejection_reason = $3, updated_at = $4
			WHERE id = $5`,
			txn.Status, actor.ID, reason, now, id)
		if err != nil {
			return fmt.Errorf("failed to reject transaction %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.TransactionRejected(id, reason, actor.ID)
	s.metrics.TransactionRejected()
	return txn, nil
}

// Get returns a transaction by id.
func (s *TransactionService) Get(ctx context.Context, id string) (*models.BalanceTransaction, error) {
	row := s.db.QueryRowContext(ctx, selectTransaction+" WHERE id = $1", id)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("transaction %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", id, err)
	}
	return txn, nil
}

// ListByStatus returns transactions in the given status, newest first.
func (s *TransactionService) ListByStatus(ctx context.Context, status models.TransactionStatus) ([]*models.BalanceTransaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransaction+" WHERE status = $1 ORDER BY created_at DESC", status)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.BalanceTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// CreateDisbursementTx records and applies an auto-approved DEPOSIT inside
// the caller's transaction. Used by loan creation, which must disburse
// principal atomically with the loan itself.
func (s *TransactionService) CreateDisbursementTx(tx *sql.Tx, account models.AccountRef, amount decimal.Decimal, metadata string, actor models.Actor) (*models.BalanceTransaction, error) {
	if !amount.IsPositive() {
		return nil, errs.Validation("disbursement amount must be positive, got %s", amount)
	}
	now := time.Now()
	txn := &models.BalanceTransaction{
		ID:            uuid.NewString(),
		Type:          models.TransactionTypeDeposit,
		Amount:        amount,
		Source:        account,
		Status:        models.TransactionStatusApproved,
		CreatedBy:     actor.ID,
		CreatedByRole: actor.Role,
		ApprovedBy:    actor.ID,
		ApprovedAt:    &now,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.insert(tx, txn); err != nil {
		return nil, err
	}
	if err := s.apply(tx, txn, actor); err != nil {
		return nil, err
	}
	return txn, nil
}

// apply posts the transaction's effect to the ledger. For a transfer, both
// accounts are locked in deterministic order so two concurrent transfers
// between the same pair cannot deadlock; the debit and credit commit or roll
// back together with the status flip.
func (s *TransactionService) apply(tx *sql.Tx, txn *models.BalanceTransaction, actor models.Actor) error {
	switch txn.Type {
	case models.TransactionTypeDeposit:
		if _, err := s.ledger.ApplyDelta(tx, txn.Source, txn.Amount); err != nil {
			return err
		}
	case models.TransactionTypeWithdrawal:
		if _, err := s.ledger.ApplyDelta(tx, txn.Source, txn.Amount.Neg()); err != nil {
			return err
		}
	case models.TransactionTypeTransfer:
		first, second := txn.Source, *txn.Destination
		firstDelta, secondDelta := txn.Amount.Neg(), txn.Amount
		if second.String() < first.String() {
			first, second = second, first
			firstDelta, secondDelta = secondDelta, firstDelta
		}
		if _, err := s.ledger.ApplyDelta(tx, first, firstDelta); err != nil {
			return err
		}
		if _, err := s.ledger.ApplyDelta(tx, second, secondDelta); err != nil {
			return err
		}
	default:
		return errs.Validation("unknown transaction type %q", txn.Type)
	}

	dest := ""
	if txn.Destination != nil {
		dest = txn.Destination.String()
	}
	s.audit.TransactionApplied(txn.ID, string(txn.Type), txn.Source.String(), dest, txn.Amount, actor.ID)
	s.metrics.TransactionApplied(string(txn.Type))
	return nil
}

func (s *TransactionService) checkAvailable(ctx context.Context, ref models.AccountRef, amount decimal.Decimal) error {
	balance, err := s.ledger.GetBalance(ctx, ref)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return errs.Validation("insufficient available balance on %s: have %s, need %s", ref, balance, amount)
	}
	return nil
}

func (s *TransactionService) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

const selectTransaction = `
	SELECT id, type, amount, source_kind, source_id, destination_kind, destination_id,
		status, created_by, created_by_role, approved_by, approved_at,
		rejection_reason, metadata, created_at, updated_at
	FROM balance_transactions`

func (s *TransactionService) insert(tx *sql.Tx, txn *models.BalanceTransaction) error {
	var destKind, destID sql.NullString
	if txn.Destination != nil {
		destKind = sql.NullString{String: string(txn.Destination.Kind), Valid: true}
		destID = sql.NullString{String: txn.Destination.ID, Valid: true}
	}
	var approvedAt sql.NullTime
	if txn.ApprovedAt != nil {
		approvedAt = sql.NullTime{Time: *txn.ApprovedAt, Valid: true}
	}
	_, err := tx.Exec(`
		INSERT INTO balance_transactions
			(id, type, amount, source_kind, source_id, destination_kind, destination_id,
			status, created_by, created_by_role, approved_by, approved_at,
			rejection_reason, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		txn.ID, txn.Type, txn.Amount, txn.Source.Kind, txn.Source.ID, destKind, destID,
		txn.Status, txn.CreatedBy, txn.CreatedByRole, txn.ApprovedBy, approvedAt,
		txn.RejectionReason, txn.Metadata, txn.CreatedAt, txn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *TransactionService) lockTransaction(tx *sql.Tx, id string) (*models.BalanceTransaction, error) {
	row := tx.QueryRow(selectTransaction+" WHERE id = $1 FOR UPDATE", id)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("transaction %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock transaction %s: %w", id, err)
	}
	return txn, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.BalanceTransaction, error) {
	var (
		txn                models.BalanceTransaction
		destKind, destID   sql.NullString
		approvedBy, reason sql.NullString
		approvedAt         sql.NullTime
	)
	err := row.Scan(&txn.ID, &txn.Type, &txn.Amount, &txn.Source.Kind, &txn.Source.ID,
		&destKind, &destID, &txn.Status, &txn.CreatedBy, &txn.CreatedByRole,
		&approvedBy, &approvedAt, &reason, &txn.Metadata, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if destKind.Valid {
		txn.Destination = &models.AccountRef{Kind: models.AccountKind(destKind.String), ID: destID.String}
	}
	txn.ApprovedBy = approvedBy.String
	txn.RejectionReason = reason.String
	if approvedAt.Valid {
		t := approvedAt.Time
		txn.ApprovedAt = &t
	}
	return &txn, nil
}

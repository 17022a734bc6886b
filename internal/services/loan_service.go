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
	"github.com/opscentral/backend/internal/metrics"
	"github.com/opscentral/backend/internal/models"
)

// ratioPrecision is the scale of the intermediate principal/total and
// interest/total ratios used when splitting an installment payment.
const ratioPrecision = 8

// LoanService manages company loans: schedule creation, principal
// disbursement, and settlement of installments through their linked
// payment requests, splitting each payment into principal and interest.
type LoanService struct {
	db           *sql.DB
	transactions *TransactionService
	requests     *PaymentRequestService
	idem         *IdempotencyGuard
	audit        *audit.Logger
	metrics      *metrics.Collector
	log          *logrus.Logger
}

func NewLoanService(db *sql.DB, transactions *TransactionService, requests *PaymentRequestService, idem *IdempotencyGuard, auditLog *audit.Logger, collector *metrics.Collector, log *logrus.Logger) *LoanService {
	return &LoanService{
		db:           db,
		transactions: transactions,
		requests:     requests,
		idem:         idem,
		audit:        auditLog,
		metrics:      collector,
		log:          log,
	}
}

// InstallmentScheduleInput is one slice of the repayment plan supplied at
// loan creation.
type InstallmentScheduleInput struct {
	InstallmentNumber int             `json:"installment_number" validate:"required,gt=0"`
	DueDate           time.Time       `json:"due_date" validate:"required"`
	PrincipalAmount   decimal.Decimal `json:"principal_amount"`
	InterestAmount    decimal.Decimal `json:"interest_amount"`
}

type CreateLoanInput struct {
	InstitutionID       string                     `json:"institution_id" validate:"required"`
	PrincipalAmount     decimal.Decimal            `json:"principal_amount"`
	InterestRate        decimal.Decimal            `json:"interest_rate"`
	InterestType        models.InterestType        `json:"interest_type" validate:"required,oneof=FLAT REDUCING"`
	CurrencyCode        string                     `json:"currency_code" validate:"required,len=3"`
	DisbursementAccount models.AccountRef          `json:"disbursement_account" validate:"required"`
	DisbursementDate    time.Time                  `json:"disbursement_date" validate:"required"`
	StartDate           time.Time                  `json:"start_date" validate:"required"`
	MaturityDate        time.Time                  `json:"maturity_date" validate:"required"`
	Schedule            []InstallmentScheduleInput `json:"schedule" validate:"required,min=1"`
	Metadata            string                     `json:"metadata,omitempty"`
	ResubmissionKey     string                     `json:"resubmission_key,omitempty"`
}

// CreateLoan persists the loan atomically with its installments, an
// auto-approved disbursement deposit of the full principal, and one
// pre-approved payment request per installment.
func (s *LoanService) CreateLoan(ctx context.Context, in CreateLoanInput, actor models.Actor) (*models.CompanyLoan, error) {
	if !in.PrincipalAmount.IsPositive() {
		return nil, errs.Validation("principal amount must be positive, got %s", in.PrincipalAmount)
	}
	if in.StartDate.Before(in.DisbursementDate) {
		return nil, errs.Validation("start date must not precede disbursement date")
	}
	if in.MaturityDate.Before(in.StartDate) {
		return nil, errs.Validation("maturity date must not precede start date")
	}

	principalSum := decimal.Zero
	for _, sched := range in.Schedule {
		if !sched.PrincipalAmount.IsPositive() {
			return nil, errs.Validation("installment %d principal must be positive", sched.InstallmentNumber)
		}
		if sched.InterestAmount.IsNegative() {
			return nil, errs.Validation("installment %d interest must not be negative", sched.InstallmentNumber)
		}
		principalSum = principalSum.Add(sched.PrincipalAmount)
	}
	// Exact match, no tolerance: a schedule that does not sum to the
	// principal is a hard failure.
	if !principalSum.Equal(in.PrincipalAmount) {
		return nil, errs.Validation("installment principals sum to %s, loan principal is %s", principalSum, in.PrincipalAmount)
	}

	institution, err := s.getInstitution(ctx, in.InstitutionID)
	if err != nil {
		return nil, err
	}
	if !institution.IsActive {
		return nil, errs.Validation("institution %s is inactive", in.InstitutionID)
	}
	if err := s.transactions.ledger.ValidateExists(ctx, in.DisbursementAccount); err != nil {
		return nil, err
	}

	if err := s.idem.Reserve(ctx, "loan", in.ResubmissionKey); err != nil {
		return nil, err
	}

	now := time.Now()
	loan := &models.CompanyLoan{
		ID:                  uuid.NewString(),
		InstitutionID:       institution.ID,
		InstitutionName:     institution.Name,
		PrincipalAmount:     in.PrincipalAmount,
		RemainingPrincipal:  in.PrincipalAmount,
		InterestRate:        in.InterestRate,
		InterestType:        in.InterestType,
		CurrencyCode:        in.CurrencyCode,
		TotalInstallments:   len(in.Schedule),
		TotalPrincipalPaid:  decimal.Zero,
		TotalInterestPaid:   decimal.Zero,
		Status:              models.LoanStatusActive,
		DisbursementAccount: in.DisbursementAccount,
		DisbursementDate:    in.DisbursementDate,
		StartDate:           in.StartDate,
		MaturityDate:        in.MaturityDate,
		CreatedBy:           actor.ID,
		Metadata:            in.Metadata,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO company_loans
				(id, institution_id, institution_name, principal_amount, remaining_principal,
				interest_rate, interest_type, currency_code, total_installments,
				total_principal_paid, total_interest_paid, status,
				disbursement_kind, disbursement_id, disbursement_date,
				start_date, maturity_date, created_by, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			loan.ID, loan.InstitutionID, loan.InstitutionName, loan.PrincipalAmount, loan.RemainingPrincipal,
			loan.InterestRate, loan.InterestType, loan.CurrencyCode, loan.TotalInstallments,
			loan.TotalPrincipalPaid, loan.TotalInterestPaid, loan.Status,
			loan.DisbursementAccount.Kind, loan.DisbursementAccount.ID, loan.DisbursementDate,
			loan.StartDate, loan.MaturityDate, loan.CreatedBy, loan.Metadata, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert loan: %w", err)
		}

		if _, err := s.transactions.CreateDisbursementTx(tx, in.DisbursementAccount, in.PrincipalAmount,
			fmt.Sprintf("loan %s disbursement", loan.ID), actor); err != nil {
			return err
		}

		for _, sched := range in.Schedule {
			total := sched.PrincipalAmount.Add(sched.InterestAmount)
			installmentID := uuid.NewString()
			dueDate := sched.DueDate

			req, err := s.requests.CreateApprovedTx(tx, CreatePaymentRequestInput{
				RequestedAmount:   total,
				CurrencyCode:      in.CurrencyCode,
				SourceType:        "LOAN_INSTALLMENT",
				SourceID:          installmentID,
				SourceNumber:      fmt.Sprintf("%s/%d", loan.ID, sched.InstallmentNumber),
				SourceDescription: fmt.Sprintf("installment %d of loan from %s", sched.InstallmentNumber, institution.Name),
				TargetType:        "INSTITUTION",
				TargetID:          institution.ID,
				TargetName:        institution.Name,
				TargetContact:     institution.Contact,
				DueDate:           &dueDate,
			}, actor)
			if err != nil {
				return err
			}

			_, err = tx.Exec(`
				INSERT INTO loan_installments
					(id, loan_id, installment_number, due_date, principal_amount, interest_amount,
					total_amount, paid_amount, remaining_amount, status, payment_request_id, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				installmentID, loan.ID, sched.InstallmentNumber, sched.DueDate,
				sched.PrincipalAmount, sched.InterestAmount, total, decimal.Zero, total,
				models.InstallmentStatusRequestCreated, req.ID, now, now)
			if err != nil {
				return fmt.Errorf("failed to insert installment %d: %w", sched.InstallmentNumber, err)
			}
		}
		return nil
	})
	if err != nil {
		s.idem.Release(ctx, "loan", in.ResubmissionKey)
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"loan":         loan.ID,
		"institution":  loan.InstitutionName,
		"principal":    loan.PrincipalAmount.String(),
		"installments": loan.TotalInstallments,
	}).Info("loan created and disbursed")
	return loan, nil
}

type InstallmentPaymentInput struct {
	Amount          decimal.Decimal   `json:"amount"`
	Account         models.AccountRef `json:"account" validate:"required"`
	PaymentDate     time.Time         `json:"payment_date"`
	ResubmissionKey string            `json:"resubmission_key,omitempty"`
}

// ProcessInstallmentPayment settles part or all of an installment through
// its linked payment request, then splits the paid amount into principal
// and interest portions using the installment's own ratio, rounded half-up
// to two decimals from an eight-decimal intermediate.
func (s *LoanService) ProcessInstallmentPayment(ctx context.Context, installmentID string, in InstallmentPaymentInput, actor models.Actor) (*models.LoanInstallment, error) {
	if !in.Amount.IsPositive() {
		return nil, errs.Validation("payment amount must be positive, got %s", in.Amount)
	}

	if err := s.idem.Reserve(ctx, "installment_payment", in.ResubmissionKey); err != nil {
		return nil, err
	}

	var installment *models.LoanInstallment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		installment, err = s.lockInstallment(tx, installmentID)
		if err != nil {
			return err
		}
		if installment.Status == models.InstallmentStatusPaid {
			return errs.StateConflict("installment %s is already PAID", installmentID)
		}

		if _, _, err := s.requests.ProcessPaymentTx(tx, installment.PaymentRequestID, ProcessPaymentInput{
			Amount:      in.Amount,
			Account:     in.Account,
			PaymentDate: in.PaymentDate,
		}, actor); err != nil {
			return err
		}

		now := time.Now()
		installment.PaidAmount = installment.PaidAmount.Add(in.Amount)
		installment.RemainingAmount = installment.TotalAmount.Sub(installment.PaidAmount)
		if installment.RemainingAmount.IsNegative() {
			installment.RemainingAmount = decimal.Zero
		}
		if installment.PaidAmount.GreaterThanOrEqual(installment.TotalAmount) {
			installment.Status = models.InstallmentStatusPaid
		} else {
			installment.Status = models.InstallmentStatusPartiallyPaid
		}
		installment.UpdatedAt = now

		_, err = tx.Exec(`
			UPDATE loan_installments
			SET paid_amount = $1, remaining_amount = $2, status = $3, updated_at = $4
			WHERE id = $5`,
			installment.PaidAmount, installment.RemainingAmount, installment.Status, now, installmentID)
		if err != nil {
			return fmt.Errorf("failed to update installment %s: %w", installmentID, err)
		}

		principalPortion, interestPortion := splitPayment(in.Amount, installment.PrincipalAmount, installment.InterestAmount, installment.TotalAmount)
		return s.applyToLoan(tx, installment.LoanID, principalPortion, interestPortion, actor)
	})
	if err != nil {
		s.idem.Release(ctx, "installment_payment", in.ResubmissionKey)
		return nil, err
	}
	return installment, nil
}

// splitPayment attributes a paid amount to principal and interest in
// proportion to the installment's composition.
func splitPayment(paid, principal, interest, total decimal.Decimal) (principalPortion, interestPortion decimal.Decimal) {
	if total.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	principalRatio := principal.DivRound(total, ratioPrecision)
	interestRatio := interest.DivRound(total, ratioPrecision)
	principalPortion = paid.Mul(principalRatio).Round(2)
	interestPortion = paid.Mul(interestRatio).Round(2)
	return principalPortion, interestPortion
}

func (s *LoanService) applyToLoan(tx *sql.Tx, loanID string, principalPortion, interestPortion decimal.Decimal, actor models.Actor) error {
	var (
		remaining      decimal.Decimal
		totalPrincipal decimal.Decimal
		totalInterest  decimal.Decimal
		status         models.LoanStatus
	)
	err := tx.QueryRow(`
		SELECT remaining_principal, total_principal_paid, total_interest_paid, status
		FROM company_loans WHERE id = $1 FOR UPDATE`, loanID).
		Scan(&remaining, &totalPrincipal, &totalInterest, &status)
	if err == sql.ErrNoRows {
		return errs.NotFound("loan %s not found", loanID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock loan %s: %w", loanID, err)
	}

	totalPrincipal = totalPrincipal.Add(principalPortion)
	totalInterest = totalInterest.Add(interestPortion)
	remaining = remaining.Sub(principalPortion)

	newStatus := status
	if remaining.LessThanOrEqual(decimal.Zero) && status == models.LoanStatusActive {
		newStatus = models.LoanStatusCompleted
	}

	_, err = tx.Exec(`
		UPDATE company_loans
		SET remaining_principal = $1, total_principal_paid = $2, total_interest_paid = $3,
			status = $4, updated_at = $5
		WHERE id = $6`,
		remaining, totalPrincipal, totalInterest, newStatus, time.Now(), loanID)
	if err != nil {
		return fmt.Errorf("failed to update loan %s: %w", loanID, err)
	}

	if newStatus != status {
		s.audit.StatusChanged("loan", loanID, string(status), string(newStatus), actor.ID)
		s.metrics.LoanCompleted()
	}
	return nil
}

// GetLoan loads a loan with its installments, ordered by installment number.
func (s *LoanService) GetLoan(ctx context.Context, id string) (*models.CompanyLoan, []models.LoanInstallment, error) {
	row := s.db.QueryRowContext(ctx, selectLoan+" WHERE id = $1", id)
	loan, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, nil, errs.NotFound("loan %s not found", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load loan %s: %w", id, err)
	}

	installments, err := s.listInstallments(ctx, " WHERE loan_id = $1 ORDER BY installment_number", id)
	if err != nil {
		return nil, nil, err
	}
	return loan, installments, nil
}

// PaymentProgress returns how much of the principal has been repaid, as a
// percentage rounded to two decimals.
func (s *LoanService) PaymentProgress(ctx context.Context, id string) (decimal.Decimal, error) {
	loan, _, err := s.GetLoan(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if loan.PrincipalAmount.IsZero() {
		return decimal.Zero, nil
	}
	return loan.TotalPrincipalPaid.DivRound(loan.PrincipalAmount, ratioPrecision).
		Mul(decimal.NewFromInt(100)).Round(2), nil
}

// NextInstallment returns the earliest not-fully-paid installment by due
// date, or NotFound when everything is settled.
func (s *LoanService) NextInstallment(ctx context.Context, loanID string) (*models.LoanInstallment, error) {
	row := s.db.QueryRowContext(ctx,
		selectInstallment+" WHERE loan_id = $1 AND status != $2 ORDER BY due_date LIMIT 1",
		loanID, models.InstallmentStatusPaid)
	installment, err := scanInstallment(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("loan %s has no unpaid installments", loanID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find next installment of %s: %w", loanID, err)
	}
	return installment, nil
}

// OverdueInstallments returns installments past due that have received no
// payment at all.
func (s *LoanService) OverdueInstallments(ctx context.Context, now time.Time) ([]models.LoanInstallment, error) {
	return s.listInstallments(ctx,
		" WHERE status NOT IN ($1, $2) AND due_date < $3 ORDER BY due_date",
		models.InstallmentStatusPaid, models.InstallmentStatusPartiallyPaid, now)
}

// MarkDefaulted flags ACTIVE loans carrying an installment fully unpaid for
// longer than graceDays past its due date. Returns the ids of loans
// defaulted by this sweep.
func (s *LoanService) MarkDefaulted(ctx context.Context, graceDays int, now time.Time) ([]string, error) {
	cutoff := now.AddDate(0, 0, -graceDays)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE company_loans SET status = $1, updated_at = $2
		WHERE status = $3 AND id IN (
			SELECT DISTINCT loan_id FROM loan_installments
			WHERE status NOT IN ($4, $5) AND due_date < $6
		)
		RETURNING id`,
		models.LoanStatusDefaulted, now, models.LoanStatusActive,
		models.InstallmentStatusPaid, models.InstallmentStatusPartiallyPaid, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to mark defaulted loans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		s.audit.StatusChanged("loan", id, string(models.LoanStatusActive), string(models.LoanStatusDefaulted), "overdue-sweep")
		s.metrics.LoanDefaulted()
		s.log.WithField("loan", id).Warn("loan marked defaulted")
	}
	return ids, nil
}

func (s *LoanService) getInstitution(ctx context.Context, id string) (*models.Institution, error) {
	var inst models.Institution
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, contact, is_active FROM institutions WHERE id = $1", id).
		Scan(&inst.ID, &inst.Name, &inst.Contact, &inst.IsActive)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("institution %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load institution %s: %w", id, err)
	}
	return &inst, nil
}

const selectLoan = `
	SELECT id, institution_id, institution_name, principal_amount, remaining_principal,
		interest_rate, interest_type, currency_code, total_installments,
		total_principal_paid, total_interest_paid, status,
		disbursement_kind, disbursement_id, disbursement_date,
		start_date, maturity_date, created_by, metadata, created_at, updated_at
	FROM company_loans`

func scanLoan(row rowScanner) (*models.CompanyLoan, error) {
	var loan models.CompanyLoan
	err := row.Scan(&loan.ID, &loan.InstitutionID, &loan.InstitutionName,
		&loan.PrincipalAmount, &loan.RemainingPrincipal,
		&loan.InterestRate, &loan.InterestType, &loan.CurrencyCode, &loan.TotalInstallments,
		&loan.TotalPrincipalPaid, &loan.TotalInterestPaid, &loan.Status,
		&loan.DisbursementAccount.Kind, &loan.DisbursementAccount.ID, &loan.DisbursementDate,
		&loan.StartDate, &loan.MaturityDate, &loan.CreatedBy, &loan.Metadata,
		&loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

const selectInstallment = `
	SELECT id, loan_id, installment_number, due_date, principal_amount, interest_amount,
		total_amount, paid_amount, remaining_amount, status, payment_request_id, created_at, updated_at
	FROM loan_installments`

func scanInstallment(row rowScanner) (*models.LoanInstallment, error) {
	var inst models.LoanInstallment
	err := row.Scan(&inst.ID, &inst.LoanID, &inst.InstallmentNumber, &inst.DueDate,
		&inst.PrincipalAmount, &inst.InterestAmount, &inst.TotalAmount,
		&inst.PaidAmount, &inst.RemainingAmount, &inst.Status, &inst.PaymentRequestID,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *LoanService) lockInstallment(tx *sql.Tx, id string) (*models.LoanInstallment, error) {
	row := tx.QueryRow(selectInstallment+" WHERE id = $1 FOR UPDATE", id)
	installment, err := scanInstallment(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("installment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock installment %s: %w", id, err)
	}
	return installment, nil
}

func (s *LoanService) listInstallments(ctx context.Context, clause string, args ...any) ([]models.LoanInstallment, error) {
	rows, err := s.db.QueryContext(ctx, selectInstallment+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list installments: %w", err)
	}
	defer rows.Close()

	var out []models.LoanInstallment
	for rows.Next() {
		installment, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *installment)
	}
	return out, rows.Err()
}

func (s *LoanService) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type InterestType string

const (
	InterestTypeFlat     InterestType = "FLAT"
	InterestTypeReducing InterestType = "REDUCING"
)

type LoanStatus string

const (
	LoanStatusActive    LoanStatus = "ACTIVE"
	LoanStatusCompleted LoanStatus = "COMPLETED"
	LoanStatusDefaulted LoanStatus = "DEFAULTED"
)

// CompanyLoan is borrowed principal disbursed into an account and repaid
// through scheduled installments, each settled via its own PaymentRequest.
type CompanyLoan struct {
	ID                 string          `json:"id" db:"id"`
	InstitutionID      string          `json:"institution_id" db:"institution_id"`
	InstitutionName    string          `json:"institution_name" db:"institution_name"`
	PrincipalAmount    decimal.Decimal `json:"principal_amount" db:"principal_amount"`
	RemainingPrincipal decimal.Decimal `json:"remaining_principal" db:"remaining_principal"`
	InterestRate       decimal.Decimal `json:"interest_rate" db:"interest_rate"`
	InterestType       InterestType    `json:"interest_type" db:"interest_type"`
	CurrencyCode       string          `json:"currency_code" db:"currency_code"`
	TotalInstallments  int             `json:"total_installments" db:"total_installments"`
	TotalPrincipalPaid decimal.Decimal `json:"total_principal_paid" db:"total_principal_paid"`
	TotalInterestPaid  decimal.Decimal `json:"total_interest_paid" db:"total_interest_paid"`
	Status             LoanStatus      `json:"status" db:"status"`
	DisbursementAccount AccountRef     `json:"disbursement_account"`
	DisbursementDate   time.Time       `json:"disbursement_date" db:"disbursement_date"`
	StartDate          time.Time       `json:"start_date" db:"start_date"`
	MaturityDate       time.Time       `json:"maturity_date" db:"maturity_date"`
	CreatedBy          string          `json:"created_by" db:"created_by"`
	Metadata           string          `json:"metadata,omitempty" db:"metadata"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

type InstallmentStatus string

const (
	InstallmentStatusPending        InstallmentStatus = "PENDING"
	InstallmentStatusRequestCreated InstallmentStatus = "PAYMENT_REQUEST_CREATED"
	InstallmentStatusPartiallyPaid  InstallmentStatus = "PARTIALLY_PAID"
	InstallmentStatusPaid           InstallmentStatus = "PAID"
)

// LoanInstallment is one repayment slice. TotalAmount is always
// PrincipalAmount + InterestAmount. Mutated only by installment-payment
// processing; never deleted.
type LoanInstallment struct {
	ID               string            `json:"id" db:"id"`
	LoanID           string            `json:"loan_id" db:"loan_id"`
	InstallmentNumber int              `json:"installment_number" db:"installment_number"`
	DueDate          time.Time         `json:"due_date" db:"due_date"`
	PrincipalAmount  decimal.Decimal   `json:"principal_amount" db:"principal_amount"`
	InterestAmount   decimal.Decimal   `json:"interest_amount" db:"interest_amount"`
	TotalAmount      decimal.Decimal   `json:"total_amount" db:"total_amount"`
	PaidAmount       decimal.Decimal   `json:"paid_amount" db:"paid_amount"`
	RemainingAmount  decimal.Decimal   `json:"remaining_amount" db:"remaining_amount"`
	Status           InstallmentStatus `json:"status" db:"status"`
	PaymentRequestID string            `json:"payment_request_id,omitempty" db:"payment_request_id"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// Institution is a lending counterparty. Loans can only be opened against
// an active institution.
type Institution struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Contact  string `json:"contact,omitempty" db:"contact"`
	IsActive bool   `json:"is_active" db:"is_active"`
}

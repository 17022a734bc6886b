package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentRequestStatus string

const (
	PaymentRequestStatusPending       PaymentRequestStatus = "PENDING"
	PaymentRequestStatusApproved      PaymentRequestStatus = "APPROVED"
	PaymentRequestStatusRejected      PaymentRequestStatus = "REJECTED"
	PaymentRequestStatusPartiallyPaid PaymentRequestStatus = "PARTIALLY_PAID"
	PaymentRequestStatusPaid          PaymentRequestStatus = "PAID"
)

// PaymentRequest is an obligation to pay a target party, settled
// incrementally through Payments. RemainingAmount is always
// RequestedAmount - TotalPaidAmount and never goes negative.
//
// Source and target descriptors are opaque to the engine: originating
// workflows (procurement, maintenance, payroll, loans) fill them and
// dashboards read them back; the engine never branches on their content.
type PaymentRequest struct {
	ID              string               `json:"id" db:"id"`
	RequestedAmount decimal.Decimal      `json:"requested_amount" db:"requested_amount"`
	TotalPaidAmount decimal.Decimal      `json:"total_paid_amount" db:"total_paid_amount"`
	RemainingAmount decimal.Decimal      `json:"remaining_amount" db:"remaining_amount"`
	CurrencyCode    string               `json:"currency_code" db:"currency_code"`
	Status          PaymentRequestStatus `json:"status" db:"status"`

	SourceType        string `json:"source_type" db:"source_type"`
	SourceID          string `json:"source_id" db:"source_id"`
	SourceNumber      string `json:"source_number" db:"source_number"`
	SourceDescription string `json:"source_description" db:"source_description"`

	TargetType    string `json:"target_type" db:"target_type"` // merchant / institution / employee
	TargetID      string `json:"target_id" db:"target_id"`
	TargetName    string `json:"target_name" db:"target_name"`
	TargetContact string `json:"target_contact,omitempty" db:"target_contact"`

	RequestingDepartment string `json:"requesting_department,omitempty" db:"requesting_department"`

	DueDate   *time.Time `json:"due_date,omitempty" db:"due_date"`
	CreatedBy string     `json:"created_by" db:"created_by"`
	Metadata  string     `json:"metadata,omitempty" db:"metadata"`

	LineItems []PaymentLineItem `json:"line_items,omitempty"`
	Payments  []Payment         `json:"payments,omitempty"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// PaymentLineItem mirrors the aggregate paid/remaining tracking per line.
// Which line absorbs a given payment is the caller's choice.
type PaymentLineItem struct {
	ID              string          `json:"id" db:"id"`
	RequestID       string          `json:"request_id" db:"request_id"`
	Position        int             `json:"position" db:"position"`
	Description     string          `json:"description" db:"description"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	PaidAmount      decimal.Decimal `json:"paid_amount" db:"paid_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount" db:"remaining_amount"`
}

type PaymentStatus string

const PaymentStatusCompleted PaymentStatus = "COMPLETED"

// Payment is immutable once created: it has already debited the paying
// account and been added to its request's paid total.
type Payment struct {
	ID            string          `json:"id" db:"id"`
	RequestID     string          `json:"request_id" db:"request_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Account       AccountRef      `json:"account"`
	PaymentDate   time.Time       `json:"payment_date" db:"payment_date"`
	ProcessedBy   string          `json:"processed_by" db:"processed_by"`
	Status        PaymentStatus   `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// PaymentStatusHistory is the append-only transition log of a request.
type PaymentStatusHistory struct {
	ID         string               `json:"id" db:"id"`
	RequestID  string               `json:"request_id" db:"request_id"`
	FromStatus PaymentRequestStatus `json:"from_status" db:"from_status"`
	ToStatus   PaymentRequestStatus `json:"to_status" db:"to_status"`
	ActorID    string               `json:"actor_id" db:"actor_id"`
	Note       string               `json:"note,omitempty" db:"note"`
	CreatedAt  time.Time            `json:"created_at" db:"created_at"`
}

package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opscentral/backend/internal/models"
	"github.com/opscentral/backend/internal/services"
)

type LoanHandler struct {
	service   *services.LoanService
	validator *services.ValidationHelper
}

func NewLoanHandler(service *services.LoanService) *LoanHandler {
	return &LoanHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// Create opens a loan with its schedule
// @Summary Create company loan
// @Description Persist the loan, disburse principal, and pre-approve one payment request per installment
// @Tags loans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param loan body services.CreateLoanInput true "Loan"
// @Success 201 {object} models.CompanyLoan
// @Failure 400 {object} services.ErrorResponse
// @Router /loans [post]
func (h *LoanHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var in services.CreateLoanInput
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&in); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	loan, err := h.service.CreateLoan(r.Context(), in, actor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

type loanResponse struct {
	Loan         *models.CompanyLoan      `json:"loan"`
	Installments []models.LoanInstallment `json:"installments"`
}

// Get returns a loan with its installments
// @Summary Get loan
// @Tags loans
// @Produce json
// @Security BearerAuth
// @Param loanId path string true "Loan ID"
// @Success 200 {object} handlers.loanResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /loans/{loanId} [get]
func (h *LoanHandler) Get(w http.ResponseWriter, r *http.Request) {
	loan, installments, err := h.service.GetLoan(r.Context(), chi.URLParam(r, "loanId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanResponse{Loan: loan, Installments: installments})
}

// PayInstallment settles part or all of an installment
// @Summary Pay installment
// @Tags loans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param installmentId path string true "Installment ID"
// @Param payment body services.InstallmentPaymentInput true "Payment"
// @Success 200 {object} models.LoanInstallment
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /installments/{installmentId}/payments [post]
func (h *LoanHandler) PayInstallment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var in services.InstallmentPaymentInput
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&in); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	installment, err := h.service.ProcessInstallmentPayment(r.Context(), chi.URLParam(r, "installmentId"), in, actor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installment)
}

// Progress returns the repayment progress percentage
// @Summary Loan progress
// @Tags loans
// @Produce json
// @Security BearerAuth
// @Param loanId path string true "Loan ID"
// @Success 200 {object} object{progressPercentage=string}
// @Router /loans/{loanId}/progress [get]
func (h *LoanHandler) Progress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.service.PaymentProgress(r.Context(), chi.URLParam(r, "loanId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"progressPercentage": progress.String()})
}

// NextInstallment returns the next unpaid installment
// @Summary Next installment
// @Tags loans
// @Produce json
// @Security BearerAuth
// @Param loanId path string true "Loan ID"
// @Success 200 {object} models.LoanInstallment
// @Failure 404 {object} services.ErrorResponse
// @Router /loans/{loanId}/next-installment [get]
func (h *LoanHandler) NextInstallment(w http.ResponseWriter, r *http.Request) {
	installment, err := h.service.NextInstallment(r.Context(), chi.URLParam(r, "loanId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installment)
}

// OverdueInstallments lists installments past due with no payment
// @Summary Overdue installments
// @Tags loans
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.LoanInstallment
// @Router /installments/overdue [get]
func (h *LoanHandler) OverdueInstallments(w http.ResponseWriter, r *http.Request) {
	installments, err := h.service.OverdueInstallments(r.Context(), time.Now())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installments)
}

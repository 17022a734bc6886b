package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opscentral/backend/internal/models"
	"github.com/opscentral/backend/internal/services"
)

type PaymentRequestHandler struct {
	service   *services.PaymentRequestService
	vouchers  *services.VoucherService
	iso       *services.ISO20022Service
	validator *services.ValidationHelper
}

func NewPaymentRequestHandler(service *services.PaymentRequestService, vouchers *services.VoucherService, iso *services.ISO20022Service) *PaymentRequestHandler {
	return &PaymentRequestHandler{
		service:   service,
		vouchers:  vouchers,
		iso:       iso,
		validator: services.NewValidationHelper(),
	}
}

// Create opens a payment request
// @Summary Create payment request
// @Tags payment-requests
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.CreatePaymentRequestInput true "Payment request"
// @Success 201 {object} models.PaymentRequest
// @Failure 400 {object} services.ErrorResponse
// @Router /payment-requests [post]
func (h *PaymentRequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var in services.CreatePaymentRequestInput
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

	req, err := h.service.Create(r.Context(), in, actor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// Approve marks a pending request ready to pay
// @Summary Approve payment request
// @Tags payment-requests
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Success 200 {object} models.PaymentRequest
// @Failure 409 {object} services.ErrorResponse
// @Router /payment-requests/{requestId}/approve [post]
func (h *PaymentRequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	req, err := h.service.Approve(r.Context(), chi.URLParam(r, "requestId"), actor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Reject terminally rejects a pending request
// @Summary Reject payment request
// @Tags payment-requests
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Param body body object{reason=string} true "Rejection reason"
// @Success 200 {object} models.PaymentRequest
// @Failure 409 {object} services.ErrorResponse
// @Router /payment-requests/{requestId}/reject [post]
func (h *PaymentRequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&body); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	req, err := h.service.Reject(r.Context(), chi.URLParam(r, "requestId"), actor, body.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ProcessPayment records a payment against a request
// @Summary Process payment
// @Description Debit the paying account and record a payment against the request
// @Tags payment-requests
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Param payment body services.ProcessPaymentInput true "Payment"
// @Success 201 {object} models.Payment
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /payment-requests/{requestId}/payments [post]
func (h *PaymentRequestHandler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var in services.ProcessPaymentInput
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

	payment, err := h.service.ProcessPayment(r.Context(), chi.URLParam(r, "requestId"), in, actor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

// Get returns one request with line items and payments
// @Summary Get payment request
// @Tags payment-requests
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Success 200 {object} models.PaymentRequest
// @Failure 404 {object} services.ErrorResponse
// @Router /payment-requests/{requestId} [get]
func (h *PaymentRequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.Get(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// History returns the status transition log
// @Summary Payment request history
// @Tags payment-requests
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Success 200 {array} models.PaymentStatusHistory
// @Router /payment-requests/{requestId}/history [get]
func (h *PaymentRequestHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.History(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// List filters the request book for dashboards
// @Summary List payment requests
// @Description Filter by status, target, due-date range, ready-to-pay or overdue
// @Tags payment-requests
// @Produce json
// @Security BearerAuth
// @Param view query string false "ready|overdue"
// @Param status query string false "Status filter"
// @Param target_type query string false "Target type, with target_id"
// @Param target_id query string false "Target id"
// @Param due_from query string false "Due range start (RFC3339)"
// @Param due_to query string false "Due range end (RFC3339)"
// @Success 200 {array} models.PaymentRequest
// @Router /payment-requests [get]
func (h *PaymentRequestHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		reqs []*models.PaymentRequest
		err  error
	)
	switch {
	case q.Get("view") == "ready":
		reqs, err = h.service.ListReadyToPay(r.Context())
	case q.Get("view") == "overdue":
		reqs, err = h.service.ListOverdue(r.Context(), time.Now())
	case q.Get("target_type") != "" && q.Get("target_id") != "":
		reqs, err = h.service.ListByTarget(r.Context(), q.Get("target_type"), q.Get("target_id"))
	case q.Get("due_from") != "" && q.Get("due_to") != "":
		from, fromErr := time.Parse(time.RFC3339, q.Get("due_from"))
		to, toErr := time.Parse(time.RFC3339, q.Get("due_to"))
		if fromErr != nil || toErr != nil {
			services.SendErrorResponse(w, "Invalid due date range", http.StatusBadRequest, nil)
			return
		}
		reqs, err = h.service.ListDueBetween(r.Context(), from, to)
	default:
		status := models.PaymentRequestStatus(q.Get("status"))
		if status == "" {
			status = models.PaymentRequestStatusPending
		}
		reqs, err = h.service.ListByStatus(r.Context(), status)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// Delete soft-deletes a request
// @Summary Delete payment request
// @Tags payment-requests
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Success 204
// @Failure 404 {object} services.ErrorResponse
// @Router /payment-requests/{requestId} [delete]
func (h *PaymentRequestHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	if err := h.service.SoftDelete(r.Context(), chi.URLParam(r, "requestId"), actor); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GenerateVoucher issues a QR settlement voucher
// @Summary Generate settlement voucher
// @Tags payment-requests
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Success 200 {object} object{voucher=string,qrImage=string}
// @Failure 409 {object} services.ErrorResponse
// @Router /payment-requests/{requestId}/voucher [post]
func (h *PaymentRequestHandler) GenerateVoucher(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}

	code, image, err := h.vouchers.Generate(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"voucher": code, "qrImage": image})
}

// RedeemVoucher resolves and consumes a voucher
// @Summary Redeem settlement voucher
// @Tags payment-requests
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body object{voucher=string} true "Voucher code"
// @Success 200 {object} services.VoucherPayload
// @Failure 404 {object} services.ErrorResponse
// @Router /vouchers/redeem [post]
func (h *PaymentRequestHandler) RedeemVoucher(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}

	var body struct {
		Voucher string `json:"voucher" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&body); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	payload, err := h.vouchers.Redeem(r.Context(), body.Voucher)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ExportPayment renders a settled bank payment as pacs.008 XML
// @Summary Export payment as ISO 20022
// @Tags payment-requests
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} object{messageType=string,xml=string}
// @Failure 400 {object} services.ErrorResponse
// @Router /payments/{paymentId}/iso20022 [get]
func (h *PaymentRequestHandler) ExportPayment(w http.ResponseWriter, r *http.Request) {
	xmlData, err := h.iso.ExportPayment(r.Context(), chi.URLParam(r, "paymentId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"messageType": "pacs.008.001.08",
		"xml":         xmlData,
	})
}

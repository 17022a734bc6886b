package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/opscentral/backend/internal/errs"
	"github.com/opscentral/backend/internal/models"
)

// VoucherService issues short-lived QR settlement vouchers for payable
// requests. A finance operator scans the voucher at the safe or bank desk
// instead of retyping the request reference; redeeming a voucher consumes
// it.
type VoucherService struct {
	redis    *redis.Client
	requests *PaymentRequestService
	ttl      time.Duration
}

func NewVoucherService(rdb *redis.Client, requests *PaymentRequestService, ttl time.Duration) *VoucherService {
	return &VoucherService{redis: rdb, requests: requests, ttl: ttl}
}

// VoucherPayload is what the QR code encodes, keyed in redis until it
// expires or is redeemed.
type VoucherPayload struct {
	RequestID       string `json:"requestId"`
	RemainingAmount string `json:"remainingAmount"`
	CurrencyCode    string `json:"currencyCode"`
	TargetName      string `json:"targetName"`
	Nonce           string `json:"nonce"`
	IssuedAt        int64  `json:"issuedAt"`
}

// Generate issues a voucher for a request that is ready to pay. Returns the
// voucher code and a base64 PNG of its QR rendering.
func (s *VoucherService) Generate(ctx context.Context, requestID string) (string, string, error) {
	if s.redis == nil {
		return "", "", fmt.Errorf("voucher service requires redis")
	}

	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return "", "", err
	}
	ready := req.Status == models.PaymentRequestStatusApproved ||
		(req.Status == models.PaymentRequestStatusPartiallyPaid && req.RemainingAmount.IsPositive())
	if !ready {
		return "", "", errs.StateConflict("payment request %s is %s, vouchers need a payable request", requestID, req.Status)
	}

	payload := VoucherPayload{
		RequestID:       req.ID,
		RemainingAmount: req.RemainingAmount.String(),
		CurrencyCode:    req.CurrencyCode,
		TargetName:      req.TargetName,
		Nonce:           s.generateNonce(),
		IssuedAt:        time.Now().Unix(),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)
	key := fmt.Sprintf("voucher:%s", code)
	if err := s.redis.Set(ctx, key, jsonData, s.ttl).Err(); err != nil {
		return "", "", fmt.Errorf("failed to store voucher: %w", err)
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Redeem resolves a voucher code back to its payload and invalidates it.
func (s *VoucherService) Redeem(ctx context.Context, code string) (*VoucherPayload, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("voucher service requires redis")
	}

	key := fmt.Sprintf("voucher:%s", code)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, errs.NotFound("invalid or expired voucher")
	}
	if err != nil {
		return nil, err
	}

	var payload VoucherPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (s *VoucherService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}

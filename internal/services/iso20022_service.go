package services

import (
	"context"
	"database/sql"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"

	"github.com/opscentral/backend/internal/errs"
	"github.com/opscentral/backend/internal/models"
)

// ISO20022Service renders settled bank-account payments as pacs.008 credit
// transfer messages for submission to the paying bank.
type ISO20022Service struct {
	db  *sql.DB
	bic string
}

func NewISO20022Service(db *sql.DB, bic string) *ISO20022Service {
	if bic == "" {
		bic = "OPSCNTRL"
	}
	return &ISO20022Service{db: db, bic: bic}
}

// ExportPayment builds and serializes a pacs.008 message for a completed
// payment. Only payments made from a bank account can be exported; cash
// movements have no interbank leg.
func (s *ISO20022Service) ExportPayment(ctx context.Context, paymentID string) (string, error) {
	payment, req, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if payment.Account.Kind != models.AccountKindBank {
		return "", errs.Validation("payment %s was made from a %s account, only bank payments export", paymentID, payment.Account.Kind)
	}

	doc, err := s.createPacs008(payment, req)
	if err != nil {
		return "", err
	}
	return s.convertToXML(doc)
}

func (s *ISO20022Service) createPacs008(payment *models.Payment, req *models.PaymentRequest) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgId := uuid.New().String()
	creDtTm := time.Now()
	settlementDate := payment.PaymentDate

	amount, _ := payment.Amount.Float64()

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(req.CurrencyCode),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(payment.ID)}[0],
					EndToEndId: common.Max35Text(payment.RequestID),
					TxId:       &[]common.Max35Text{common.Max35Text(payment.ID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(req.CurrencyCode),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(s.bic)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(payment.Account.ID)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(req.TargetID),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(req.TargetName)}[0],
				},
			},
		},
	}

	return doc, nil
}

func (s *ISO20022Service) convertToXML(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

func (s *ISO20022Service) loadPayment(ctx context.Context, paymentID string) (*models.Payment, *models.PaymentRequest, error) {
	var (
		payment models.Payment
		req     models.PaymentRequest
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.request_id, p.amount, p.account_kind, p.account_id, p.payment_date,
			p.processed_by, p.status,
			r.currency_code, r.target_id, r.target_name
		FROM payments p
		JOIN payment_requests r ON r.id = p.request_id
		WHERE p.id = $1`, paymentID).
		Scan(&payment.ID, &payment.RequestID, &payment.Amount, &payment.Account.Kind,
			&payment.Account.ID, &payment.PaymentDate, &payment.ProcessedBy, &payment.Status,
			&req.CurrencyCode, &req.TargetID, &req.TargetName)
	if err == sql.ErrNoRows {
		return nil, nil, errs.NotFound("payment %s not found", paymentID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load payment %s: %w", paymentID, err)
	}
	return &payment, &req, nil
}

// Package audit records every balance mutation and lifecycle transition as
// a structured event, so money movement can be reconstructed from logs.
package audit

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Logger struct {
	log *logrus.Logger
}

func NewLogger(log *logrus.Logger) *Logger {
	return &Logger{log: log}
}

func (a *Logger) TransactionApplied(txID, txType, source, destination string, amount decimal.Decimal, actorID string) {
	a.log.WithFields(logrus.Fields{
		"event":       "TRANSACTION_APPLIED",
		"transaction": txID,
		"type":        txType,
		"source":      source,
		"destination": destination,
		"amount":      amount.String(),
		"actor":       actorID,
	}).Info("audit")
}

func (a *Logger) TransactionRejected(txID, reason, actorID string) {
	a.log.WithFields(logrus.Fields{
		"event":       "TRANSACTION_REJECTED",
		"transaction": txID,
		"reason":      reason,
		"actor":       actorID,
	}).Info("audit")
}

func (a *Logger) PaymentProcessed(requestID, paymentID, account string, amount decimal.Decimal, actorID string) {
	a.log.WithFields(logrus.Fields{
		"event":   "PAYMENT_PROCESSED",
		"request": requestID,
		"payment": paymentID,
		"account": account,
		"amount":  amount.String(),
		"actor":   actorID,
	}).Info("audit")
}

func (a *Logger) StatusChanged(entity, id, from, to, actorID string) {
	a.log.WithFields(logrus.Fields{
		"event":  "STATUS_CHANGED",
		"entity": entity,
		"id":     id,
		"from":   from,
		"to":     to,
		"actor":  actorID,
	}).Info("audit")
}

// Package jobs runs the scheduled maintenance the synchronous engine does
// not do itself: refreshing overdue gauges and defaulting loans whose
// installments have gone unpaid past the grace period.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/opscentral/backend/internal/metrics"
	"github.com/opscentral/backend/internal/services"
)

type OverdueSweep struct {
	requests  *services.PaymentRequestService
	loans     *services.LoanService
	metrics   *metrics.Collector
	log       *logrus.Logger
	graceDays int
}

func NewOverdueSweep(requests *services.PaymentRequestService, loans *services.LoanService, collector *metrics.Collector, log *logrus.Logger, graceDays int) *OverdueSweep {
	return &OverdueSweep{
		requests:  requests,
		loans:     loans,
		metrics:   collector,
		log:       log,
		graceDays: graceDays,
	}
}

// Schedule registers the sweep on the given cron runner.
func (s *OverdueSweep) Schedule(c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, s.Run)
	return err
}

// Run executes one sweep. Errors are logged, never fatal: the next tick
// retries from current state.
func (s *OverdueSweep) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	now := time.Now()

	overdueRequests, err := s.requests.ListOverdue(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("overdue sweep: listing payment requests failed")
	} else {
		s.metrics.SetOverdueRequests(len(overdueRequests))
		for _, req := range overdueRequests {
			s.log.WithFields(logrus.Fields{
				"request":   req.ID,
				"target":    req.TargetName,
				"remaining": req.RemainingAmount.String(),
				"due_date":  req.DueDate,
			}).Warn("payment request overdue")
		}
	}

	overdueInstallments, err := s.loans.OverdueInstallments(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("overdue sweep: listing installments failed")
	} else {
		s.metrics.SetOverdueInstallments(len(overdueInstallments))
	}

	defaulted, err := s.loans.MarkDefaulted(ctx, s.graceDays, now)
	if err != nil {
		s.log.WithError(err).Error("overdue sweep: defaulting loans failed")
	} else if len(defaulted) > 0 {
		s.log.WithField("loans", defaulted).Warn("loans defaulted by sweep")
	}
}

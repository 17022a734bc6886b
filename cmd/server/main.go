package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/opscentral/backend/docs"
	"github.com/opscentral/backend/internal/audit"
	"github.com/opscentral/backend/internal/config"
	"github.com/opscentral/backend/internal/database"
	"github.com/opscentral/backend/internal/handlers"
	"github.com/opscentral/backend/internal/jobs"
	"github.com/opscentral/backend/internal/ledger"
	"github.com/opscentral/backend/internal/metrics"
	mW "github.com/opscentral/backend/internal/middleware"
	"github.com/opscentral/backend/internal/services"
)

// @title Operations Settlement Engine API
// @version 1.0
// @description Ledger, payment settlement and loan amortization backend
// @host localhost:8080
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg := config.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	docs.SwaggerInfo.Host = "localhost:" + cfg.ServerPort

	db, err := database.InitDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	collector := metrics.NewCollector()
	auditLog := audit.NewLogger(logger)
	accountLedger := ledger.New(db)
	idem := services.NewIdempotencyGuard(redisClient, cfg.IdempotencyTTL)

	transactionService := services.NewTransactionService(db, accountLedger, idem, auditLog, collector, logger, cfg.AutoApproveRoles)
	paymentRequestService := services.NewPaymentRequestService(db, accountLedger, idem, auditLog, collector, logger)
	loanService := services.NewLoanService(db, transactionService, paymentRequestService, idem, auditLog, collector, logger)
	voucherService := services.NewVoucherService(redisClient, paymentRequestService, cfg.VoucherTTL)
	isoService := services.NewISO20022Service(db, os.Getenv("SETTLEMENT_BIC"))

	transactionHandler := handlers.NewTransactionHandler(transactionService)
	paymentRequestHandler := handlers.NewPaymentRequestHandler(paymentRequestService, voucherService, isoService)
	loanHandler := handlers.NewLoanHandler(loanService)

	// Scheduled overdue sweep
	sweep := jobs.NewOverdueSweep(paymentRequestService, loanService, collector, logger, cfg.LoanGraceDays)
	cronRunner := cron.New()
	if err := sweep.Schedule(cronRunner, cfg.OverdueSweepSpec); err != nil {
		log.Fatalf("Failed to schedule overdue sweep: %v", err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", collector.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:"+cfg.ServerPort+"/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.ActorMiddleware)

			r.Get("/transactions", transactionHandler.List)
			r.Post("/transactions", transactionHandler.Create)
			r.Get("/transactions/{txId}", transactionHandler.Get)
			r.Post("/transactions/{txId}/approve", transactionHandler.Approve)
			r.Post("/transactions/{txId}/reject", transactionHandler.Reject)

			r.Get("/payment-requests", paymentRequestHandler.List)
			r.Post("/payment-requests", paymentRequestHandler.Create)
			r.Get("/payment-requests/{requestId}", paymentRequestHandler.Get)
			r.Delete("/payment-requests/{requestId}", paymentRequestHandler.Delete)
			r.Get("/payment-requests/{requestId}/history", paymentRequestHandler.History)
			r.Post("/payment-requests/{requestId}/approve", paymentRequestHandler.Approve)
			r.Post("/payment-requests/{requestId}/reject", paymentRequestHandler.Reject)
			r.Post("/payment-requests/{requestId}/payments", paymentRequestHandler.ProcessPayment)
			r.Post("/payment-requests/{requestId}/voucher", paymentRequestHandler.GenerateVoucher)
			r.Post("/vouchers/redeem", paymentRequestHandler.RedeemVoucher)
			r.Get("/payments/{paymentId}/iso20022", paymentRequestHandler.ExportPayment)

			r.Post("/loans", loanHandler.Create)
			r.Get("/loans/{loanId}", loanHandler.Get)
			r.Get("/loans/{loanId}/progress", loanHandler.Progress)
			r.Get("/loans/{loanId}/next-installment", loanHandler.NextInstallment)
			r.Post("/installments/{installmentId}/payments", loanHandler.PayInstallment)
			r.Get("/installments/overdue", loanHandler.OverdueInstallments)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.ServerPort).Info("settlement engine listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
}

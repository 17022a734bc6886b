package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries engine-level settings. Database and redis settings are
// read by their own init code in internal/database.
type Config struct {
	ServerPort string

	// Roles whose transactions skip the approval queue.
	AutoApproveRoles []string

	// TTL for resubmission (idempotency) keys.
	IdempotencyTTL time.Duration

	// TTL for settlement voucher QR payloads.
	VoucherTTL time.Duration

	// Days past due before an unpaid installment defaults its loan.
	LoanGraceDays int

	// Cron expression for the overdue sweep.
	OverdueSweepSpec string

	JWTSecret string
}

// Load reads .env plus process environment and returns typed settings.
func Load() *Config {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("approval.auto_roles", "APPROVAL_AUTO_ROLES")
	viper.BindEnv("idempotency.ttl", "IDEMPOTENCY_TTL")
	viper.BindEnv("voucher.ttl", "VOUCHER_TTL")
	viper.BindEnv("loans.grace_days", "LOAN_GRACE_DAYS")
	viper.BindEnv("jobs.overdue_sweep", "OVERDUE_SWEEP_SPEC")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("approval.auto_roles", "admin,finance_manager")
	viper.SetDefault("idempotency.ttl", 24*time.Hour)
	viper.SetDefault("voucher.ttl", 15*time.Minute)
	viper.SetDefault("loans.grace_days", 90)
	viper.SetDefault("jobs.overdue_sweep", "0 * * * *")

	roles := strings.Split(viper.GetString("approval.auto_roles"), ",")
	for i := range roles {
		roles[i] = strings.TrimSpace(roles[i])
	}

	return &Config{
		ServerPort:       viper.GetString("server.port"),
		AutoApproveRoles: roles,
		IdempotencyTTL:   viper.GetDuration("idempotency.ttl"),
		VoucherTTL:       viper.GetDuration("voucher.ttl"),
		LoanGraceDays:    viper.GetInt("loans.grace_days"),
		OverdueSweepSpec: viper.GetString("jobs.overdue_sweep"),
		JWTSecret:        viper.GetString("jwt.secret_key"),
	}
}

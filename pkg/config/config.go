package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the service settings read from the environment.
type Config struct {
	DBDriver      string
	DatabaseURL   string
	Port          string
	MonthlyFee    decimal.Decimal
	FeeDueDay     int
	SweepInterval time.Duration
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load reads the configuration, applying defaults for unset variables.
func Load() (*Config, error) {
	cfg := &Config{
		DBDriver:    getenv("DB_DRIVER", "sqlite3"),
		DatabaseURL: getenv("DATABASE_URL", "fundledger.db"),
		Port:        getenv("PORT", "8080"),
	}

	switch cfg.DBDriver {
	case "sqlite3", "pgx":
	default:
		return nil, fmt.Errorf("DB_DRIVER must be sqlite3 or pgx, got %q", cfg.DBDriver)
	}

	fee, err := decimal.NewFromString(getenv("MONTHLY_FEE", "50.00"))
	if err != nil {
		return nil, fmt.Errorf("invalid MONTHLY_FEE: %w", err)
	}
	if !fee.IsPositive() {
		return nil, fmt.Errorf("MONTHLY_FEE must be positive, got %s", fee)
	}
	cfg.MonthlyFee = fee

	cfg.FeeDueDay, err = strconv.Atoi(getenv("FEE_DUE_DAY", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid FEE_DUE_DAY: %w", err)
	}
	if cfg.FeeDueDay < 1 || cfg.FeeDueDay > 28 {
		return nil, fmt.Errorf("FEE_DUE_DAY must be between 1 and 28, got %d", cfg.FeeDueDay)
	}

	cfg.SweepInterval, err = time.ParseDuration(getenv("SWEEP_INTERVAL", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", cfg.SweepInterval)
	}

	return cfg, nil
}

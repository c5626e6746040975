package config

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema            string        `mapstructure:"DB_SCHEMA"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	AuthIssuer          string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience        string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey      string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	UnitIDPrefix        string        `mapstructure:"UNIT_ID_PREFIX"`
	ShelfLifeDays       int           `mapstructure:"SHELF_LIFE_DAYS"`
	ExpiringSoonDays    int           `mapstructure:"EXPIRING_SOON_DAYS"`
	LowStockCritical    int           `mapstructure:"LOW_STOCK_CRITICAL"`
	LowStockWarning     int           `mapstructure:"LOW_STOCK_WARNING"`
	DashboardCacheTTL   time.Duration `mapstructure:"DASHBOARD_CACHE_TTL"`
	ExpirySweepSchedule string        `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	NotifyWebhookURL    string        `mapstructure:"NOTIFY_WEBHOOK_URL"`
}

var unitIDPrefixPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"REQUEST_TIMEOUT", "UNIT_ID_PREFIX", "SHELF_LIFE_DAYS", "EXPIRING_SOON_DAYS",
	"LOW_STOCK_CRITICAL", "LOW_STOCK_WARNING", "DASHBOARD_CACHE_TTL",
	"EXPIRY_SWEEP_SCHEDULE", "NOTIFY_WEBHOOK_URL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("UNIT_ID_PREFIX", "BU")
	v.SetDefault("SHELF_LIFE_DAYS", 42)
	v.SetDefault("EXPIRING_SOON_DAYS", 7)
	v.SetDefault("LOW_STOCK_CRITICAL", 5)
	v.SetDefault("LOW_STOCK_WARNING", 10)
	v.SetDefault("DASHBOARD_CACHE_TTL", "30s")
	v.SetDefault("EXPIRY_SWEEP_SCHEDULE", "@hourly")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: unauthenticated requests are treated as the admin user.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development a
// signing key is required so bearer tokens are actually verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.ShelfLifeDays <= 0 {
		return fmt.Errorf("SHELF_LIFE_DAYS must be positive, got %d", c.ShelfLifeDays)
	}
	if c.ExpiringSoonDays < 0 {
		return fmt.Errorf("EXPIRING_SOON_DAYS must not be negative, got %d", c.ExpiringSoonDays)
	}
	if c.LowStockCritical <= 0 || c.LowStockWarning <= c.LowStockCritical {
		return fmt.Errorf("LOW_STOCK_WARNING (%d) must be greater than LOW_STOCK_CRITICAL (%d) and both positive",
			c.LowStockWarning, c.LowStockCritical)
	}
	if !unitIDPrefixPattern.MatchString(c.UnitIDPrefix) {
		return fmt.Errorf("UNIT_ID_PREFIX must be letters and digits only, got %q", c.UnitIDPrefix)
	}
	return nil
}

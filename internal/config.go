package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Settlement    SettlementConfig    `mapstructure:"settlement"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

type SecurityConfig struct {
	// HS256 secret for API bearer tokens. Session issuance lives in the
	// marketplace app; this service only verifies.
	TokenSecret string `mapstructure:"token_secret"`
}

// GatewayConfig points at the external wallet rail.
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	PaymentTimeout time.Duration `mapstructure:"payment_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

// SettlementConfig carries the money policy knobs: fee schedule, per-currency
// amount bounds, token decimals, expiry and sweep cadence, daily rate cap.
type SettlementConfig struct {
	FeePercent        decimal.Decimal            `mapstructure:"fee_percent"`
	MinFee            decimal.Decimal            `mapstructure:"min_fee"`
	MinAmounts        map[string]decimal.Decimal `mapstructure:"min_amounts"`
	MaxAmounts        map[string]decimal.Decimal `mapstructure:"max_amounts"`
	TokenDecimals     map[string]int32           `mapstructure:"token_decimals"`
	ExpiryWindow      time.Duration              `mapstructure:"expiry_window"`
	SweepInterval     time.Duration              `mapstructure:"sweep_interval"`
	ProcessingPollAge time.Duration              `mapstructure:"processing_poll_age"`
	DailyTxCap        int                        `mapstructure:"daily_tx_cap"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- DEFAULTS -----------------

func (c *SettlementConfig) ApplyDefaults() {
	// viper lowercases yaml map keys; currency symbols are matched
	// case sensitively everywhere else.
	c.MinAmounts = upperKeys(c.MinAmounts)
	c.MaxAmounts = upperKeys(c.MaxAmounts)
	c.TokenDecimals = upperKeys(c.TokenDecimals)

	if c.FeePercent.IsZero() {
		c.FeePercent = decimal.NewFromFloat(0.05)
	}
	if c.MinFee.IsZero() {
		c.MinFee = decimal.NewFromFloat(0.01)
	}
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ProcessingPollAge <= 0 {
		c.ProcessingPollAge = 2 * time.Minute
	}
	if c.DailyTxCap <= 0 {
		c.DailyTxCap = 300
	}
	if len(c.TokenDecimals) == 0 {
		c.TokenDecimals = map[string]int32{
			"WLD":  18,
			"USDC": 6,
			"ETH":  18,
		}
	}
	if len(c.MinAmounts) == 0 {
		c.MinAmounts = map[string]decimal.Decimal{
			"WLD":  decimal.NewFromFloat(0.01),
			"USDC": decimal.NewFromFloat(0.01),
			"ETH":  decimal.NewFromFloat(0.0001),
		}
	}
	if len(c.MaxAmounts) == 0 {
		c.MaxAmounts = map[string]decimal.Decimal{
			"WLD":  decimal.NewFromInt(10000),
			"USDC": decimal.NewFromInt(10000),
			"ETH":  decimal.NewFromInt(10),
		}
	}
}

func (c *GatewayConfig) ApplyDefaults() {
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// ----------------- HELPERS -----------------

func upperKeys[V any](m map[string]V) map[string]V {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// LoadConfigFromEnv builds a config purely from environment variables, used
// in containerized deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("SERVER_PORT", 8080),
			BaseURL:           getEnv("SERVER_BASE_URL", "http://localhost:8080"),
			AllowedOrigins:    getEnv("SERVER_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			Source:          getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Security: SecurityConfig{
			TokenSecret: getEnv("TOKEN_SECRET", ""),
		},
		Gateway: GatewayConfig{
			BaseURL: getEnv("GATEWAY_BASE_URL", ""),
			APIKey:  getEnv("GATEWAY_API_KEY", ""),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
	cfg.Settlement.ApplyDefaults()
	cfg.Gateway.ApplyDefaults()
	return cfg
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateway config: %v", err))
	}

	if err := c.Settlement.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("settlement config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if len(c.TokenSecret) < 32 {
		return errors.New("token secret must be at least 32 characters")
	}
	return nil
}

func (c *GatewayConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	return nil
}

func (c *SettlementConfig) Validate() error {
	if c.FeePercent.IsNegative() || c.FeePercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.New("fee_percent must be in [0, 1)")
	}
	if c.MinFee.IsNegative() {
		return errors.New("min_fee cannot be negative")
	}
	for symbol, min := range c.MinAmounts {
		if max, ok := c.MaxAmounts[symbol]; ok && max.LessThan(min) {
			return fmt.Errorf("max amount for %s is below its min amount", symbol)
		}
	}
	for symbol, d := range c.TokenDecimals {
		if d < 0 || d > 30 {
			return fmt.Errorf("token decimals for %s out of range", symbol)
		}
	}
	return nil
}

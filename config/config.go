/*
Package config loads the service configuration.

LOAD ORDER (later wins):
  1. Defaults()
  2. YAML file (optional, --config)
  3. .env file in the working directory (optional, via godotenv)
  4. CREDITGUARD_* environment variables

  The result is validated with go-playground/validator before use.

EXAMPLE (creditguard.yaml):
  server:
    addr: ":8080"
  database:
    driver: sqlite
    path: ./data/creditguard.db
  engine:
    max_attempts: 5
    retry_backoff: 2ms
    reconcile_tolerance: "0.01"
  reconciliation:
    enabled: true
    interval: 15m
    auto_fix: false
    businesses: [biz-1]
  log:
    level: info
    format: json
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/creditguard/credit"
)

// EnvPrefix namespaces environment overrides.
const EnvPrefix = "CREDITGUARD_"

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Engine         EngineConfig         `yaml:"engine"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Log            LogConfig            `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=memory sqlite mysql"`
	Path            string        `yaml:"path" validate:"required_if=Driver sqlite"`
	DSN             string        `yaml:"dsn" validate:"required_if=Driver mysql"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig is optional. An empty Addr selects the in-process locker.
type RedisConfig struct {
	Addr     string        `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	LockTTL  time.Duration `yaml:"lock_ttl" validate:"gt=0"`
}

type EngineConfig struct {
	MaxAttempts        int           `yaml:"max_attempts" validate:"gte=1,lte=100"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	OperationTimeout   time.Duration `yaml:"operation_timeout" validate:"gte=0"`
	CurrencyScale      int32         `yaml:"currency_scale" validate:"gte=0,lte=8"`
	ReconcileTolerance string        `yaml:"reconcile_tolerance" validate:"required,numeric"`
}

type ReconciliationConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval" validate:"required_if=Enabled true"`
	AutoFix     bool          `yaml:"auto_fix"`
	Concurrency int           `yaml:"concurrency" validate:"gte=1"`
	Businesses  []string      `yaml:"businesses" validate:"dive,required"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Defaults returns a runnable single-node configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            "./data/creditguard.db",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		Redis: RedisConfig{
			LockTTL: 5 * time.Minute,
		},
		Engine: EngineConfig{
			MaxAttempts:        5,
			RetryBackoff:       2 * time.Millisecond,
			OperationTimeout:   5 * time.Second,
			CurrencyScale:      credit.DefaultScale,
			ReconcileTolerance: "0.01",
		},
		Reconciliation: ReconciliationConfig{
			Enabled:     false,
			Interval:    15 * time.Minute,
			Concurrency: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config: load .env: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("config: %w", err)
	}
	tol, err := decimal.NewFromString(c.Engine.ReconcileTolerance)
	if err != nil || tol.IsNegative() {
		return fmt.Errorf("config: invalid Config.Engine.ReconcileTolerance %q", c.Engine.ReconcileTolerance)
	}
	return nil
}

// CreditConfig converts the engine section.
func (c Config) CreditConfig() credit.Config {
	return credit.Config{
		MaxAttempts:      c.Engine.MaxAttempts,
		RetryBackoff:     c.Engine.RetryBackoff,
		OperationTimeout: c.Engine.OperationTimeout,
		Scale:            c.Engine.CurrencyScale,
		Tolerance:        decimal.RequireFromString(c.Engine.ReconcileTolerance),
		Concurrency:      c.Reconciliation.Concurrency,
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	overrides := []struct {
		key string
		set func(string) error
	}{
		{"SERVER_ADDR", setString(&cfg.Server.Addr)},
		{"DATABASE_DRIVER", setString(&cfg.Database.Driver)},
		{"DATABASE_PATH", setString(&cfg.Database.Path)},
		{"DATABASE_DSN", setString(&cfg.Database.DSN)},
		{"DATABASE_MAX_OPEN_CONNS", setInt(&cfg.Database.MaxOpenConns)},
		{"DATABASE_MAX_IDLE_CONNS", setInt(&cfg.Database.MaxIdleConns)},
		{"REDIS_ADDR", setString(&cfg.Redis.Addr)},
		{"REDIS_PASSWORD", setString(&cfg.Redis.Password)},
		{"REDIS_DB", setInt(&cfg.Redis.DB)},
		{"REDIS_LOCK_TTL", setDuration(&cfg.Redis.LockTTL)},
		{"ENGINE_MAX_ATTEMPTS", setInt(&cfg.Engine.MaxAttempts)},
		{"ENGINE_RETRY_BACKOFF", setDuration(&cfg.Engine.RetryBackoff)},
		{"ENGINE_OPERATION_TIMEOUT", setDuration(&cfg.Engine.OperationTimeout)},
		{"ENGINE_CURRENCY_SCALE", setInt32(&cfg.Engine.CurrencyScale)},
		{"ENGINE_RECONCILE_TOLERANCE", setString(&cfg.Engine.ReconcileTolerance)},
		{"RECONCILIATION_ENABLED", setBool(&cfg.Reconciliation.Enabled)},
		{"RECONCILIATION_INTERVAL", setDuration(&cfg.Reconciliation.Interval)},
		{"RECONCILIATION_AUTO_FIX", setBool(&cfg.Reconciliation.AutoFix)},
		{"RECONCILIATION_CONCURRENCY", setInt(&cfg.Reconciliation.Concurrency)},
		{"RECONCILIATION_BUSINESSES", setList(&cfg.Reconciliation.Businesses)},
		{"LOG_LEVEL", setString(&cfg.Log.Level)},
		{"LOG_FORMAT", setString(&cfg.Log.Format)},
	}

	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, o.key, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setInt32(dst *int32) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return err
		}
		*dst = int32(n)
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func setList(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
		return nil
	}
}

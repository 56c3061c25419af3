// Package config loads the service configuration from the environment,
// optionally overridden by a YAML file named in CONFIG_FILE.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openraffle/lottery-ledger/internal/app/domain/ledger"
)

// Config is the full service configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Roles      RolesConfig      `yaml:"roles"`
	Automation AutomationConfig `yaml:"automation"`
	Randomness RandomnessConfig `yaml:"randomness"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL,default=info"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr      string  `yaml:"addr" env:"HTTP_ADDR,default=:8080"`
	RateLimit float64 `yaml:"rate_limit" env:"HTTP_RATE_LIMIT,default=10"`
	RateBurst int     `yaml:"rate_burst" env:"HTTP_RATE_BURST,default=20"`
}

// DatabaseConfig configures persistence. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN     string `yaml:"dsn" env:"DATABASE_DSN"`
	Migrate bool   `yaml:"migrate" env:"DATABASE_MIGRATE,default=true"`
}

// LedgerConfig holds the lottery parameters.
type LedgerConfig struct {
	TicketPrice          int64         `yaml:"ticket_price" env:"LEDGER_TICKET_PRICE,default=100000000"`
	TargetParticipants   uint64        `yaml:"target_participants" env:"LEDGER_TARGET_PARTICIPANTS,default=30"`
	MaxParticipants      uint64        `yaml:"max_participants" env:"LEDGER_MAX_PARTICIPANTS,default=500"`
	RegistrationDuration time.Duration `yaml:"registration_duration" env:"LEDGER_REGISTRATION_DURATION,default=168h"`
	MaxExtension         time.Duration `yaml:"max_extension" env:"LEDGER_MAX_EXTENSION,default=336h"`
	RefundWindow         time.Duration `yaml:"refund_window" env:"LEDGER_REFUND_WINDOW,default=720h"`
	FreshnessRounds      uint64        `yaml:"freshness_rounds" env:"LEDGER_FRESHNESS_ROUNDS,default=2"`
	ClearBatchSize       uint64        `yaml:"clear_batch_size" env:"LEDGER_CLEAR_BATCH_SIZE,default=200"`
}

// RolesConfig holds the privileged addresses. Operators is a comma
// separated list.
type RolesConfig struct {
	Organizer         string `yaml:"organizer" env:"ROLE_ORGANIZER,required"`
	FallbackRecipient string `yaml:"fallback_recipient" env:"ROLE_FALLBACK_RECIPIENT,required"`
	Operators         string `yaml:"operators" env:"ROLE_OPERATORS"`
}

// AutomationConfig configures the scheduler jobs.
type AutomationConfig struct {
	Enabled     bool   `yaml:"enabled" env:"AUTOMATION_ENABLED,default=true"`
	AdvanceSpec string `yaml:"advance_spec" env:"AUTOMATION_ADVANCE_SPEC,default=@every 15s"`
	GCSpec      string `yaml:"gc_spec" env:"AUTOMATION_GC_SPEC,default=@every 10m"`
}

// RandomnessConfig configures the beacon.
type RandomnessConfig struct {
	Interval time.Duration `yaml:"interval" env:"RANDOMNESS_INTERVAL,default=2s"`
}

// Load reads .env when present, decodes the environment and finally
// applies the YAML override file when CONFIG_FILE is set.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Ledger.TicketPrice <= 0 {
		return fmt.Errorf("ticket price must be positive")
	}
	if c.Ledger.TargetParticipants == 0 || c.Ledger.MaxParticipants < c.Ledger.TargetParticipants {
		return fmt.Errorf("participant bounds invalid: target %d, max %d",
			c.Ledger.TargetParticipants, c.Ledger.MaxParticipants)
	}
	if c.Ledger.RegistrationDuration <= 0 {
		return fmt.Errorf("registration duration must be positive")
	}
	if c.Ledger.ClearBatchSize == 0 {
		return fmt.Errorf("clear batch size must be positive")
	}
	return nil
}

// Params converts the ledger section into domain parameters.
func (c Config) Params() ledger.Params {
	return ledger.Params{
		TicketPrice:          c.Ledger.TicketPrice,
		TargetParticipants:   c.Ledger.TargetParticipants,
		MaxParticipants:      c.Ledger.MaxParticipants,
		RegistrationDuration: c.Ledger.RegistrationDuration,
		MaxExtension:         c.Ledger.MaxExtension,
		RefundWindow:         c.Ledger.RefundWindow,
		FreshnessRounds:      c.Ledger.FreshnessRounds,
		ClearBatchSize:       c.Ledger.ClearBatchSize,
	}
}

// RoleSet converts the roles section into domain roles.
func (c Config) RoleSet() ledger.Roles {
	var operators []string
	for _, op := range strings.Split(c.Roles.Operators, ",") {
		if op = strings.TrimSpace(op); op != "" {
			operators = append(operators, op)
		}
	}
	return ledger.Roles{
		Organizer:         c.Roles.Organizer,
		FallbackRecipient: c.Roles.FallbackRecipient,
		Operators:         operators,
	}
}

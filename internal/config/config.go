package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/LeventeLantos/church-dispatch/internal/model"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Telephony TelephonyConfig
	LLM       LLMConfig
	Dispatch  DispatchConfig
	Scheduler SchedulerConfig
	Ingress   IngressConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string `env:"SERVER_ADDRESS" envDefault:":8080"`
	// PublicBaseURL is the externally reachable base the provider calls back on.
	PublicBaseURL string `env:"BACKEND_URL" envDefault:"http://localhost:8080"`
}

type DatabaseConfig struct {
	Store         string `env:"STORE" envDefault:"postgres"`
	PostgresURL   string `env:"POSTGRES_URL"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`
}

type RedisConfig struct {
	Address    string `env:"REDIS_ADDR"`
	Password   string `env:"REDIS_PASSWORD"`
	DB         int    `env:"REDIS_DB" envDefault:"0"`
	TTLSeconds int    `env:"REDIS_TTL_SECONDS" envDefault:"86400"`
}

func (r RedisConfig) Enabled() bool { return r.Address != "" }

func (r RedisConfig) TTL() time.Duration { return time.Duration(r.TTLSeconds) * time.Second }

type TelephonyConfig struct {
	AccountSID  string  `env:"TWILIO_ACCOUNT_SID"`
	AuthToken   string  `env:"TWILIO_AUTH_TOKEN"`
	PhoneNumber string  `env:"TWILIO_PHONE_NUMBER"`
	BaseURL     string  `env:"TWILIO_BASE_URL" envDefault:"https://api.twilio.com"`
	RatePerSec  float64 `env:"TWILIO_RATE_PER_SEC" envDefault:"1"`
}

type LLMConfig struct {
	APIKey  string `env:"OPENAI_API_KEY"`
	Model   string `env:"OPENAI_MODEL" envDefault:"gpt-4-turbo-preview"`
	BaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com"`
}

func (l LLMConfig) Enabled() bool { return l.APIKey != "" }

type DispatchConfig struct {
	Workers      int           `env:"DISPATCH_WORKERS" envDefault:"4"`
	PollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"2s"`
	MaxAttempts  int           `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"3"`
	RetryBase    time.Duration `env:"DISPATCH_RETRY_BASE" envDefault:"30s"`
	RetryMax     time.Duration `env:"DISPATCH_RETRY_MAX" envDefault:"10m"`
	CallTimeout  time.Duration `env:"DISPATCH_CALL_TIMEOUT" envDefault:"15s"`
	LeaseTimeout time.Duration `env:"LEASE_TIMEOUT" envDefault:"5m"`
	SweepEvery   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	ContentMax   int           `env:"CONTENT_MAX" envDefault:"1600"`
}

type SchedulerConfig struct {
	Interval    time.Duration `env:"SCHED_INTERVAL" envDefault:"60s"`
	Timezone    string        `env:"SCHED_TIMEZONE" envDefault:"America/Los_Angeles"`
	OnceCatchup time.Duration `env:"SCHED_ONCE_CATCHUP" envDefault:"1h"`

	loc *time.Location
}

// Location is the default reminder timezone, resolved by Validate. It falls
// back to UTC on an unvalidated config.
func (s SchedulerConfig) Location() *time.Location {
	if s.loc == nil {
		return time.UTC
	}
	return s.loc
}

type IngressConfig struct {
	AlertRecipients []string `env:"ALERT_RECIPIENTS" envSeparator:","`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Parse reads the environment without validating it.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	recipients := cfg.Ingress.AlertRecipients[:0]
	for _, r := range cfg.Ingress.AlertRecipients {
		if r = model.NormalizePhone(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	cfg.Ingress.AlertRecipients = recipients
	return &cfg, nil
}

// LoadAll parses and fully validates the configuration needed to serve.
func LoadAll() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateStore checks only what opening the job store needs.
func (c *Config) ValidateStore() error {
	switch c.Database.Store {
	case StorePostgres:
		if c.Database.PostgresURL == "" {
			return errors.New("missing required env var: POSTGRES_URL")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Database.Store)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if err := c.ValidateStore(); err != nil {
		errs = append(errs, err)
	}

	for key, val := range map[string]string{
		"TWILIO_ACCOUNT_SID":  c.Telephony.AccountSID,
		"TWILIO_AUTH_TOKEN":   c.Telephony.AuthToken,
		"TWILIO_PHONE_NUMBER": c.Telephony.PhoneNumber,
	} {
		if val == "" {
			errs = append(errs, fmt.Errorf("missing required env var: %s", key))
		}
	}

	positive := []struct {
		key string
		ok  bool
	}{
		{"DISPATCH_WORKERS", c.Dispatch.Workers > 0},
		{"DISPATCH_POLL_INTERVAL", c.Dispatch.PollInterval > 0},
		{"DISPATCH_MAX_ATTEMPTS", c.Dispatch.MaxAttempts > 0},
		{"DISPATCH_RETRY_BASE", c.Dispatch.RetryBase > 0},
		{"DISPATCH_RETRY_MAX", c.Dispatch.RetryMax >= c.Dispatch.RetryBase},
		{"DISPATCH_CALL_TIMEOUT", c.Dispatch.CallTimeout > 0},
		{"LEASE_TIMEOUT", c.Dispatch.LeaseTimeout > c.Dispatch.CallTimeout},
		{"SWEEP_INTERVAL", c.Dispatch.SweepEvery > 0},
		{"CONTENT_MAX", c.Dispatch.ContentMax > 0},
		{"SCHED_INTERVAL", c.Scheduler.Interval > 0},
		{"SCHED_ONCE_CATCHUP", c.Scheduler.OnceCatchup > 0},
		{"REDIS_TTL_SECONDS", c.Redis.TTLSeconds > 0},
		{"TWILIO_RATE_PER_SEC", c.Telephony.RatePerSec >= 0},
	}
	for _, p := range positive {
		if !p.ok {
			errs = append(errs, fmt.Errorf("%s is out of range", p.key))
		}
	}

	// Workers queue on the shared limiter inside their per-call timeout, so more
	// workers than one timeout's worth of tokens starve each other.
	if r := c.Telephony.RatePerSec; r > 0 && c.Dispatch.Workers > 0 && float64(c.Dispatch.Workers) > r*c.Dispatch.CallTimeout.Seconds() {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS (%d) exceeds TWILIO_RATE_PER_SEC (%g) x DISPATCH_CALL_TIMEOUT (%s)",
			c.Dispatch.Workers, r, c.Dispatch.CallTimeout))
	}

	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("SCHED_TIMEZONE: %w", err))
	} else {
		c.Scheduler.loc = loc
	}

	for _, r := range c.Ingress.AlertRecipients {
		if !model.ValidE164(r) {
			errs = append(errs, fmt.Errorf("ALERT_RECIPIENTS: %q is not an E.164 number", r))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Log.Format))
	}

	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

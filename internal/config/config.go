// Package config loads runtime configuration from the environment, with an
// optional YAML overlay for the planner profile.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Environment selects the deployment profile. Broadcasting is only permitted
// in the testing profile; production never signs or submits transactions.
type Environment string

const (
	EnvTesting    Environment = "testing"
	EnvProduction Environment = "production"
)

// Valid reports whether the environment is one of the known profiles.
func (e Environment) Valid() bool {
	return e == EnvTesting || e == EnvProduction
}

// Config is the full runtime configuration of the supply layer.
type Config struct {
	Environment Environment `env:"SUPPLY_ENVIRONMENT,default=testing"`

	Server    ServerConfig
	Logging   LoggingConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Chain     ChainConfig
	Planner   PlannerConfig
	Auth      AuthConfig
	Payments  PaymentsConfig
	Broadcast BroadcastConfig
	Cache     CacheConfig
	Autopilot AutopilotConfig
	Audit     AuditConfig
	RateLimit RateLimitConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `env:"SUPPLY_SERVER_HOST,default=0.0.0.0"`
	Port int    `env:"SUPPLY_SERVER_PORT,default=8080"`
	// APITokens is a comma-separated list of accepted bearer tokens for the
	// management API. Empty disables bearer auth (local development).
	APITokens string `env:"SUPPLY_API_TOKENS"`
	// CORSOrigins is a comma-separated list of allowed browser origins.
	// Empty disables the CORS layer entirely; "*" allows any origin.
	CORSOrigins string `env:"SUPPLY_SERVER_CORS_ORIGINS"`
}

// Tokens returns the configured bearer tokens, trimmed, empty entries dropped.
func (c ServerConfig) Tokens() []string {
	return splitList(c.APITokens)
}

// Origins returns the configured CORS origins, trimmed, empty entries dropped.
func (c ServerConfig) Origins() []string {
	return splitList(c.CORSOrigins)
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// LoggingConfig configures pkg/logger.
type LoggingConfig struct {
	Level      string `env:"SUPPLY_LOG_LEVEL,default=info"`
	Format     string `env:"SUPPLY_LOG_FORMAT,default=text"`
	Output     string `env:"SUPPLY_LOG_OUTPUT,default=stdout"`
	FilePrefix string `env:"SUPPLY_LOG_FILE_PREFIX"`
}

// DatabaseConfig configures the postgres store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	Driver          string `env:"SUPPLY_DB_DRIVER,default=postgres"`
	DSN             string `env:"SUPPLY_DB_DSN"`
	MaxOpenConns    int    `env:"SUPPLY_DB_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int    `env:"SUPPLY_DB_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `env:"SUPPLY_DB_CONN_MAX_LIFETIME_SECONDS,default=300"`
}

// RedisConfig configures the optional shared replay-marker store. An empty
// address keeps replay markers in process memory.
type RedisConfig struct {
	Addr     string `env:"SUPPLY_REDIS_ADDR"`
	Password string `env:"SUPPLY_REDIS_PASSWORD"`
	DB       int    `env:"SUPPLY_REDIS_DB,default=0"`
}

// ChainConfig configures the ledger RPC endpoint and the treasury contract.
type ChainConfig struct {
	RPCURL          string        `env:"SUPPLY_CHAIN_RPC_URL"`
	ChainID         int64         `env:"SUPPLY_CHAIN_ID,default=11155111"`
	TreasuryAddress string        `env:"SUPPLY_TREASURY_ADDRESS"`
	FundingKey      string        `env:"SUPPLY_FUNDING_KEY"`
	GasLimit        uint64        `env:"SUPPLY_CHAIN_GAS_LIMIT,default=200000"`
	CallTimeout     time.Duration `env:"SUPPLY_CHAIN_CALL_TIMEOUT,default=15s"`
}

// PlannerConfig configures the reorder planner endpoint.
type PlannerConfig struct {
	URL     string        `env:"SUPPLY_PLANNER_URL"`
	APIKey  string        `env:"SUPPLY_PLANNER_API_KEY"`
	Model   string        `env:"SUPPLY_PLANNER_MODEL,default=gpt-4o-mini"`
	Timeout time.Duration `env:"SUPPLY_PLANNER_TIMEOUT,default=60s"`
	// ContentPath locates the planner text inside the provider response
	// envelope, as a JSONPath expression.
	ContentPath string `env:"SUPPLY_PLANNER_CONTENT_PATH,default=$.choices[0].message.content"`
	// ProfilePath optionally points at a YAML planner profile overlay.
	ProfilePath string `env:"SUPPLY_PLANNER_PROFILE"`
}

// AuthConfig configures signed-request verification.
type AuthConfig struct {
	FreshnessWindow time.Duration `env:"SUPPLY_AUTH_FRESHNESS_WINDOW,default=2m"`
}

// PaymentsConfig configures payment intent construction.
type PaymentsConfig struct {
	PendingWindow time.Duration `env:"SUPPLY_PAYMENTS_PENDING_WINDOW,default=24h"`
}

// BroadcastConfig configures transaction submission.
type BroadcastConfig struct {
	FeeBumpPercent int64         `env:"SUPPLY_BROADCAST_FEE_BUMP_PERCENT,default=30"`
	SubmitTimeout  time.Duration `env:"SUPPLY_BROADCAST_SUBMIT_TIMEOUT,default=20s"`
}

// CacheConfig configures the read-side listing cache.
type CacheConfig struct {
	TTL time.Duration `env:"SUPPLY_CACHE_TTL,default=15s"`
}

// AutopilotConfig configures the autonomous planning runner.
type AutopilotConfig struct {
	Enabled      bool          `env:"SUPPLY_AUTOPILOT_ENABLED,default=false"`
	TickInterval time.Duration `env:"SUPPLY_AUTOPILOT_TICK_INTERVAL,default=1m"`
}

// AuditConfig configures the request audit trail.
type AuditConfig struct {
	// LogFile, when set, appends one JSON line per audited request.
	LogFile string `env:"SUPPLY_AUDIT_LOG_FILE"`
}

// RateLimitConfig configures per-client request throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64 `env:"SUPPLY_RATE_LIMIT_RPS,default=20"`
	Burst             int     `env:"SUPPLY_RATE_LIMIT_BURST,default=40"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.Environment = Environment(strings.ToLower(strings.TrimSpace(string(cfg.Environment))))
	if !cfg.Environment.Valid() {
		return nil, fmt.Errorf("unknown environment %q (want %q or %q)", cfg.Environment, EnvTesting, EnvProduction)
	}
	if cfg.Auth.FreshnessWindow <= 0 {
		return nil, fmt.Errorf("auth freshness window must be positive")
	}
	if cfg.Broadcast.FeeBumpPercent < 0 {
		return nil, fmt.Errorf("fee bump percent must not be negative")
	}
	return &cfg, nil
}

// PlannerProfile is an optional YAML overlay customizing planner prompts per
// purchasing strategy.
type PlannerProfile struct {
	SystemPrompt string            `yaml:"system_prompt"`
	Strategies   map[string]string `yaml:"strategies"`
}

// LoadPlannerProfile reads a PlannerProfile from path. A missing path returns
// an empty profile rather than an error.
func LoadPlannerProfile(path string) (*PlannerProfile, error) {
	if strings.TrimSpace(path) == "" {
		return &PlannerProfile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read planner profile: %w", err)
	}
	var p PlannerProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse planner profile: %w", err)
	}
	return &p, nil
}

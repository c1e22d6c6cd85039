package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP ops surface (health, metrics, approval
// callbacks).
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence. DSN takes precedence over the
// host/port fields when set; an empty DSN selects in-memory storage.
type DatabaseConfig struct {
	DSN             string `json:"dsn" env:"DB_URL"`
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	PoolSize        int    `json:"pool_size" env:"DB_POOL_SIZE"`
	MaxOverflow     int    `json:"max_overflow" env:"DB_MAX_OVERFLOW"`
	PoolRecycleSecs int    `json:"pool_recycle" env:"DB_POOL_RECYCLE"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls JWT issuance and at-rest encryption.
type SecurityConfig struct {
	JWTSecret          string `json:"jwt_secret" env:"SECURITY_JWT_SECRET"`
	JWTAlgorithm       string `json:"jwt_algorithm" env:"SECURITY_JWT_ALGORITHM"`
	JWTExpirationHours int    `json:"jwt_expiration_hours" env:"SECURITY_JWT_EXPIRATION_HOURS"`
	EncryptionKey      string `json:"encryption_key" env:"SECURITY_ENCRYPTION_KEY"`
}

// AuthConfig lists the operators permitted to sign in and request JWTs at
// the HTTP boundary.
type AuthConfig struct {
	Tokens []string   `json:"tokens"`
	Users  []UserSpec `json:"users"`
}

// LedgerConfig controls the trust ledger's hashing and Merkle block
// cutting cadence.
type LedgerConfig struct {
	HashAlgorithm      string `json:"hash_algorithm" env:"LEDGER_HASH_ALGORITHM"`
	RequireSignature   bool   `json:"require_signature" env:"LEDGER_REQUIRE_SIGNATURE"`
	CheckpointInterval int    `json:"checkpoint_interval" env:"LEDGER_CHECKPOINT_INTERVAL"`
}

// AgentConfig controls the agent registry and dispatch defaults.
type AgentConfig struct {
	DefaultModel       string  `json:"default_model" env:"AGENT_DEFAULT_MODEL"`
	MaxConcurrent      int     `json:"max_concurrent" env:"AGENT_MAX_CONCURRENT"`
	TaskTimeoutSeconds int     `json:"task_timeout_seconds" env:"AGENT_TASK_TIMEOUT_SECONDS"`
	MaxRetries         int     `json:"max_retries" env:"AGENT_MAX_RETRIES"`
	APIKeyPrefix       string  `json:"api_key_prefix" env:"UAEF_AGENT_API_KEY_PREFIX"`
	ReputationFloor    float64 `json:"reputation_floor" env:"UAEF_AGENT_REPUTATION_FLOOR"`
	HealthCacheSize    int     `json:"health_cache_size" env:"UAEF_AGENT_HEALTH_CACHE_SIZE"`
}

// SettlementConfig controls settlement rule evaluation and signal
// processing.
type SettlementConfig struct {
	DefaultCurrency string `json:"default_currency" env:"SETTLEMENT_DEFAULT_CURRENCY"`
	AutoSettle      bool   `json:"auto_settle" env:"SETTLEMENT_AUTO_SETTLE"`
	BatchSize       int    `json:"batch_size" env:"SETTLEMENT_BATCH_SIZE"`
}

// DispatchConfig controls the optional redis-backed idempotency guard
// used to dedupe concurrent agent-task dispatch attempts.
type DispatchConfig struct {
	RedisAddr    string `json:"redis_addr" env:"DISPATCH_REDIS_ADDR"`
	ClaimTTLSecs int    `json:"claim_ttl_secs" env:"DISPATCH_CLAIM_TTL_SECONDS"`
}

type UserSpec struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Logging    LoggingConfig    `json:"logging"`
	Security   SecurityConfig   `json:"security"`
	Auth       AuthConfig       `json:"auth"`
	Ledger     LedgerConfig     `json:"ledger"`
	Agent      AgentConfig      `json:"agent"`
	Settlement SettlementConfig `json:"settlement"`
	Dispatch   DispatchConfig   `json:"dispatch"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			PoolSize:        10,
			MaxOverflow:     5,
			PoolRecycleSecs: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "uaef",
		},
		Security: SecurityConfig{
			JWTAlgorithm:       "HS256",
			JWTExpirationHours: 24,
		},
		Auth: AuthConfig{},
		Ledger: LedgerConfig{
			HashAlgorithm:      "sha256",
			CheckpointInterval: 100,
		},
		Agent: AgentConfig{
			DefaultModel:       "claude-sonnet-4-20250514",
			MaxConcurrent:      8,
			TaskTimeoutSeconds: 120,
			MaxRetries:         3,
			APIKeyPrefix:       "uaef_",
			ReputationFloor:    0.5,
			HealthCacheSize:    256,
		},
		Settlement: SettlementConfig{
			DefaultCurrency: "USD",
			AutoSettle:      true,
			BatchSize:       50,
		},
		Dispatch: DispatchConfig{
			ClaimTTLSecs: 120,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string from host
// parameters. Prefer DSN when set; this is a fallback for host/port style
// configuration.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment
// variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// applyDatabaseURLOverride lets DB_URL override any file-based DSN to
// reduce setup friction in containerized deployments.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DB_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

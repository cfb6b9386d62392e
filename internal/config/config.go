// Package config provides configuration management for the CirclePool
// reconciliation service. It loads configuration from environment
// variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Chain      ChainConfig
	Reconciler ReconcilerConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ChainConfig holds Hedera JSON-RPC relay and contract configuration
type ChainConfig struct {
	RPCURL          string
	ContractAddress string
	OperatorKey     string // hex-encoded ECDSA private key of the agent account
	ChainID         int64
	RequestTimeout  time.Duration
	ConfirmTimeout  time.Duration
	RequestsPerSec  int
}

// ReconcilerConfig holds lifecycle reconciler tuning
type ReconcilerConfig struct {
	PayDateBuffer  time.Duration // clock/confirmation skew tolerance for due circles
	DriftTolerance time.Duration // chain/ledger pay-date divergence that forces a resync
	CronSchedule   string        // worker schedule, robfig/cron format
	LockTTL        time.Duration // advisory run-lock expiry
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "circlepool"),
				User:           getEnv("POSTGRES_USER", "circlepool"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 25),
			},
			Redis: RedisConfig{
				Host:     getEnv("REDIS_HOST", "localhost"),
				Port:     getEnv("REDIS_PORT", "6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvAsInt("REDIS_DB", 0),
			},
		},
		Chain: ChainConfig{
			RPCURL:          getEnv("HEDERA_RPC_URL", "https://testnet.hashio.io/api"),
			ContractAddress: getEnv("CIRCLEPOOL_CONTRACT", ""),
			OperatorKey:     getEnv("AGENT_PRIVATE_KEY", ""),
			ChainID:         int64(getEnvAsInt("HEDERA_CHAIN_ID", 296)),
			RequestTimeout:  getEnvAsDuration("CHAIN_REQUEST_TIMEOUT", 15*time.Second),
			ConfirmTimeout:  getEnvAsDuration("CHAIN_CONFIRM_TIMEOUT", 90*time.Second),
			RequestsPerSec:  getEnvAsInt("CHAIN_REQUESTS_PER_SEC", 10),
		},
		Reconciler: ReconcilerConfig{
			PayDateBuffer:  getEnvAsDuration("RECONCILER_PAYDATE_BUFFER", 5*time.Minute),
			DriftTolerance: getEnvAsDuration("RECONCILER_DRIFT_TOLERANCE", time.Minute),
			CronSchedule:   getEnv("RECONCILER_CRON", "0 */5 * * * *"),
			LockTTL:        getEnvAsDuration("RECONCILER_LOCK_TTL", 10*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the parts of the configuration that cannot fall back
// to a usable default.
func (c *Config) Validate() error {
	if c.Chain.ContractAddress == "" {
		return fmt.Errorf("CIRCLEPOOL_CONTRACT must be set")
	}
	if c.Chain.RequestTimeout <= 0 {
		return fmt.Errorf("chain request timeout must be positive")
	}
	if c.Chain.ConfirmTimeout <= 0 {
		return fmt.Errorf("chain confirm timeout must be positive")
	}
	if c.Reconciler.PayDateBuffer < 0 {
		return fmt.Errorf("pay date buffer must not be negative")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

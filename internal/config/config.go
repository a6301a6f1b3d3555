/**
 * @description
 * This package handles the configuration management for the ledger service. It uses the
 * Viper library to read configuration from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: Environment binding, defaults and unmarshalling.
 */

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the ledger service.
type Config struct {
	ServerPort            string        `mapstructure:"SERVER_PORT"`
	StoreDriver           string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DatabaseAutoMigrate   bool          `mapstructure:"DATABASE_AUTO_MIGRATE"`
	RabbitMQURL           string        `mapstructure:"RABBITMQ_URL"`
	OutboxExchange        string        `mapstructure:"OUTBOX_EXCHANGE"`
	OutboxPublishInterval time.Duration `mapstructure:"OUTBOX_PUBLISH_INTERVAL"`
	OutboxBatchSize       int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxLockTTL         time.Duration `mapstructure:"OUTBOX_LOCK_TTL"`
	OutboxCycleTimeout    time.Duration `mapstructure:"OUTBOX_CYCLE_TIMEOUT"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	RedisKeyPrefix        string        `mapstructure:"REDIS_KEY_PREFIX"`
	RateLimitPerMinute    int           `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	RetryMaxAttempts      int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	JWTPublicKeyPEM       string        `mapstructure:"JWT_PUBLIC_KEY_PEM"`
	JWTPublicKeyFile      string        `mapstructure:"JWT_PUBLIC_KEY_FILE"`
	CORSAllowedOrigins    []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
}

// LoadConfig reads configuration from environment variables and the optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("DATABASE_AUTO_MIGRATE", true)
	viper.SetDefault("OUTBOX_EXCHANGE", "ledger.events")
	viper.SetDefault("OUTBOX_PUBLISH_INTERVAL", "2s")
	viper.SetDefault("OUTBOX_BATCH_SIZE", 100)
	viper.SetDefault("OUTBOX_LOCK_TTL", "30s")
	viper.SetDefault("OUTBOX_CYCLE_TIMEOUT", "20s")
	viper.SetDefault("REDIS_KEY_PREFIX", "ledger")
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOG_LEVEL", "info")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_AUTO_MIGRATE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("OUTBOX_EXCHANGE")
	_ = viper.BindEnv("OUTBOX_PUBLISH_INTERVAL")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_LOCK_TTL")
	_ = viper.BindEnv("OUTBOX_CYCLE_TIMEOUT")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("JWT_PUBLIC_KEY_PEM")
	_ = viper.BindEnv("JWT_PUBLIC_KEY_FILE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOG_LEVEL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver == "" {
		config.StoreDriver = StoreDriverPostgres
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "ledger"
	}
	config.OutboxExchange = strings.TrimSpace(config.OutboxExchange)
	if config.OutboxExchange == "" {
		config.OutboxExchange = "ledger.events"
	}
	config.CORSAllowedOrigins = normalizeOrigins(config.CORSAllowedOrigins)

	if config.OutboxPublishInterval <= 0 {
		slog.Warn("invalid outbox publish interval; using default", "component", "config", "value", config.OutboxPublishInterval)
		config.OutboxPublishInterval = 2 * time.Second
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 100
	}
	if config.OutboxLockTTL <= 0 {
		config.OutboxLockTTL = 30 * time.Second
	}
	// A cycle must finish before the outbox lock expires.
	if config.OutboxCycleTimeout <= 0 || config.OutboxCycleTimeout >= config.OutboxLockTTL {
		bounded := config.OutboxLockTTL * 2 / 3
		if config.OutboxCycleTimeout > 0 {
			slog.Warn("outbox cycle timeout must be below the lock ttl; lowering it", "component", "config", "value", config.OutboxCycleTimeout, "bounded", bounded)
		}
		config.OutboxCycleTimeout = bounded
	}
	if config.RateLimitPerMinute < 0 {
		config.RateLimitPerMinute = 0
	}
	if config.RetryMaxAttempts <= 0 {
		config.RetryMaxAttempts = 5
	}

	switch config.StoreDriver {
	case StoreDriverPostgres:
		if config.DatabaseURL == "" {
			return config, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return config, fmt.Errorf("unsupported STORE_DRIVER %q", config.StoreDriver)
	}

	return
}

// JWTPublicKey returns the PEM-encoded token verification key, read from JWT_PUBLIC_KEY_FILE when
// JWT_PUBLIC_KEY_PEM is unset.
func (c Config) JWTPublicKey() ([]byte, error) {
	if pem := strings.TrimSpace(c.JWTPublicKeyPEM); pem != "" {
		return []byte(strings.ReplaceAll(pem, `\n`, "\n")), nil
	}
	if c.JWTPublicKeyFile == "" {
		return nil, fmt.Errorf("one of JWT_PUBLIC_KEY_PEM or JWT_PUBLIC_KEY_FILE is required")
	}
	data, err := os.ReadFile(c.JWTPublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWT public key file: %w", err)
	}
	return data, nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// normalizeOrigins accepts both a list and a single comma-separated value.
func normalizeOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort    string `yaml:"httpPort" validate:"required,numeric"`
	MetricsPort string `yaml:"metricsPort" validate:"required,numeric"`
	Transport   string `yaml:"transport" validate:"oneof=redis memory"`
	RedisAddr   string `yaml:"redisAddr" validate:"required,hostname_port"`
	RedisDB     int    `yaml:"redisDB" validate:"gte=0"`
	DBPath      string `yaml:"dbPath" validate:"required"`
	JWTSecret   string `yaml:"jwtSecret" validate:"required,min=16"`
	// vacío = sin listener TCP para equipos
	DeviceTCPPort string `yaml:"deviceTCPPort" validate:"omitempty,numeric"`
	// vacío = sin directorio gRPC, la identidad sale de la base
	DirectoryAddr string `yaml:"directoryAddr" validate:"omitempty,hostname_port"`
	LogLevel      string `yaml:"logLevel" validate:"oneof=debug info warn error"`

	FallbackPollInterval time.Duration `yaml:"fallbackPollInterval" validate:"gt=0"`
	IdentityTTL          time.Duration `yaml:"identityTTL" validate:"gt=0"`
	IdentityRetryAfter   time.Duration `yaml:"identityRetryAfter" validate:"gt=0"`
	ResubscribeMin       time.Duration `yaml:"resubscribeMin" validate:"gt=0"`
	ResubscribeMax       time.Duration `yaml:"resubscribeMax" validate:"gtefield=ResubscribeMin"`
}

func defaults() Config {
	return Config{
		HTTPPort:             "8080",
		MetricsPort:          "9000",
		DeviceTCPPort:        "5027",
		Transport:            "redis",
		RedisAddr:            "localhost:6379",
		RedisDB:              0,
		DBPath:               "./data/crewmap.db",
		JWTSecret:            "change-me-in-production-please",
		LogLevel:             "info",
		FallbackPollInterval: 30 * time.Second,
		IdentityTTL:          10 * time.Minute,
		IdentityRetryAfter:   15 * time.Second,
		ResubscribeMin:       time.Second,
		ResubscribeMax:       time.Minute,
	}
}

// Load arma la configuración: defaults, luego CONFIG_FILE (yaml) si existe,
// luego variables de entorno. El resultado se valida.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.DeviceTCPPort = getEnv("DEVICE_TCP_PORT", cfg.DeviceTCPPort)
	cfg.Transport = getEnv("TRANSPORT", cfg.Transport)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.DirectoryAddr = getEnv("DIRECTORY_ADDR", cfg.DirectoryAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", cfg.RedisDB); err != nil {
		return Config{}, err
	}
	if cfg.FallbackPollInterval, err = getEnvDuration("FALLBACK_POLL_INTERVAL", cfg.FallbackPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.IdentityTTL, err = getEnvDuration("IDENTITY_TTL", cfg.IdentityTTL); err != nil {
		return Config{}, err
	}
	if cfg.IdentityRetryAfter, err = getEnvDuration("IDENTITY_RETRY_AFTER", cfg.IdentityRetryAfter); err != nil {
		return Config{}, err
	}
	if cfg.ResubscribeMin, err = getEnvDuration("RESUBSCRIBE_MIN", cfg.ResubscribeMin); err != nil {
		return Config{}, err
	}
	if cfg.ResubscribeMax, err = getEnvDuration("RESUBSCRIBE_MAX", cfg.ResubscribeMax); err != nil {
		return Config{}, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// Package config содержит логику чтения конфигурации сервиса учёта лимитов.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mmeshcher/allotment-tracker/internal/fieldcrypt"
)

// Environment определяет режим работы сервиса.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

const defaultVerifyAPIURL = "https://medcannabisverify.sd.gov/api"

// ParseEnvironment разбирает значение режима работы. Пустое значение означает production:
// режим разработки включается только явно.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "production", "prod":
		return Production, nil
	case "development", "dev":
		return Development, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

// Config содержит параметры конфигурации сервиса учёта лимитов.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`
	AppEnv        string `env:"APP_ENV"`
	VerifyAPIURL  string `env:"MED_VERIFY_API_URL"`
	VerifyAPIKey  string `env:"MED_VERIFY_API_KEY"`
	AuthSecret    string `env:"AUTH_SECRET"`

	Environment Environment `env:"-"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// Файл .env необязателен.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envEncryptionKey := cfg.EncryptionKey
	envAppEnv := cfg.AppEnv
	envVerifyAPIURL := cfg.VerifyAPIURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.EncryptionKey, "k", "", "field encryption secret")
	flag.StringVar(&cfg.AppEnv, "e", "", "environment: development or production")
	flag.StringVar(&cfg.VerifyAPIURL, "r", defaultVerifyAPIURL, "medical card verification API base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envEncryptionKey != "" {
		cfg.EncryptionKey = envEncryptionKey
	}
	if envAppEnv != "" {
		cfg.AppEnv = envAppEnv
	}
	if envVerifyAPIURL != "" {
		cfg.VerifyAPIURL = envVerifyAPIURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.VerifyAPIURL == "" {
		cfg.VerifyAPIURL = defaultVerifyAPIURL
	}

	environment, err := ParseEnvironment(cfg.AppEnv)
	if err != nil {
		return nil, err
	}
	cfg.Environment = environment

	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY is required", fieldcrypt.ErrConfiguration)
	}

	return cfg, nil
}

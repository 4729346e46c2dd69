// Package config loads service configuration from the environment.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// JWTConfig holds token validation settings.
type JWTConfig struct {
	Secret string
}

// KafkaConfig holds broker settings.
type KafkaConfig struct {
	Brokers     []string
	GroupPrefix string
}

// StripeConfig holds card processor credentials. PublishableFallback is
// the build-time key used when the backend cannot supply one.
type StripeConfig struct {
	SecretKey           string
	PublishableFallback string
}

// BackendConfig points at the pricing/ledger backend this service
// orchestrates purchases against.
type BackendConfig struct {
	BaseURL string
	Token   string
}

// ServiceConfig holds all configuration for the purchase service.
type ServiceConfig struct {
	Port            string
	AppEnv          string
	DBConfig        DatabaseConfig
	JWTConfig       JWTConfig
	KafkaConfig     KafkaConfig
	StripeConfig    StripeConfig
	BackendConfig   BackendConfig
	MaxReceiptBytes int64
}

// Load reads configuration from environment variables.
func Load() (*ServiceConfig, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVICE_PORT", "8086")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "purchase")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_GROUP_PREFIX", "certpeak-")
	v.SetDefault("MAX_RECEIPT_BYTES", int64(10<<20))

	port := v.GetString("SERVICE_PORT")
	if !strings.HasPrefix(port, ":") {
		port = ":" + port
	}

	return &ServiceConfig{
		Port:   port,
		AppEnv: v.GetString("APP_ENV"),
		DBConfig: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		JWTConfig: JWTConfig{
			Secret: v.GetString("JWT_SECRET"),
		},
		KafkaConfig: KafkaConfig{
			Brokers:     strings.Split(v.GetString("KAFKA_BROKERS"), ","),
			GroupPrefix: v.GetString("KAFKA_GROUP_PREFIX"),
		},
		StripeConfig: StripeConfig{
			SecretKey:           v.GetString("STRIPE_SECRET_KEY"),
			PublishableFallback: v.GetString("STRIPE_PUBLISHABLE_FALLBACK"),
		},
		BackendConfig: BackendConfig{
			BaseURL: v.GetString("BACKEND_BASE_URL"),
			Token:   v.GetString("BACKEND_SERVICE_TOKEN"),
		},
		MaxReceiptBytes: v.GetInt64("MAX_RECEIPT_BYTES"),
	}, nil
}

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the dispatch services.
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Postgres PostgresConfig
	Dispatch DispatchConfig

	StripeAPIKey string
	LogLevel     string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig holds Redis connection settings. Redis backs both the geo
// index and the acceptance markers.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	GeoKey   string
}

// Addr returns the Redis address in host:port format.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds broker addresses and the consumer group prefix.
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN returns the PostgreSQL connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// DispatchConfig carries the tunables of the offer/acceptance pipeline.
// These were ambient constants in earlier iterations; the coordinator
// now receives them explicitly at construction.
type DispatchConfig struct {
	RadiusKm       float64
	OfferTimeout   time.Duration
	AcceptLeaseTTL time.Duration
	PublishRetries int
}

// Load reads configuration from environment variables and an optional
// .env file. Defaults let every binary run locally without setup.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_ADDR", ":8080")
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")
	viper.SetDefault("SERVER_SHUTDOWN_TIMEOUT", "15s")

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_GEO_KEY", "providers:locations")

	viper.SetDefault("KAFKA_BROKERS", "localhost:9092")
	viper.SetDefault("KAFKA_GROUP_ID", "dispatch")

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "dispatch")
	viper.SetDefault("POSTGRES_PASSWORD", "dispatch_secret")
	viper.SetDefault("POSTGRES_DB", "dispatch_db")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")

	viper.SetDefault("DISPATCH_RADIUS_KM", 10.0)
	viper.SetDefault("DISPATCH_OFFER_TIMEOUT", "30s")
	viper.SetDefault("DISPATCH_ACCEPT_LEASE_TTL", "1h")
	viper.SetDefault("DISPATCH_PUBLISH_RETRIES", 3)

	viper.SetDefault("STRIPE_API_KEY", "")
	viper.SetDefault("LOG_LEVEL", "info")

	// The .env file is optional; env vars injected by the container
	// runtime serve the same purpose.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Addr:            viper.GetString("SERVER_ADDR"),
			ReadTimeout:     viper.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:    viper.GetDuration("SERVER_WRITE_TIMEOUT"),
			IdleTimeout:     viper.GetDuration("SERVER_IDLE_TIMEOUT"),
			ShutdownTimeout: viper.GetDuration("SERVER_SHUTDOWN_TIMEOUT"),
		},
		Redis: RedisConfig{
			Host:     viper.GetString("REDIS_HOST"),
			Port:     viper.GetInt("REDIS_PORT"),
			Password: viper.GetString("REDIS_PASSWORD"),
			DB:       viper.GetInt("REDIS_DB"),
			GeoKey:   viper.GetString("REDIS_GEO_KEY"),
		},
		Kafka: KafkaConfig{
			Brokers: viper.GetStringSlice("KAFKA_BROKERS"),
			GroupID: viper.GetString("KAFKA_GROUP_ID"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("POSTGRES_HOST"),
			Port:     viper.GetInt("POSTGRES_PORT"),
			User:     viper.GetString("POSTGRES_USER"),
			Password: viper.GetString("POSTGRES_PASSWORD"),
			DBName:   viper.GetString("POSTGRES_DB"),
			SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
		},
		Dispatch: DispatchConfig{
			RadiusKm:       viper.GetFloat64("DISPATCH_RADIUS_KM"),
			OfferTimeout:   viper.GetDuration("DISPATCH_OFFER_TIMEOUT"),
			AcceptLeaseTTL: viper.GetDuration("DISPATCH_ACCEPT_LEASE_TTL"),
			PublishRetries: viper.GetInt("DISPATCH_PUBLISH_RETRIES"),
		},
		StripeAPIKey: viper.GetString("STRIPE_API_KEY"),
		LogLevel:     viper.GetString("LOG_LEVEL"),
	}

	if cfg.Dispatch.RadiusKm <= 0 {
		return nil, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0")
	}
	if cfg.Dispatch.AcceptLeaseTTL <= 0 {
		return nil, fmt.Errorf("DISPATCH_ACCEPT_LEASE_TTL must be > 0")
	}

	return cfg, nil
}

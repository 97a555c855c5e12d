package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Database DatabaseConfig
	Engine   EngineConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr string
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Enabled bool
}

type DatabaseConfig struct {
	Host         string
	Port         string
	Username     string
	Password     string
	Database     string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// EngineConfig tunes the allocation engine's background behaviour.
type EngineConfig struct {
	ReservationTTL       time.Duration
	SweepInterval        time.Duration
	SweepBatchSize       int
	DistributionInterval time.Duration
	OfferValidity        time.Duration
	PassLockTTL          time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_ADDR", "localhost:6379"),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			Username:     getEnv("DB_USERNAME", "inventory_user"),
			Password:     getEnv("DB_PASSWORD", "inventory_pass"),
			Database:     getEnv("DB_NAME", "inventory"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
			GroupID: getEnv("KAFKA_GROUP_ID", "ms-inventory-group"),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
		},
		Engine: EngineConfig{
			ReservationTTL:       time.Duration(getEnvInt("RESERVATION_TTL_MINUTES", 15)) * time.Minute,
			SweepInterval:        time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 30)) * time.Second,
			SweepBatchSize:       getEnvInt("SWEEP_BATCH_SIZE", 200),
			DistributionInterval: time.Duration(getEnvInt("DISTRIBUTION_INTERVAL_SECONDS", 60)) * time.Second,
			OfferValidity:        time.Duration(getEnvInt("OFFER_VALIDITY_MINUTES", 60)) * time.Minute,
			PassLockTTL:          time.Duration(getEnvInt("PASS_LOCK_TTL_SECONDS", 120)) * time.Second,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration, loaded from the environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Sync     SyncConfig
}

type ServerConfig struct {
	Port               string
	Mode               string // gin mode: debug, release, test
	CORSAllowedOrigins string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// SyncConfig tunes the playback coordination engine.
type SyncConfig struct {
	SampleWindow           time.Duration
	HeartbeatSweepInterval time.Duration
	EvictionThreshold      time.Duration
	CleanupInterval        time.Duration
	SessionTTL             time.Duration
	DefaultMaxParticipants int
}

// Load reads configuration from the environment. A .env file is loaded
// if present; real environment variables take precedence.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:               getEnv("SERVER_PORT", "8080"),
			Mode:               getEnv("GIN_MODE", "debug"),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "couchsync"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "dev-secret-change-me"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Sync: SyncConfig{
			SampleWindow:           getEnvDuration("SYNC_SAMPLE_WINDOW", 30*time.Second),
			HeartbeatSweepInterval: getEnvDuration("SYNC_HEARTBEAT_SWEEP", 30*time.Second),
			EvictionThreshold:      getEnvDuration("SYNC_EVICTION_THRESHOLD", 2*time.Minute),
			CleanupInterval:        getEnvDuration("SYNC_CLEANUP_INTERVAL", 5*time.Minute),
			SessionTTL:             getEnvDuration("SYNC_SESSION_TTL", 24*time.Hour),
			DefaultMaxParticipants: getEnvInt("SYNC_DEFAULT_MAX_PARTICIPANTS", 25),
		},
	}
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

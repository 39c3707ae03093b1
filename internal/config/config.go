package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration sourced from the environment.
type Config struct {
	AppName string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ObjectEndpoint  string
	ObjectRegion    string
	ObjectBucket    string
	ObjectAccessKey string
	ObjectSecretKey string
	ObjectUseSSL    bool

	ListenAddr  string
	MetricsAddr string

	RoomTTL         time.Duration
	WriteDebounce   time.Duration
	HistoryLimit    int
	ArchiveInterval time.Duration
	ArchiveMinRevs  int64
	PresenceTTL     time.Duration

	ShutdownTimeout  time.Duration
	HealthcheckProbe time.Duration
	OTLPEndpoint     string
}

// Load reads configuration from the environment while applying sensible
// defaults for local development.
func Load() (Config, error) {
	cfg := Config{
		AppName:          getEnv("APP_NAME", "collab-edit"),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getInt("DB_PORT", 5432),
		DBUser:           getEnv("DB_USER", "postgres"),
		DBPassword:       getEnv("DB_PASSWORD", "postgres"),
		DBName:           getEnv("DB_NAME", "collab"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getInt("REDIS_DB", 0),
		ObjectEndpoint:   getEnv("OBJECT_ENDPOINT", "localhost:9000"),
		ObjectRegion:     getEnv("OBJECT_REGION", "us-east-1"),
		ObjectBucket:     getEnv("OBJECT_BUCKET", "collab-archive"),
		ObjectAccessKey:  getEnv("OBJECT_ACCESS_KEY", "minio"),
		ObjectSecretKey:  getEnv("OBJECT_SECRET_KEY", "miniostorage"),
		ObjectUseSSL:     getBool("OBJECT_USE_SSL", false),
		ListenAddr:       getEnv("LISTEN_ADDR", ":3000"),
		MetricsAddr:      getEnv("METRICS_LISTEN_ADDR", ":9090"),
		RoomTTL:          getDuration("ROOM_TTL", 30*time.Minute),
		WriteDebounce:    getDuration("WRITE_DEBOUNCE", 2*time.Second),
		HistoryLimit:     getInt("HISTORY_LIMIT", 100),
		ArchiveInterval:  getDuration("ARCHIVE_INTERVAL", 30*time.Second),
		ArchiveMinRevs:   int64(getInt("ARCHIVE_MIN_REVISIONS", 50)),
		PresenceTTL:      getDuration("PRESENCE_TTL", 45*time.Second),
		ShutdownTimeout:  getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		HealthcheckProbe: getDuration("HEALTHCHECK_INTERVAL", 30*time.Second),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.DBHost == "" || cfg.DBName == "" {
		return Config{}, fmt.Errorf("database host and name must be provided")
	}
	if cfg.HistoryLimit < 1 {
		return Config{}, fmt.Errorf("HISTORY_LIMIT must be at least 1")
	}

	return cfg, nil
}

// PostgresURL assembles the connection string from the discrete DB_* parts.
func (c Config) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

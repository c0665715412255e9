package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	LogLevel      string
	// HTTP limits
	RateLimitWindow time.Duration
	RateLimitMax    int
	MaxBodyBytes    int64
	// Token verification
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	// Real-time relay
	RelayMode      string
	SendQueueSize  int
	AuthTimeout    time.Duration
	PersistTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	// Base URL of the web client, used in notification links
	AppURL string
	// Redis Configuration
	RedisURL        string
	ReplicaCacheTTL time.Duration
}

const (
	RelayModeAuto    = "auto"
	RelayModeContent = "content"
	RelayModeCRDT    = "crdt"
)

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":5000"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("GALAXY_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:    getenv("GALAXY_CORS_ORIGIN", "*"),
		LogLevel:      getenv("GALAXY_LOG_LEVEL", "info"),
		// Per-IP limit on /api requests
		RateLimitWindow: time.Duration(getenvInt("RATE_LIMIT_WINDOW_MS", 15*60*1000)) * time.Millisecond,
		RateLimitMax:    getenvInt("RATE_LIMIT_MAX_REQUESTS", 100),
		MaxBodyBytes:    int64(getenvInt("GALAXY_MAX_BODY_BYTES", 10<<20)),
		// Token verification
		JWTSecret:   getenv("GALAXY_JWT_SECRET", "galaxydocs-dev-secret"),
		JWTIssuer:   getenv("GALAXY_JWT_ISSUER", "galaxydocs"),
		JWTAudience: getenv("GALAXY_JWT_AUDIENCE", "galaxydocs-users"),
		// Relay
		RelayMode:      normalizeRelayMode(getenv("GALAXY_RELAY_MODE", RelayModeAuto)),
		SendQueueSize:  getenvInt("GALAXY_SEND_QUEUE_SIZE", 64),
		AuthTimeout:    time.Duration(getenvInt("GALAXY_AUTH_TIMEOUT_SECONDS", 5)) * time.Second,
		PersistTimeout: time.Duration(getenvInt("GALAXY_PERSIST_TIMEOUT_SECONDS", 5)) * time.Second,
		WriteTimeout:   time.Duration(getenvInt("GALAXY_WRITE_TIMEOUT_SECONDS", 10)) * time.Second,
		PingInterval:   time.Duration(getenvInt("GALAXY_PING_INTERVAL_SECONDS", 30)) * time.Second,
		// SMTP - empty by default, mention emails disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "GalaxyDocs"),
		// Notification links
		AppURL: strings.TrimRight(getenv("GALAXY_APP_URL", "http://localhost:3000"), "/"),
		// Redis - optional, enables token revocation and the replica cache
		RedisURL:        getenv("REDIS_URL", ""),
		ReplicaCacheTTL: time.Duration(getenvInt("GALAXY_REPLICA_CACHE_TTL_SECONDS", 3600)) * time.Second,
	}
}

func normalizeRelayMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case RelayModeContent:
		return RelayModeContent
	case RelayModeCRDT:
		return RelayModeCRDT
	default:
		return RelayModeAuto
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

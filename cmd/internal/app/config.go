package app

import (
	"time"

	"bloks/cmd/internal/mailer"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	// Creates missing tables at startup instead of relying on migrations.
	DBBootstrap bool

	// Verification tokens go to Redis when set; otherwise to the document store.
	RedisURL string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, BLOKS_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and token hashing must be HMAC-based.
	RequireTokenHMAC bool

	VerificationTTL       time.Duration
	VerificationRetention time.Duration
	AppBaseURL            string

	RepoTimeout       time.Duration
	JanitorInterval   time.Duration
	DirectoryCacheTTL time.Duration

	SMTP mailer.Config
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("BLOKS_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("BLOKS_LOG_LEVEL", "info"),
		LogFormat: EnvString("BLOKS_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("BLOKS_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BLOKS_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("BLOKS_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("BLOKS_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("BLOKS_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("BLOKS_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("BLOKS_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("BLOKS_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("BLOKS_DB_SCHEMA", "bloks"),
		DBBootstrap: EnvBool("BLOKS_DB_BOOTSTRAP", false),

		RedisURL: EnvString("BLOKS_REDIS_URL", ""),

		ReadinessRequireDB: EnvBool("BLOKS_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("BLOKS_REQUIRE_TOKEN_HMAC", false),

		VerificationTTL:       EnvDuration("BLOKS_VERIFICATION_TTL", 24*time.Hour),
		VerificationRetention: EnvDuration("BLOKS_VERIFICATION_RETENTION", 24*time.Hour),
		AppBaseURL:            EnvString("BLOKS_APP_BASE_URL", "http://localhost:3000"),

		RepoTimeout:       EnvDuration("BLOKS_REPO_TIMEOUT", 3*time.Second),
		JanitorInterval:   EnvDuration("BLOKS_JANITOR_INTERVAL", time.Minute),
		DirectoryCacheTTL: EnvDuration("BLOKS_DIRECTORY_CACHE_TTL", 30*time.Second),

		SMTP: mailer.Config{
			Host:     EnvString("BLOKS_SMTP_HOST", ""),
			Port:     EnvString("BLOKS_SMTP_PORT", "587"),
			Username: EnvString("BLOKS_SMTP_USERNAME", ""),
			Password: EnvString("BLOKS_SMTP_PASSWORD", ""),
			From:     EnvString("BLOKS_SMTP_FROM", ""),
			FromName: EnvString("BLOKS_SMTP_FROM_NAME", "Bloks"),
		},
	}
}

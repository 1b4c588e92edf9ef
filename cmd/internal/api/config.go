package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls HTTP API behavior and abuse limits.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Per-IP attempts on the invite verification endpoints.
	VerifyIPMax    int
	VerifyIPWindow time.Duration

	AllowedOrigins []string
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:     envBool("BLOKS_API_TRUST_PROXY", false),
		MaxBodyBytes:   envInt64("BLOKS_API_MAX_BODY_BYTES", 1<<20), // 1 MiB
		VerifyIPMax:    envInt("BLOKS_API_VERIFY_IP_MAX", 20),
		VerifyIPWindow: envDuration("BLOKS_API_VERIFY_IP_WINDOW", 10*time.Minute),
		AllowedOrigins: envCSV("BLOKS_CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	// Documents carry their full content; allow up to 8 MiB.
	if cfg.MaxBodyBytes > 8<<20 {
		cfg.MaxBodyBytes = 8 << 20
	}
	if cfg.VerifyIPWindow <= 0 {
		cfg.VerifyIPWindow = 10 * time.Minute
	}
	return cfg
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envCSV(key, def string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		v = def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookupEnv returns the parsed value of key, or def when the variable is
// unset, blank, or rejected by parse.
func lookupEnv[T any](key string, def T, parse func(string) (T, bool)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if v, ok := parse(raw); ok {
		return v
	}
	return def
}

func EnvString(key, def string) string {
	return lookupEnv(key, def, func(s string) (string, bool) { return s, true })
}

func EnvBool(key string, def bool) bool {
	return lookupEnv(key, def, func(s string) (bool, bool) {
		b, err := strconv.ParseBool(s)
		return b, err == nil
	})
}

// EnvInt accepts positive values only.
func EnvInt(key string, def int) int {
	return lookupEnv(key, def, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil && n > 0
	})
}

// EnvInt32 accepts zero, used for pool minimums.
func EnvInt32(key string, def int32) int32 {
	return lookupEnv(key, def, func(s string) (int32, bool) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err == nil && n >= 0
	})
}

// EnvDuration accepts Go duration syntax, positive values only.
func EnvDuration(key string, def time.Duration) time.Duration {
	return lookupEnv(key, def, func(s string) (time.Duration, bool) {
		d, err := time.ParseDuration(s)
		return d, err == nil && d > 0
	})
}

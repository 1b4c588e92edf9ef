package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// WSConfig holds gateway knobs. Zero values fall back to defaults.
type WSConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	SendQueue int
}

// DefaultWSConfig requires an Origin and allows only localhost.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		SendQueue:         defaultSendQueueSize,
	}
}

// LoadWSConfigFromEnv overlays BLOKS_WS_* variables on DefaultWSConfig.
// Unparsable or non-positive values keep the default.
func LoadWSConfigFromEnv() WSConfig {
	c := DefaultWSConfig()

	c.DevInsecure = envOr("BLOKS_WS_DEV_INSECURE", c.DevInsecure, strconv.ParseBool)
	c.OriginRequired = envOr("BLOKS_WS_ORIGIN_REQUIRED", c.OriginRequired, strconv.ParseBool)
	c.AllowedOrigins = envOr("BLOKS_WS_ALLOWED_ORIGINS", c.AllowedOrigins, splitCSV)

	c.WriteTimeout = envOr("BLOKS_WS_WRITE_TIMEOUT", c.WriteTimeout, positiveDuration)
	c.ReadIdleTimeout = envOr("BLOKS_WS_READ_IDLE_TIMEOUT", c.ReadIdleTimeout, positiveDuration)
	c.HeartbeatInterval = envOr("BLOKS_WS_HEARTBEAT_INTERVAL", c.HeartbeatInterval, positiveDuration)
	c.HeartbeatTimeout = envOr("BLOKS_WS_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout, positiveDuration)

	c.RateEvents = envOr("BLOKS_WS_RATE_EVENTS", c.RateEvents, positiveInt)
	c.RateWindow = envOr("BLOKS_WS_RATE_WINDOW", c.RateWindow, positiveDuration)
	c.SendQueue = envOr("BLOKS_WS_SEND_QUEUE", c.SendQueue, positiveInt)

	return c
}

// SendQueueSizeFromEnv reads BLOKS_WS_SEND_QUEUE for Manager construction.
func SendQueueSizeFromEnv() int {
	return max(LoadWSConfigFromEnv().SendQueue, minSendQueueSize)
}

func (c WSConfig) withDefaults() WSConfig {
	d := DefaultWSConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

func envOr[T any](key string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

var errNotPositive = strconv.ErrRange

func positiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err == nil && n <= 0 {
		err = errNotPositive
	}
	return n, err
}

func positiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err == nil && d <= 0 {
		err = errNotPositive
	}
	return d, err
}

func splitCSV(s string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

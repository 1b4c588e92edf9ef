package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipThrottle is a per-IP token bucket for the verification endpoints
// (token guessing): bursts of max, refilled evenly over window.
type ipThrottle struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

type ipBucket struct {
	lim  *rate.Limiter
	last time.Time
}

func newIPThrottle(max int, window time.Duration) *ipThrottle {
	return &ipThrottle{max: max, window: window, buckets: make(map[string]*ipBucket)}
}

// allow spends one token for ip and reports whether it may proceed, with the
// wait until the next token when it may not.
func (t *ipThrottle) allow(ip net.IP, now time.Time) (bool, time.Duration) {
	if t == nil || t.max <= 0 || t.window <= 0 || ip == nil {
		return true, 0
	}
	key := ip.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[key]
	if b == nil {
		b = &ipBucket{lim: rate.NewLimiter(rate.Every(t.window/time.Duration(t.max)), t.max)}
		t.buckets[key] = b
	}
	b.last = now

	r := b.lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// sweep drops IPs whose bucket has refilled or that have been idle for a
// whole window.
func (t *ipThrottle) sweep(now time.Time) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, b := range t.buckets {
		if now.Sub(b.last) >= t.window || b.lim.TokensAt(now) >= float64(t.max) {
			delete(t.buckets, k)
			n++
		}
	}
	return n
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Seconds())
		if retryAfter > time.Duration(secs)*time.Second {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for _, p := range parts {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

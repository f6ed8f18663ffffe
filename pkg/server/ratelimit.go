package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipRateLimiter hands out one token-bucket limiter per client IP. Buckets
// refill at quota per hour with a burst of quota, so a client can spend
// its hourly allowance up front but never exceed it.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	limit    rate.Limit
	burst    int
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// idleEviction is how long an IP's bucket survives without traffic before
// it is dropped. A full bucket is indistinguishable from a fresh one, so
// eviction after a full refill interval loses nothing.
const idleEviction = time.Hour

func newIPRateLimiter(quotaPerHour int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*ipLimiterEntry),
		limit:    rate.Every(time.Hour / time.Duration(quotaPerHour)),
		burst:    quotaPerHour,
	}
}

// Allow reports whether ip may make another request now.
func (l *ipRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now

	l.evictIdle(now)
	return entry.limiter.Allow()
}

func (l *ipRateLimiter) evictIdle(now time.Time) {
	for ip, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > idleEviction {
			delete(l.limiters, ip)
		}
	}
}

// clientIP extracts the peer address for rate limiting. The limiter keys
// on the direct peer, not forwarded headers, because headers are
// attacker-controlled.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLoopback reports whether ip is a local address. Local callers bypass
// rate limiting: the limiter protects against remote abuse, and the
// proving pipeline itself calls the server over loopback.
func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

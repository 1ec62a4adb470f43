package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures per-client throttling of a route group
type RateLimitConfig struct {
	// PerMinute is the sustained number of requests a client may make
	PerMinute int
	// Burst is the bucket capacity; defaults to PerMinute
	Burst int
	// KeyExtractor identifies the client, IPKeyExtractor by default
	KeyExtractor func(*http.Request) string
	// OnRateLimitExceeded writes the rejection
	OnRateLimitExceeded func(http.ResponseWriter, *http.Request)
}

// tokenBucket refills continuously at rate tokens per second
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimiter keeps one token bucket per client key
type RateLimiter struct {
	capacity float64
	rate     float64
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter creates a limiter allowing perMinute requests with the given burst
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = perMinute
	}
	return &RateLimiter{
		capacity: float64(burst),
		rate:     float64(perMinute) / 60,
		now:      time.Now,
		buckets:  make(map[string]*tokenBucket),
	}
}

// Allow consumes a token for key. It returns the wait until the next token
// when none is available.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * l.rate
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// Cleanup forgets buckets that have been full for longer than idle
func (l *RateLimiter) Cleanup(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// RateLimit returns a throttling middleware. A PerMinute of zero disables it.
func RateLimit(config RateLimitConfig) func(http.Handler) http.Handler {
	if config.PerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if config.KeyExtractor == nil {
		config.KeyExtractor = IPKeyExtractor
	}
	if config.OnRateLimitExceeded == nil {
		config.OnRateLimitExceeded = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		}
	}

	limiter := NewRateLimiter(config.PerMinute, config.Burst)
	var requests int

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, wait := limiter.Allow(config.KeyExtractor(r))

			limiter.mu.Lock()
			requests++
			sweep := requests%1000 == 0
			limiter.mu.Unlock()
			if sweep {
				limiter.Cleanup(time.Hour)
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", config.PerMinute))
			if !allowed {
				seconds := int(wait.Seconds()) + 1
				w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
				w.Header().Set("X-RateLimit-Remaining", "0")
				config.OnRateLimitExceeded(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TrustedProxies lists public proxy IPs or CIDRs whose forwarding headers are
// honored in addition to private and loopback networks
var TrustedProxies []string

var privateNetworks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"::1/128",
		"fc00::/7",
	} {
		_, network, _ := net.ParseCIDR(cidr)
		privateNetworks = append(privateNetworks, network)
	}
}

// IPKeyExtractor returns the client IP. X-Forwarded-For and X-Real-IP are
// trusted only when the direct peer is a private or trusted proxy.
func IPKeyExtractor(r *http.Request) string {
	remoteIP := stripPort(r.RemoteAddr)

	if isTrustedProxy(remoteIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			client, _, _ := strings.Cut(xff, ",")
			if client = strings.TrimSpace(client); client != "" {
				return client
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	return remoteIP
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func isTrustedProxy(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed != nil {
		for _, network := range privateNetworks {
			if network.Contains(parsed) {
				return true
			}
		}
	}

	for _, trusted := range TrustedProxies {
		if strings.Contains(trusted, "/") {
			_, network, err := net.ParseCIDR(trusted)
			if err == nil && parsed != nil && network.Contains(parsed) {
				return true
			}
		} else if trusted == ip {
			return true
		}
	}
	return false
}

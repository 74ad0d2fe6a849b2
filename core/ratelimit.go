package core

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-client token bucket limiter. Idle clients are dropped by a
// background loop until Stop is called.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*limiterEntry
	rate       rate.Limit
	burst      int
	maxEntries int
	maxIdle    time.Duration
	trustProxy bool
	proxyCount int
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxEntries        int     `yaml:"max_entries"`

	// TrustProxy reads the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a reverse proxy that sets these headers.
	TrustProxy bool `yaml:"trust_proxy"`

	// TrustedProxyCount is how many proxies append to X-Forwarded-For; the client
	// is that many hops from the right. Defaults to 1.
	TrustedProxyCount int `yaml:"trusted_proxy_count"`
}

func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.TrustedProxyCount <= 0 {
		cfg.TrustedProxyCount = 1
	}

	rl := &RateLimiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       rate.Limit(cfg.RequestsPerSecond),
		burst:      cfg.Burst,
		maxEntries: cfg.MaxEntries,
		maxIdle:    30 * time.Minute,
		trustProxy: cfg.TrustProxy,
		proxyCount: cfg.TrustedProxyCount,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop(5 * time.Minute)
	return rl
}

func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[identifier]
	if !ok {
		if len(rl.limiters) >= rl.maxEntries {
			rl.evictOldest()
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[identifier] = entry
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

// evictOldest must be called with mu held
func (rl *RateLimiter) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, e := range rl.limiters {
		if oldestID == "" || e.lastAccess.Before(oldest) {
			oldestID, oldest = id, e.lastAccess
		}
	}
	delete(rl.limiters, oldestID)
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(rl.maxIdle)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops limiters not used within maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, e := range rl.limiters {
		if now.Sub(e.lastAccess) > maxIdle {
			delete(rl.limiters, id)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.limiters))
	}
	return removed
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware answers 429 once a client exhausts its bucket
func (rl *RateLimiter) Middleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := rl.clientIP(r)
			if !rl.Allow(ip) {
				metrics.recordRateLimited(r.Context(), routeName(r))
				rl.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				respondError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the peer address unless proxy headers are trusted
func (rl *RateLimiter) clientIP(r *http.Request) string {
	if rl.trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), rl.proxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

// forwardedFor picks the hop appended by the outermost trusted proxy. Entries to
// its left are client supplied and ignored.
func forwardedFor(header string, proxyCount int) string {
	if header == "" {
		return ""
	}
	hops := strings.Split(header, ",")
	idx := len(hops) - proxyCount
	if idx < 0 {
		return ""
	}
	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

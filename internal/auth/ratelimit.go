package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/csai/lab-shell/internal/config"
	"github.com/csai/lab-shell/internal/metrics"
)

// idleClientTTL is how long a client's limiter survives without requests.
const idleClientTTL = 10 * time.Minute

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	mu           sync.Mutex
	cfg          config.RateLimitConfig
	clients      map[string]*client
	lastSweep    time.Time
	now          func() time.Time
	metricRecord func()
}

func NewRateLimiter(cfg config.RateLimitConfig, reg *metrics.Registry) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		clients: map[string]*client{},
		now:     time.Now,
		metricRecord: func() {
			if reg != nil {
				reg.IncRateLimited()
			}
		},
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(parseIP(r.RemoteAddr)) {
			rl.metricRecord()
			w.Header().Set("Retry-After", "1")
			writeDenied(w, http.StatusTooManyRequests, "throttled", "Rate limit exceeded.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.lastSweep) > idleClientTTL {
		for k, c := range rl.clients {
			if now.Sub(c.lastSeen) > idleClientTTL {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RPS), rl.cfg.Burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func parseIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}

package shield

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// idleClient is how long a client bucket survives without requests.
const idleClient = 10 * time.Minute

// RateLimiter is a per-client-IP token bucket. Idle clients are forgotten
// by Sweep, which Allow runs every idleClient.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	exclude []string
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
}

// NewRateLimiter builds a limiter from cfg.RatePerSecond and cfg.Burst.
func NewRateLimiter(cfg Config, logger *slog.Logger) *RateLimiter {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limit:   rate.Limit(cfg.RatePerSecond),
		burst:   cfg.Burst,
		exclude: cfg.Exclude,
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

func (rl *RateLimiter) sweepLocked(cutoff time.Time) int {
	n := 0
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			n++
		}
	}
	return n
}

// Allow reports whether ip may make a request now. A refused request
// returns the delay before the next token.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	if now.Sub(rl.lastSweep) > idleClient {
		rl.sweepLocked(now.Add(-idleClient))
		rl.lastSweep = now
	}
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Sweep forgets clients idle for longer than idle and returns their number.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	cutoff := rl.now().Add(-idle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.sweepLocked(cutoff)
}

// Middleware answers 429 with a Retry-After header once a client is over
// its rate.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		ip := ExtractIP(r)
		ok, wait := rl.Allow(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		rl.logger.Warn("shield: rate limited", "ip", ip, "path", r.URL.Path)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"speedshare/pkg/config"
	apperrors "speedshare/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterStore keeps one token bucket per client address. Buckets idle for
// longer than idleTTL are dropped on the next lookup sweep.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	lastScan time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterStore(limit rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters: make(map[string]*limiterEntry),
		limit:    limit,
		burst:    burst,
		idleTTL:  10 * time.Minute,
	}
}

func (s *limiterStore) allow(key string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastScan) > s.idleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > s.idleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastScan = now
	}

	e, ok := s.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// clientIP prefers the first X-Forwarded-For hop, then the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func passThrough(c *gin.Context) { c.Next() }

// concurrencyGate returns a handler that rejects requests beyond max in
// flight, or nil when max is not positive.
func concurrencyGate(max int, message string) gin.HandlerFunc {
	if max <= 0 {
		return nil
	}
	sem := make(chan struct{}, max)
	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			c.Next()
		default:
			abortWithError(c, apperrors.NewServiceUnavailableError(message))
		}
	}
}

func limited(store *limiterStore, gate gin.HandlerFunc, retryAfter time.Duration) gin.HandlerFunc {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	return func(c *gin.Context) {
		if !store.allow(clientIP(c.Request)) {
			c.Header("Retry-After", strconv.Itoa(seconds))
			abortWithError(c, apperrors.NewRateLimitError().WithContext("retry_after", seconds))
			return
		}
		if gate != nil {
			gate(c)
			return
		}
		c.Next()
	}
}

// NewHTTPRateLimitMiddleware applies per-IP rate limiting and an optional
// global cap on concurrent requests to the rendezvous API.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	hc := cfg.RateLimiting.HTTP
	store := newLimiterStore(rate.Limit(hc.RequestsPerSecond), hc.Burst)
	return limited(store, concurrencyGate(hc.MaxConcurrent, "too many concurrent requests"), time.Second)
}

// NewWebSocketRateLimitMiddleware limits how often a client may open the
// answer relay socket and how many sockets are held open at once.
func NewWebSocketRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	ws := cfg.RateLimiting.WebSocket
	perMinute := ws.ConnectionsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	store := newLimiterStore(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	return limited(store, concurrencyGate(ws.MaxConcurrent, "too many open connections"), time.Minute/time.Duration(perMinute))
}

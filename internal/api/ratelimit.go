package api

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	// bucketGranularity is the time resolution for counter buckets.
	bucketGranularity = time.Second

	// gcInterval controls how often expired buckets are pruned. Checked
	// lazily on each Allow call rather than via a background goroutine.
	gcInterval = 30 * time.Second

	rateLimitWindow = time.Minute
)

// bucket holds the request count for a single time slice.
type bucket struct {
	key   int64 // unix-second timestamp of the bucket start
	count int
}

// ipLimiter is a sliding-window request limiter keyed by client IP, using
// time-bucketed counters with lazy garbage collection.
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string][]bucket
	limit   int // requests per window, <= 0 disables limiting
	lastGC  time.Time
	logger  *slog.Logger
}

func newIPLimiter(requestsPerMinute int, logger *slog.Logger) *ipLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ipLimiter{
		clients: make(map[string][]bucket),
		limit:   requestsPerMinute,
		lastGC:  time.Now(),
		logger:  logger.With("component", "api.ipLimiter"),
	}
}

// Allow records one request for the client and reports whether it fits the
// window.
func (l *ipLimiter) Allow(clientIP string) bool {
	if l.limit <= 0 {
		return true
	}
	now := time.Now()
	key := now.Truncate(bucketGranularity).Unix()
	cutoff := now.Add(-rateLimitWindow).Truncate(bucketGranularity).Unix()

	l.mu.Lock()
	defer l.mu.Unlock()

	buckets := l.clients[clientIP]
	total := 0
	for _, b := range buckets {
		if b.key >= cutoff {
			total += b.count
		}
	}
	if total >= l.limit {
		return false
	}

	if len(buckets) > 0 && buckets[len(buckets)-1].key == key {
		buckets[len(buckets)-1].count++
	} else {
		buckets = append(buckets, bucket{key: key, count: 1})
	}
	l.clients[clientIP] = buckets

	if now.Sub(l.lastGC) > gcInterval {
		l.gcLocked(cutoff)
		l.lastGC = now
	}
	return true
}

// gcLocked prunes buckets outside the window. Must be called with l.mu held.
func (l *ipLimiter) gcLocked(cutoff int64) {
	pruned := 0
	for ip, buckets := range l.clients {
		firstValid := len(buckets)
		for i, b := range buckets {
			if b.key >= cutoff {
				firstValid = i
				break
			}
		}
		if firstValid > 0 {
			pruned += firstValid
			buckets = buckets[firstValid:]
		}
		if len(buckets) == 0 {
			delete(l.clients, ip)
		} else {
			l.clients[ip] = buckets
		}
	}
	if pruned > 0 {
		l.logger.Debug("rate limiter GC complete",
			"pruned_buckets", pruned,
			"active_clients", len(l.clients))
	}
}

// clientIP extracts the requester's address, honoring X-Forwarded-For from a
// fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

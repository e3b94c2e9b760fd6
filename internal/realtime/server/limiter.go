package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// admissionLimiter throttles connection attempts per client address.
type admissionLimiter struct {
	mu       sync.Mutex
	clients  map[string]*rate.Limiter
	lastSeen map[string]time.Time
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

// newAdmissionLimiter returns nil when perMinute is not positive, which
// disables limiting.
func newAdmissionLimiter(perMinute float64, burst int) *admissionLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}

	return &admissionLimiter{
		clients:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		idle:     5 * time.Minute,
	}
}

func (l *admissionLimiter) Allow(client string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeen[client] = time.Now()
	limiter, ok := l.clients[client]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.clients[client] = limiter
	}

	return limiter.Allow()
}

// Run drops idle clients every minute until ctx is cancelled.
func (l *admissionLimiter) Run(ctx context.Context) {
	if l == nil {
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *admissionLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-l.idle)
	for client, seen := range l.lastSeen {
		if seen.Before(threshold) {
			delete(l.clients, client)
			delete(l.lastSeen, client)
		}
	}
}

// clientAddr identifies the caller. Forwarding headers are only honoured
// behind a trusted proxy.
func clientAddr(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package proxy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRateLimit and DefaultBurst bound the rate of accepted connections
// per source IP before the handshake even starts.
const (
	DefaultRateLimit rate.Limit = 50
	DefaultBurst                = 100
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter is a per-IP token-bucket limiter with a background
// eviction loop for stale entries.
type ipRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	stop     chan struct{}
}

func newIPRateLimiter(r rate.Limit, burst int) *ipRateLimiter {
	l := &ipRateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     r,
		burst:    burst,
		stop:     make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.RLock()
	c, ok := l.limiters[ip]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		c, ok = l.limiters[ip]
		if !ok {
			c = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
			l.limiters[ip] = c
		}
		l.mu.Unlock()
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

func (l *ipRateLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for ip, c := range l.limiters {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(l.limiters, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

func (l *ipRateLimiter) Stop() {
	close(l.stop)
}

// DefaultMaxConnectionsPerIP bounds concurrent connections per IP, from
// handshake through the end of the tunnel.
const DefaultMaxConnectionsPerIP = 64

// connectionLimiter caps concurrent connections per source IP.
type connectionLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	maxPerIP    int
}

func newConnectionLimiter(maxPerIP int) *connectionLimiter {
	return &connectionLimiter{connections: make(map[string]int), maxPerIP: maxPerIP}
}

func (l *connectionLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connections[ip] >= l.maxPerIP {
		return false
	}
	l.connections[ip]++
	return true
}

func (l *connectionLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connections[ip] > 0 {
		l.connections[ip]--
	}
	if l.connections[ip] == 0 {
		delete(l.connections, ip)
	}
}

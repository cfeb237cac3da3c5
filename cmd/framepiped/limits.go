package main

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/framepipe/framepipe/internal/config"
)

type serverLimits struct {
	connectRatePerSec       float64
	connectBurst            int
	msgRatePerSec           float64
	msgBurst                int
	sessionCreateRatePerSec float64
	sessionCreateBurst      int
	wsIdleTimeout           time.Duration
	malformedMsgLimit       int
}

func newServerLimits(cfg config.ServerConfig) serverLimits {
	connectRate := float64(cfg.WSConnectsPerMin) / 60.0
	if cfg.WSConnectsPerMin <= 0 {
		connectRate = 0
	}
	msgRate := float64(cfg.WSMsgsPerSec)
	if cfg.WSMsgsPerSec <= 0 {
		msgRate = 0
	}
	limits := serverLimits{
		connectRatePerSec: connectRate,
		connectBurst:      cfg.WSConnectsBurst,
		msgRatePerSec:     msgRate,
		msgBurst:          cfg.WSMsgsBurst,
		// Session creation shares the connect budget: both are
		// per-IP setup operations.
		sessionCreateRatePerSec: connectRate,
		sessionCreateBurst:      cfg.WSConnectsBurst,
		wsIdleTimeout:           cfg.WSIdleTimeout,
		malformedMsgLimit:       cfg.MalformedMsgLimit,
	}
	if limits.connectRatePerSec > 0 {
		wsIPLimiter.SetLimits(limits.connectRatePerSec, limits.connectBurst)
	}
	if limits.sessionCreateRatePerSec > 0 {
		sessionIPLimiter.SetLimits(limits.sessionCreateRatePerSec, limits.sessionCreateBurst)
	}
	return limits
}

type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	rate   float64
	burst  float64
}

func newTokenBucket(ratePerSec float64, burst int) *tokenBucket {
	if ratePerSec < 0 {
		ratePerSec = 0
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		tokens: float64(burst),
		last:   time.Now(),
		rate:   ratePerSec,
		burst:  float64(burst),
	}
}

func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

const (
	// ipBucketIdle is how long an IP must stay quiet before its bucket
	// is dropped; longer than any burst refill, so eviction never grants
	// extra tokens.
	ipBucketIdle = 10 * time.Minute
	// ipBucketSweepEvery bounds how often the eviction scan runs.
	ipBucketSweepEvery = 1024
)

type ipBucket struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	rate    float64
	burst   int
	ops     int
	now     func() time.Time
}

func newIPLimiter(ratePerSec float64, burst int) *ipLimiter {
	return &ipLimiter{
		buckets: make(map[string]*ipBucket),
		rate:    ratePerSec,
		burst:   burst,
		now:     time.Now,
	}
}

func (l *ipLimiter) SetLimits(ratePerSec float64, burst int) {
	l.mu.Lock()
	l.rate = ratePerSec
	l.burst = burst
	l.mu.Unlock()
}

func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	if l.rate <= 0 {
		l.mu.Unlock()
		return true
	}
	now := l.now()
	entry, ok := l.buckets[ip]
	if !ok {
		entry = &ipBucket{bucket: newTokenBucket(l.rate, l.burst)}
		l.buckets[ip] = entry
	}
	entry.lastSeen = now
	l.ops++
	if l.ops >= ipBucketSweepEvery {
		l.ops = 0
		l.evictIdleLocked(now)
	}
	bucket := entry.bucket
	l.mu.Unlock()
	return bucket.Allow()
}

// evictIdleLocked drops buckets for IPs not seen within ipBucketIdle,
// keeping the map proportional to recently active clients.
func (l *ipLimiter) evictIdleLocked(now time.Time) {
	for ip, entry := range l.buckets {
		if now.Sub(entry.lastSeen) > ipBucketIdle {
			delete(l.buckets, ip)
		}
	}
}

var (
	wsIPLimiter      = newIPLimiter(0, 1)
	sessionIPLimiter = newIPLimiter(0, 1)
)

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

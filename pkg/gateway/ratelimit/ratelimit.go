// Package ratelimit is an in-memory, per-principal token bucket limiter.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*bucket
}

type bucket struct {
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*bucket),
	}
}

// Enabled reports whether the limiter can ever deny.
func (l *Limiter) Enabled() bool {
	return l != nil && l.cfg.RPS > 0 && l.cfg.Burst > 0
}

func PrincipalKeyFromUser(userID int64) string {
	return "u_" + strconv.FormatInt(userID, 10)
}

func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:12])
}

type Decision struct {
	Allowed    bool
	RetryAfter int
}

// Allow takes one token from principal's bucket.
func (l *Limiter) Allow(principal string, now time.Time) Decision {
	if !l.Enabled() {
		return Decision{Allowed: true}
	}
	if principal == "" {
		principal = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getOrCreateLocked(principal, now)
	b.lastSeen = now

	capacity := float64(l.cfg.Burst)
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*l.cfg.RPS)
		b.last = now
	}
	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return Decision{Allowed: true}
	}

	retryAfter := int(math.Ceil((1.0 - b.tokens) / l.cfg.RPS))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

func (l *Limiter) getOrCreateLocked(principal string, now time.Time) *bucket {
	if b, ok := l.m[principal]; ok {
		return b
	}
	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}
	b := &bucket{tokens: float64(l.cfg.Burst), last: now, lastSeen: now}
	l.m[principal] = b
	return b
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}

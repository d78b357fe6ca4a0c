// Package ratelimit paces browser work per platform with token buckets held
// in a bounded, expiring map.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/multipublish/internal/metrics"
)

const (
	defaultCapacity = 100
	defaultTTL      = time.Hour
)

// Config holds limiter configuration.
type Config struct {
	// MinInterval is the minimum gap between two loads on one platform.
	// Zero disables pacing.
	MinInterval time.Duration
	// Overrides sets a different MinInterval per platform.
	Overrides map[string]time.Duration
	// Capacity bounds the number of tracked platforms (default 100). The
	// least recently used entry is evicted when full.
	Capacity int
	// TTL forgets platforms idle for longer than this (default 1h).
	TTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter manages per-platform pacing.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	now     func() time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Limiter{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Wait blocks until platform may start another load, or ctx ends.
func (l *Limiter) Wait(ctx context.Context, platform string) error {
	limiter := l.get(platform)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait for %s: %w", platform, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingWait(platform, waited)
	}
	return nil
}

// Len reports how many platforms are currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) get(platform string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	if e, ok := l.entries[platform]; ok {
		if now.Sub(e.lastUsed) <= l.cfg.TTL {
			e.lastUsed = now
			return e.limiter
		}
		delete(l.entries, platform)
	}
	l.evictExpired(now)
	if len(l.entries) >= l.cfg.Capacity {
		l.evictOldest()
	}
	e := &entry{limiter: l.newLimiter(platform), lastUsed: now}
	l.entries[platform] = e
	return e.limiter
}

func (l *Limiter) newLimiter(platform string) *rate.Limiter {
	interval := l.cfg.MinInterval
	if override, ok := l.cfg.Overrides[platform]; ok {
		interval = override
	}
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

func (l *Limiter) evictExpired(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.lastUsed) > l.cfg.TTL {
			delete(l.entries, key)
		}
	}
}

func (l *Limiter) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, e := range l.entries {
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey, oldest = key, e.lastUsed
		}
	}
	delete(l.entries, oldestKey)
}

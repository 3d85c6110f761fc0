package auth

import (
	"sync"
	"time"
)

// LimiterConfig tunes one RateLimiter instance.  The server composes
// separate instances for authentication attempts and general RPC traffic.
type LimiterConfig struct {
	// Points is the number of consumable tokens per window
	Points int
	// Duration is the window length; tokens regenerate in bulk at the boundary
	Duration time.Duration
	// BlockDuration is the penalty applied once a key exceeds its points
	BlockDuration time.Duration
	// SweepInterval controls how often idle keys are evicted
	SweepInterval time.Duration
}

func (cfg LimiterConfig) withDefaults() LimiterConfig {
	if cfg.Points <= 0 {
		cfg.Points = 100
	}
	if cfg.Duration <= 0 {
		cfg.Duration = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return cfg
}

/*
RateLimiter is a per-key fixed-window admission gate.  Each key gets a full
budget of points per window; the whole budget reappears at the window
boundary rather than trickling back continuously.  A key that overdraws is
blocked outright for BlockDuration, during which consumes fail without
touching the budget.
*/
type RateLimiter struct {
	mu   sync.Mutex
	cfg  LimiterConfig
	keys map[string]*bucket
	done chan struct{}
	once sync.Once

	// now is swapped out by tests
	now func() time.Time
}

type bucket struct {
	remaining    int
	windowStart  time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		cfg:  cfg.withDefaults(),
		keys: make(map[string]*bucket),
		done: make(chan struct{}),
		now:  time.Now,
	}

	go rl.sweepLoop()

	return rl
}

/*
Consume takes points from the key's current window.  It reports whether the
call is admitted; when it is not, retryAfter says how long until the caller
stands a chance again (block expiry, or the next window boundary).
*/
func (rl *RateLimiter) Consume(key string, points int) (ok bool, retryAfter time.Duration) {
	if points <= 0 {
		points = 1
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b := rl.bucket(key, now)
	b.lastSeen = now

	if now.Before(b.blockedUntil) {
		return false, b.blockedUntil.Sub(now)
	}

	if b.remaining >= points {
		b.remaining -= points
		return true, 0
	}

	windowEnd := b.windowStart.Add(rl.cfg.Duration)
	if rl.cfg.BlockDuration > 0 {
		b.blockedUntil = now.Add(rl.cfg.BlockDuration)
		return false, rl.cfg.BlockDuration
	}

	return false, windowEnd.Sub(now)
}

// Remaining reports the unconsumed points in the key's current window.
// A key the limiter has never seen has the full budget.
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.bucket(key, rl.now()).remaining
}

// IsBlocked reports whether the key sits in a block penalty right now.
func (rl *RateLimiter) IsBlocked(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.keys[key]
	return exists && rl.now().Before(b.blockedUntil)
}

// Reset forgets everything about one key, budget and penalty included.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	delete(rl.keys, key)
	rl.mu.Unlock()
}

// ClearAll forgets every key.
func (rl *RateLimiter) ClearAll() {
	rl.mu.Lock()
	rl.keys = make(map[string]*bucket)
	rl.mu.Unlock()
}

// Stop ends the background sweeper.  Idempotent.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.done) })
}

// bucket returns the key's window state, rolling it forward to the current
// window when the boundary has passed.  Callers hold rl.mu.
func (rl *RateLimiter) bucket(key string, now time.Time) *bucket {
	b, exists := rl.keys[key]
	if !exists {
		b = &bucket{
			remaining:   rl.cfg.Points,
			windowStart: now,
			lastSeen:    now,
		}
		rl.keys[key] = b
		return b
	}

	if now.Sub(b.windowStart) >= rl.cfg.Duration {
		b.remaining = rl.cfg.Points
		b.windowStart = now
	}

	return b
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.done:
			return
		}
	}
}

// sweep drops keys idle longer than a full window plus penalty, bounding
// memory under key churn.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-(rl.cfg.Duration + rl.cfg.BlockDuration))
	for key, b := range rl.keys {
		if b.lastSeen.Before(cutoff) {
			delete(rl.keys, key)
		}
	}
}

package sshpool

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
)

// Two independent mechanisms protect a device from connection storms:
//   - Sliding-window rate limit: max connect attempts per minute.
//   - Consecutive failure block: after N failures in a row, connects are
//     refused for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 30
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 30 * time.Second
)

// EventRateLimited is recorded when a connect attempt is refused locally.
const EventRateLimited EventType = "rate_limited"

// RateLimitConfig configures the connect limiter of a pool. Zero values take
// the defaults above; a negative MaxAttemptsPerMinute disables the window.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.MaxAttemptsPerMinute == 0 {
		c.MaxAttemptsPerMinute = DefaultMaxAttemptsPerMinute
	}
	if c.MaxConsecFailures <= 0 {
		c.MaxConsecFailures = DefaultMaxConsecFailures
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	return c
}

// RateLimitStatus is the limiter state reported in pool stats.
type RateLimitStatus struct {
	RecentAttempts int        `json:"recent_attempts"`
	ConsecFailures int        `json:"consec_failures"`
	Blocked        bool       `json:"blocked"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty"`
}

// rateLimiter tracks connect attempts of one device.
type rateLimiter struct {
	mu     sync.Mutex
	device string
	config RateLimitConfig
	nowFn  func() time.Time

	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

func newRateLimiter(device string, config RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		device: device,
		config: config.withDefaults(),
		nowFn:  time.Now,
	}
}

// allow records an attempt, or returns an IO("RateLimited") error when the
// device is blocked or over its per-minute budget.
func (rl *rateLimiter) allow() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	if now.Before(rl.blockedUntil) {
		remaining := rl.blockedUntil.Sub(now).Truncate(time.Second)
		log.Printf("[ssh-pool] %s: connect blocked for %s (consecutive failures: %d)",
			logging.Sanitize(rl.device), remaining, rl.consecFailures)
		return errdefs.IO("RateLimited", fmt.Errorf("connect blocked after %d consecutive failures; retry in %s",
			rl.consecFailures, remaining))
	}

	cutoff := now.Add(-time.Minute)
	pruned := rl.attempts[:0]
	for _, t := range rl.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	rl.attempts = pruned

	if rl.config.MaxAttemptsPerMinute > 0 && len(rl.attempts) >= rl.config.MaxAttemptsPerMinute {
		log.Printf("[ssh-pool] %s: exceeded %d connect attempts/min",
			logging.Sanitize(rl.device), rl.config.MaxAttemptsPerMinute)
		return errdefs.IO("RateLimited", fmt.Errorf("%d connect attempts in the last minute (max %d)",
			len(rl.attempts), rl.config.MaxAttemptsPerMinute))
	}
	rl.attempts = append(rl.attempts, now)
	return nil
}

func (rl *rateLimiter) success() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.consecFailures = 0
	rl.blockedUntil = time.Time{}
}

func (rl *rateLimiter) failure() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.consecFailures++
	if rl.consecFailures >= rl.config.MaxConsecFailures {
		rl.blockedUntil = rl.nowFn().Add(rl.config.BlockDuration)
		log.Printf("[ssh-pool] %s: blocking connects until %s (%d consecutive failures)",
			logging.Sanitize(rl.device), rl.blockedUntil.Format(time.RFC3339), rl.consecFailures)
	}
}

func (rl *rateLimiter) status() RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	cutoff := now.Add(-time.Minute)
	s := RateLimitStatus{ConsecFailures: rl.consecFailures}
	for _, t := range rl.attempts {
		if t.After(cutoff) {
			s.RecentAttempts++
		}
	}
	if now.Before(rl.blockedUntil) {
		until := rl.blockedUntil
		s.Blocked = true
		s.BlockedUntil = &until
	}
	return s
}

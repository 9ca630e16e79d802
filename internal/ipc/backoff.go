package ipc

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// BackoffConfig controls the delay between reconnection attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter adds up to this fraction of the delay at random. Zero disables
	// jitter.
	Jitter float64
	// MaxAttempts bounds dial attempts per reconnect. Zero retries until the
	// caller's context ends.
	MaxAttempts int
}

// DefaultBackoff returns the schedule used when no config is supplied.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
		Jitter:       0.2,
		MaxAttempts:  5,
	}
}

// NextBackoffDelay is the un-jittered delay before attempt (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return capDelay(cfg, float64(cfg.InitialDelay))
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	return capDelay(cfg, delay)
}

func capDelay(cfg BackoffConfig, delay float64) time.Duration {
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Backoff produces the delay sequence for one run of consecutive failures.
// Jitter never makes a delay shorter than the previous one or longer than
// MaxDelay, so the sequence is non-decreasing and constant once capped.
type Backoff struct {
	cfg BackoffConfig

	mu      sync.Mutex
	attempt int
	prev    time.Duration
	rng     *rand.Rand
}

// NewBackoff starts a fresh schedule. A nil rng uses a randomly seeded source.
func NewBackoff(cfg BackoffConfig, rng *rand.Rand) *Backoff {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Backoff{cfg: cfg, rng: rng}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt++
	base := NextBackoffDelay(b.cfg, b.attempt)
	delay := float64(base)
	if b.cfg.Jitter > 0 {
		delay += delay * b.cfg.Jitter * b.rng.Float64()
	}
	d := capDelay(b.cfg, delay)
	if d < b.prev {
		d = b.prev
	}
	b.prev = d
	return d
}

// Attempt is the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Exhausted reports whether MaxAttempts dial attempts have been made, given
// that each attempt after the first was preceded by Next.
func (b *Backoff) Exhausted(attempts int) bool {
	return b.cfg.MaxAttempts > 0 && attempts >= b.cfg.MaxAttempts
}

// Reset starts the schedule over after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.prev = 0
	b.mu.Unlock()
}

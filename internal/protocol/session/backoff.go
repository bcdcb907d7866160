package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
// Jitter scales the delay by a factor in [0.5, 1.5) and never exceeds MaxDelay.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
	}
	return time.Duration(delay)
}

// Backoff tracks consecutive reconnect attempts.
// Not safe for concurrent use; the connector's run loop owns it.
type Backoff struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
}

func NewBackoff(cfg BackoffConfig, rng *rand.Rand) *Backoff {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{cfg: cfg, rng: rng}
}

// Next advances the attempt counter and returns the delay to wait.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return NextBackoffDelay(b.cfg, b.attempt, b.rng)
}

func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

// Settle resets the counter if a session stayed up for at least ResetAfter.
func (b *Backoff) Settle(liveFor time.Duration) bool {
	if b.cfg.ResetAfter > 0 && liveFor >= b.cfg.ResetAfter {
		b.attempt = 0
		return true
	}
	return false
}

package infra

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Base * 2^retry capped at Max, with up to
// Jitter fraction of the delay added at random.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff is used by stream workers.
var DefaultBackoff = Backoff{Base: time.Second, Max: 60 * time.Second, Jitter: 0.2}

// Delay returns the delay before attempt retry (0-based).
// A negative retry is treated as the first attempt.
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}

	d := b.Max
	// 2^30 seconds is far beyond any sane Max.
	if retry <= 30 {
		d = b.Base * time.Duration(1<<retry)
	}
	if d > b.Max || d <= 0 {
		d = b.Max
	}

	if b.Jitter > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	return d
}

// CalculateBackoff returns the delay for retry without jitter.
func CalculateBackoff(retry int) time.Duration {
	b := DefaultBackoff
	b.Jitter = 0
	return b.Delay(retry)
}

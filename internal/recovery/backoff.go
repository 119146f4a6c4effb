// Package recovery decides what happens after a failed attempt: retry with
// exponential backoff, give up when the retry budget is exhausted, or
// short-circuit dispatch entirely while a (kind, agent) circuit is open.
// Backoff is time-based and per-attempt; circuit breaking is state-based and
// per-agent, so one flaky task can retry locally while a systemically broken
// agent is avoided for all tasks.
package recovery

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"relay/internal/config"
)

// Backoff computes retry delays: base * multiplier^(attempt-1), capped at
// max, with bounded random jitter so tasks sharing an agent don't retry in
// lockstep.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// Max caps the delay.
	Max time.Duration
}

// BackoffFromPolicy builds a Backoff from a kind policy.
func BackoffFromPolicy(kp config.KindPolicy) Backoff {
	return Backoff{
		Base:       kp.BackoffBase,
		Multiplier: kp.BackoffMultiplier,
		Max:        kp.BackoffMax,
	}
}

// Delay returns the capped exponential delay for the given 1-based attempt,
// before jitter. Monotonically non-decreasing in attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.Max) || d < 0 {
		// Negative means the pow overflowed.
		return b.Max
	}
	return time.Duration(d)
}

// jitterMu guards the package-level jitter source.
var jitterMu sync.Mutex
var jitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// Jittered returns the delay for the attempt scaled by a random factor in
// [0.5, 1.0]. The result never exceeds Delay(attempt) and so never exceeds
// the cap.
func (b Backoff) Jittered(attempt int) time.Duration {
	d := b.Delay(attempt)

	jitterMu.Lock()
	factor := 0.5 + jitterRand.Float64()*0.5
	jitterMu.Unlock()

	return time.Duration(float64(d) * factor)
}

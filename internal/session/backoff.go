package session

import "time"

// Backoff computes reconnect delays for the Session Orchestrator's
// supervised channel loop: exponential growth from Initial by Factor, each
// step capped at Max, until the cumulative elapsed delay reaches Cap — at
// which point the policy is exhausted and the orchestrator must deliver a
// Fatal error to the host callback.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	Cap     time.Duration

	next    time.Duration
	elapsed time.Duration
}

// DefaultBackoff returns the policy's default parameters: 500ms initial
// delay, 1.5x growth factor, 60s per-step max, 15 minute cumulative cap.
func DefaultBackoff() *Backoff {
	return &Backoff{
		Initial: 500 * time.Millisecond,
		Factor:  1.5,
		Max:     60 * time.Second,
		Cap:     15 * time.Minute,
	}
}

// Next returns the delay to sleep before the next reconnect attempt, and
// true if the policy has not yet been exhausted. Each call advances the
// internal state: the delay is monotonically non-decreasing until Max, and
// the cumulative elapsed delay is tracked against Cap. The last delay is
// shortened so that the cumulative total lands exactly on Cap.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.elapsed >= b.Cap {
		return 0, false
	}

	if b.next == 0 {
		b.next = b.Initial
	}

	delay := b.next
	if remaining := b.Cap - b.elapsed; delay > remaining {
		delay = remaining
	}

	b.elapsed += delay

	grown := time.Duration(float64(b.next) * b.Factor)
	if grown > b.Max {
		grown = b.Max
	}
	b.next = grown

	return delay, true
}

// Reset clears accumulated state, restarting the sequence from Initial.
// Called after a successful connection so a later disconnect starts a
// fresh backoff sequence rather than continuing where a prior one left off.
func (b *Backoff) Reset() {
	b.next = 0
	b.elapsed = 0
}

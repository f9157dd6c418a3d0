// Copyright 2025 James Ross
// Package retry implements the jittered exponential backoff policy the
// engine uses against the hostile-cloud-environment failure modes of the
// remote control plane and data plane: 5xx, rate limiting, connection
// resets. Each Policy carries its own seed, cap, and attempt ceiling.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes one backoff curve. Seed is the base duration used for the
// first retry (attempt 1); Cap bounds the computed delay; MaxAttempts is the
// number of retries allowed before the caller should give up (0 means
// unbounded).
type Policy struct {
	Seed        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Join mirrors the join() control-plane retry policy: seed 100*2^5ms,
// capped at 30s, up to 1000 attempts.
var Join = Policy{
	Seed:        100 * (1 << 5) * time.Millisecond,
	Cap:         30 * time.Second,
	MaxAttempts: 1000,
}

// Status mirrors get_job_status's retry policy: seed 100ms, capped at 30s,
// up to 100 attempts.
var Status = Policy{
	Seed:        100 * time.Millisecond,
	Cap:         30 * time.Second,
	MaxAttempts: 100,
}

// QueueOps mirrors delete_task's floor of 2^4s with a 20-attempt ceiling.
var QueueOps = Policy{
	Seed:        16 * time.Second,
	Cap:         60 * time.Second,
	MaxAttempts: 20,
}

// Delay returns the jittered delay to use before retry number `attempt`
// (1-indexed). It is uniform in [1, min(Cap, Seed*2^(attempt-1))].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(p.Seed) * math.Pow(2, float64(attempt-1))
	ceiling := exp
	if capF := float64(p.Cap); p.Cap > 0 && ceiling > capF {
		ceiling = capF
	}
	if ceiling < 1 {
		ceiling = 1
	}
	return time.Duration(1 + rand.Int63n(int64(ceiling)))
}

// Exhausted reports whether `attempt` retries have used up the policy's
// ceiling. A zero MaxAttempts means the policy never gives up.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

package netmgr

import (
	"math/rand/v2"
	"time"
)

// backoffExpCap bounds the doubling exponent so the shift stays sane
// no matter how large the retry count grows.
const backoffExpCap = 6

// Backoff computes reconnect delays: exponential doubling from Base,
// capped at Max, with ±10% jitter so a fleet of units does not retry
// in lockstep. Delay always returns a value within [Base, Max].
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Rand supplies jitter. Nil uses the process-wide source.
	Rand *rand.Rand
}

// Delay returns how long to wait before the next attempt, given how
// many consecutive attempts have already failed.
func (b Backoff) Delay(retryCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	limit := b.Max
	if limit < base {
		limit = base
	}

	exp := retryCount
	if exp < 0 {
		exp = 0
	}
	if exp > backoffExpCap {
		exp = backoffExpCap
	}

	d := base << uint(exp)
	if d > limit {
		d = limit
	}

	var f float64
	if b.Rand != nil {
		f = b.Rand.Float64()
	} else {
		f = rand.Float64()
	}
	d = time.Duration(float64(d) * (0.9 + 0.2*f))

	if d < base {
		d = base
	}
	if d > limit {
		d = limit
	}
	return d
}

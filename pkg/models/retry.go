package models

import (
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior for items and failed applies
type RetryPolicy struct {
	MaxAttempts       int           // Maximum lease attempts per item
	MaxApplyAttempts  int           // Maximum apply attempts per order
	InitialBackoff    time.Duration // Initial backoff duration
	MaxBackoff        time.Duration // Maximum backoff duration
	BackoffMultiplier float64       // Multiplier for exponential backoff
	Jitter            float64       // Fraction of the backoff randomized, 0..1
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		MaxApplyAttempts:  3,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// Backoff calculates the backoff duration for a given attempt count,
// exponential with jitter, capped at MaxBackoff.
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := float64(rp.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= rp.BackoffMultiplier
	}
	if max := float64(rp.MaxBackoff); backoff > max {
		backoff = max
	}
	if rp.Jitter > 0 {
		// spread is +/- jitter/2 around the nominal backoff
		spread := backoff * rp.Jitter
		backoff = backoff - spread/2 + rand.Float64()*spread
	}
	return time.Duration(backoff)
}

// LeaseDefaults holds construction-time lease timing configuration
type LeaseDefaults struct {
	TTL               time.Duration // Default lease duration
	HeartbeatInterval time.Duration // Advised heartbeat cadence for holders
}

// DefaultLeaseDefaults returns stock lease timing
func DefaultLeaseDefaults() LeaseDefaults {
	return LeaseDefaults{
		TTL:               2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

package client

import (
	mathrand "math/rand"
	"time"
)

// Reconnect computes jittered exponential backoff between connection
// attempts, bounded by a maximum delay so that a long outage does not turn
// into an unbounded one, and jittered so that many clients recovering from
// the same outage do not reconnect in lockstep.
type Reconnect struct {
	initialTimeout time.Duration
	maxTimeout     time.Duration
	failureCount   int
}

func NewReconnect(initialTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	return &Reconnect{
		initialTimeout: initialTimeout,
		maxTimeout:     maxTimeout,
		failureCount:   0,
	}
}

// Fail records a failed attempt and returns the delay before the next one.
// The delay is initial*2^(failures-1), capped at the maximum, scaled by a
// random jitter in [0.5, 1.5).
func (self *Reconnect) Fail() time.Duration {
	timeout := self.initialTimeout << self.failureCount
	if self.maxTimeout < timeout || timeout <= 0 {
		// shifted past the cap, or overflowed
		timeout = self.maxTimeout
	}
	self.failureCount += 1
	jitter := 0.5 + mathrand.Float64()
	return time.Duration(float64(timeout) * jitter)
}

// After is a convenience wrapping Fail for select loops.
func (self *Reconnect) After() <-chan time.Time {
	return time.After(self.Fail())
}

func (self *Reconnect) Reset() {
	self.failureCount = 0
}

func (self *Reconnect) FailureCount() int {
	return self.failureCount
}

package queue

import (
	"math/rand"
	"time"
)

// Policy describes how failing jobs are rescheduled.
type Policy struct {
	Base        time.Duration
	MaxAttempts int
}

// NextDelay returns the backoff before the given retry. attempts is the
// number of attempts already made, so the first retry of a job waits
// roughly 2x the base.
func (p Policy) NextDelay(attempts int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	return Jitter(base << attempts)
}

// Jitter spreads a delay uniformly across [0.5d, 1.5d). It is applied to
// every scheduled delay, retry or otherwise, so synchronized clients do
// not produce retry storms.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(d) * factor)
}

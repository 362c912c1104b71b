package engine

import (
	"time"
)

// Ticker abstracts time.Ticker so scheduling is deterministic in tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock abstracts wall time and ticker creation.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// RealClock returns the wall clock.
func RealClock() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

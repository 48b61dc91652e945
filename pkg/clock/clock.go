// Package clock provides an injectable time source so scheduling and
// timeout logic in the pipeline engine can be driven deterministically
// in tests, per the "Clock & sleep" external interface.
package clock

import "time"

// Clock abstracts wall-clock time and sleeping.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker abstracts time.Ticker so fakes can control tick delivery.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

// Real returns the Clock backed by the standard library.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Sleep(d time.Duration)            { time.Sleep(d) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

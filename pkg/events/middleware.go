package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Middleware runs before an event is queued for delivery. Returning keep=false
// drops the event; the returned Event lets a middleware transform the event
// (e.g. stamp metadata) before it continues down the chain.
type Middleware func(Event) (out Event, keep bool)

// ValidationMiddleware drops events with an empty type and replaces a nil
// payload with an empty one, mirroring the source system's validation
// middleware.
func ValidationMiddleware() Middleware {
	return func(e Event) (Event, bool) {
		if e.Type == "" {
			return e, false
		}
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		return e, true
	}
}

// LoggingMiddleware logs every event that passes through it at debug level.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(e Event) (Event, bool) {
		log.Debug("event published", zap.String("type", e.Type), zap.String("id", e.ID))
		return e, true
	}
}

// MetricsMiddleware counts events by type, reported through the returned
// *MiddlewareCounts; its error counts grow only through RecordError.
func MetricsMiddleware() (Middleware, *MiddlewareCounts) {
	counts := &MiddlewareCounts{
		eventCounts: make(map[string]int64),
		errorCounts: make(map[string]int64),
	}
	mw := func(e Event) (Event, bool) {
		counts.mu.Lock()
		counts.eventCounts[e.Type]++
		counts.mu.Unlock()
		return e, true
	}
	return mw, counts
}

// MiddlewareCounts is the mutable side-table MetricsMiddleware reports
// through, since a Middleware is a pure function and cannot itself expose
// accessor methods.
type MiddlewareCounts struct {
	mu          sync.Mutex
	eventCounts map[string]int64
	errorCounts map[string]int64
}

// RecordError increments the error counter for typ. The Bus does not call
// it; handler failures are counted here only when a caller records them.
func (c *MiddlewareCounts) RecordError(typ string) {
	c.mu.Lock()
	c.errorCounts[typ]++
	c.mu.Unlock()
}

// Snapshot returns copies of the accumulated counts.
func (c *MiddlewareCounts) Snapshot() (events, errors map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	events = make(map[string]int64, len(c.eventCounts))
	for k, v := range c.eventCounts {
		events[k] = v
	}
	errors = make(map[string]int64, len(c.errorCounts))
	for k, v := range c.errorCounts {
		errors[k] = v
	}
	return events, errors
}

// FilterMiddleware keeps only events whose type is in the allow-list.
func FilterMiddleware(allowed ...string) Middleware {
	set := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		set[t] = struct{}{}
	}
	return func(e Event) (Event, bool) {
		_, ok := set[e.Type]
		return e, ok
	}
}

// runChain applies middlewares in order, stopping at the first drop or the
// first panic-turned-error (a misbehaving middleware drops the event rather
// than taking down the bus).
func runChain(chain []Middleware, e Event) (out Event, keep bool, err error) {
	out = e
	for _, mw := range chain {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("middleware panic: %v", r)
					keep = false
				}
			}()
			var ok bool
			out, ok = mw(out)
			if !ok {
				keep = false
				return
			}
			keep = true
		}()
		if !keep || err != nil {
			return out, false, err
		}
	}
	return out, true, nil
}

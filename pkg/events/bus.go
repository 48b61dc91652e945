package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sambenson/docpipe/pkg/telemetry"
)

// Config tunes a Bus. Zero-value fields fall back to DefaultConfig.
type Config struct {
	BufferSize      int
	DeliveryTimeout time.Duration
	Logger          *zap.Logger
	Metrics         *telemetry.Metrics
}

// DefaultConfig returns the Bus defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:      1000,
		DeliveryTimeout: 30 * time.Second,
	}
}

type subscription struct {
	id      SubscriptionID
	typ     string
	filter  Filter
	handler Handler
	name    string
}

// Bus is a single-writer-per-publish, cooperatively-drained publish/subscribe
// hub. One background goroutine drains the event queue so that, per event
// type, handlers observe publish order.
type Bus struct {
	cfg Config
	log *zap.Logger

	mu            sync.RWMutex
	subscriptions map[string][]*subscription // event type -> subscribers, insertion order
	middlewares   []Middleware

	queue    chan Event
	done     chan struct{}
	drainWG  sync.WaitGroup
	closed   atomic.Bool
	started  atomic.Bool

	statsMu sync.Mutex
	byType  map[string]*TypeStats
	byName  map[string]*HandlerStats

	totalEvents atomic.Int64
	totalErrors atomic.Int64
	startedAt   time.Time
}

var sentinel = Event{Type: "__docpipe_stop__"}

// New constructs a Bus. Call Start before publishing and Stop to drain.
func New(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		cfg:           cfg,
		log:           log,
		subscriptions: make(map[string][]*subscription),
		queue:         make(chan Event, cfg.BufferSize),
		done:          make(chan struct{}),
		byType:        make(map[string]*TypeStats),
		byName:        make(map[string]*HandlerStats),
	}
}

// Start begins the background drain loop. It is idempotent.
func (b *Bus) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.startedAt = time.Now()
	b.drainWG.Add(1)
	go b.drain()
}

// AddMiddleware appends mw to the chain run before an event is queued.
func (b *Bus) AddMiddleware(mw Middleware) {
	b.mu.Lock()
	b.middlewares = append(b.middlewares, mw)
	b.mu.Unlock()
}

// Subscribe registers handler for events of typ, returning an id usable with
// Unsubscribe. name is used only for per-handler metrics labeling.
func (b *Bus) Subscribe(typ, name string, handler Handler) SubscriptionID {
	return b.SubscribeWithFilter(typ, name, nil, handler)
}

// SubscribeWithFilter is Subscribe plus a predicate evaluated before delivery.
func (b *Bus) SubscribeWithFilter(typ, name string, filter Filter, handler Handler) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	sub := &subscription{id: id, typ: typ, filter: filter, handler: handler, name: name}
	b.mu.Lock()
	b.subscriptions[typ] = append(b.subscriptions[typ], sub)
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a previously registered handler. Safe to call while
// Publish is in flight; the change is visible no later than the next drain
// step.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typ, subs := range b.subscriptions {
		for i, s := range subs {
			if s.id == id {
				b.subscriptions[typ] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish runs the middleware chain and, if the event survives, enqueues it.
// It blocks up to ctx's deadline (or indefinitely if none) trying to enqueue;
// callers that need a hard deadline should pass a context with one.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if b.closed.Load() {
		return fmt.Errorf("event bus: publish after stop")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	chain := append([]Middleware(nil), b.middlewares...)
	b.mu.RUnlock()

	out, keep, err := runChain(chain, e)
	if err != nil {
		b.log.Warn("middleware error, dropping event", zap.String("type", e.Type), zap.Error(err))
		b.recordDrop("middleware_error")
		return nil
	}
	if !keep {
		b.recordDrop("middleware_filtered")
		return nil
	}

	select {
	case b.queue <- out:
		b.cfg.Metrics.EventPublished(out.Type)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) recordDrop(reason string) {
	b.cfg.Metrics.EventDropped(reason)
}

// Stop enqueues a sentinel, waits for the drain loop to observe it, and
// marks the bus closed. Events already queued are delivered first.
func (b *Bus) Stop() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	if b.started.Load() {
		b.queue <- sentinel
		b.drainWG.Wait()
	}
}

func (b *Bus) drain() {
	defer b.drainWG.Done()
	for e := range b.queue {
		if e.Type == sentinel.Type {
			return
		}
		b.deliver(e)
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subscriptions[e.Type]...)
	b.mu.RUnlock()

	b.totalEvents.Add(1)
	start := time.Now()

	if len(subs) == 0 {
		b.log.Debug("no handlers registered", zap.String("type", e.Type))
		b.recordType(e.Type, time.Since(start), false)
		return
	}

	anyErr := false
	for _, s := range subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		hStart := time.Now()
		err := b.invoke(s.handler, e)
		elapsed := time.Since(hStart)
		b.recordHandler(s.name, elapsed, err != nil)
		b.cfg.Metrics.ObserveHandlerDuration(e.Type, elapsed.Seconds())
		if err != nil {
			anyErr = true
			b.totalErrors.Add(1)
			b.log.Warn("event handler failed",
				zap.String("type", e.Type), zap.String("handler", s.name), zap.Error(err))
		}
	}
	b.recordType(e.Type, time.Since(start), anyErr)
}

func (b *Bus) invoke(h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(e)
}

func (b *Bus) recordType(typ string, elapsed time.Duration, errored bool) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	st, ok := b.byType[typ]
	if !ok {
		st = &TypeStats{}
		b.byType[typ] = st
	}
	st.Count++
	st.TotalElapsed += elapsed
	if elapsed > st.MaxElapsed {
		st.MaxElapsed = elapsed
	}
	st.LastOccurredAt = time.Now()
	if errored {
		st.ErrorCount++
	}
}

func (b *Bus) recordHandler(name string, elapsed time.Duration, errored bool) {
	if name == "" {
		return
	}
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	st, ok := b.byName[name]
	if !ok {
		st = &HandlerStats{}
		b.byName[name] = st
	}
	if errored {
		st.Errors++
	} else {
		st.Success++
	}
	st.TotalElapsed += elapsed
	if elapsed > st.MaxElapsed {
		st.MaxElapsed = elapsed
	}
}

// Metrics returns a snapshot of aggregate and per-type/per-handler stats.
func (b *Bus) Metrics() Metrics {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	byType := make(map[string]TypeStats, len(b.byType))
	for k, v := range b.byType {
		byType[k] = *v
	}
	byName := make(map[string]HandlerStats, len(b.byName))
	for k, v := range b.byName {
		byName[k] = *v
	}

	total := b.totalEvents.Load()
	errs := b.totalErrors.Load()
	var eventsPerSec, errRate float64
	if elapsed := time.Since(b.startedAt).Seconds(); elapsed > 0 {
		eventsPerSec = float64(total) / elapsed
	}
	if total > 0 {
		errRate = float64(errs) / float64(total)
	}

	return Metrics{
		TotalEvents:   total,
		TotalErrors:   errs,
		EventsPerSec:  eventsPerSec,
		ErrorRate:     errRate,
		ByType:        byType,
		ByHandlerName: byName,
	}
}

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestBus() *Bus {
	return New(Config{BufferSize: 16, DeliveryTimeout: time.Second})
}

func TestSubscribeDeliversInPublishOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus()
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	b.Subscribe("seq", "collector", func(e Event) error {
		mu.Lock()
		n, _ := e.Payload["n"].(int)
		seen = append(seen, n)
		if len(seen) == 5 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{Type: "seq", Payload: map[string]any{"n": i}}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestSubscribeWithFilterSkipsNonMatching(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus()
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var kept []string
	done := make(chan struct{})
	b.SubscribeWithFilter("tagged", "filtered", func(e Event) bool {
		tag, _ := e.Payload["tag"].(string)
		return tag == "keep"
	}, func(e Event) error {
		mu.Lock()
		kept = append(kept, e.Payload["tag"].(string))
		mu.Unlock()
		close(done)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), Event{Type: "tagged", Payload: map[string]any{"tag": "drop"}}))
	require.NoError(t, b.Publish(context.Background(), Event{Type: "tagged", Payload: map[string]any{"tag": "keep"}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"keep"}, kept)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus()
	b.Start()
	defer b.Stop()

	calls := 0
	var mu sync.Mutex
	id := b.Subscribe("toggle", "toggler", func(e Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	require.NoError(t, b.Publish(context.Background(), Event{Type: "toggle"}))
	time.Sleep(50 * time.Millisecond)

	b.Unsubscribe(id)
	require.NoError(t, b.Publish(context.Background(), Event{Type: "toggle"}))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestValidationMiddlewareDropsEmptyType(t *testing.T) {
	b := newTestBus()
	b.AddMiddleware(ValidationMiddleware())
	b.Start()
	defer b.Stop()

	require.NoError(t, b.Publish(context.Background(), Event{Type: ""}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), b.Metrics().TotalEvents)
}

func TestFilterMiddlewareAllowList(t *testing.T) {
	b := newTestBus()
	b.AddMiddleware(FilterMiddleware("allowed.type"))
	b.Start()
	defer b.Stop()

	got := make(chan Event, 1)
	b.Subscribe("allowed.type", "sink", func(e Event) error {
		got <- e
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), Event{Type: "blocked.type"}))
	require.NoError(t, b.Publish(context.Background(), Event{Type: "allowed.type"}))

	select {
	case e := <-got:
		assert.Equal(t, "allowed.type", e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected allowed.type to be delivered")
	}
}

func TestMetricsMiddlewareCountsByType(t *testing.T) {
	mw, counts := MetricsMiddleware()
	b := newTestBus()
	b.AddMiddleware(mw)
	b.Start()
	defer b.Stop()

	done := make(chan struct{})
	b.Subscribe("counted", "sink", func(e Event) error {
		close(done)
		return nil
	})
	require.NoError(t, b.Publish(context.Background(), Event{Type: "counted"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	events, _ := counts.Snapshot()
	assert.Equal(t, int64(1), events["counted"])
}

func TestHandlerPanicIsRecoveredAsError(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus()
	b.Start()
	defer b.Stop()

	done := make(chan struct{})
	b.Subscribe("panicky", "boom", func(e Event) error {
		defer close(done)
		panic("kaboom")
	})
	require.NoError(t, b.Publish(context.Background(), Event{Type: "panicky"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), b.Metrics().TotalErrors)
}

func TestStopDrainsQueuedEventsThenExits(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus()
	b.Start()

	var mu sync.Mutex
	delivered := 0
	b.Subscribe("drain", "counter", func(e Event) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{Type: "drain"}))
	}
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, delivered)
}

func TestPublishAfterStopErrors(t *testing.T) {
	b := newTestBus()
	b.Start()
	b.Stop()
	err := b.Publish(context.Background(), Event{Type: "late"})
	assert.Error(t, err)
}

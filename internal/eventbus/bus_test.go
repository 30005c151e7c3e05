package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/fmbview/internal/telemetry"
)

func TestBus_DeliversInOrderWithOneWorker(t *testing.T) {
	bus := New(Options{Workers: 1, QueueSize: 16})

	var mu sync.Mutex
	var keys []string
	bus.Subscribe(EventTypeBlockUpdated, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, e.Key)
	})

	bus.Publish(Event{Type: EventTypeBlockUpdated, Key: "a"})
	bus.Publish(Event{Type: EventTypeBlockRemoved, Key: "no-subscriber"})
	bus.Publish(Event{Type: EventTypeBlockUpdated, Key: "b"})
	bus.Publish(Event{Type: EventTypeBlockUpdated, Key: "c"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus.Close(ctx)

	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestBus_KeepsPerKeyOrderAcrossWorkers(t *testing.T) {
	bus := New(Options{Workers: 4, QueueSize: 256})

	var mu sync.Mutex
	seen := make(map[string][]int)
	bus.Subscribe(EventTypeBlockUpdated, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen[e.Key] = append(seen[e.Key], e.Payload.(int))
	})

	for i := 0; i < 20; i++ {
		for _, key := range []string{"dev-1", "dev-2", "dev-3"} {
			require.True(t, bus.Publish(Event{Type: EventTypeBlockUpdated, Key: key, Payload: i}))
		}
	}
	bus.Close(context.Background())

	for _, key := range []string{"dev-1", "dev-2", "dev-3"} {
		require.Len(t, seen[key], 20, key)
		for i, v := range seen[key] {
			require.Equal(t, i, v, fmt.Sprintf("%s position %d", key, i))
		}
	}
}

func TestBus_SurvivesPanickingHandler(t *testing.T) {
	bus := New(Options{QueueSize: 4})
	delivered := make(chan string, 1)

	bus.Subscribe(EventTypeErrorNotice, func(e Event) {
		if e.Payload == "panic" {
			panic("handler failure")
		}
		delivered <- e.Payload.(string)
	})

	bus.Publish(Event{Type: EventTypeErrorNotice, Payload: "panic"})
	bus.Publish(Event{Type: EventTypeErrorNotice, Payload: "ok"})

	select {
	case msg := <-delivered:
		require.Equal(t, "ok", msg)
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}

	bus.Close(context.Background())
}

type dropCounter struct {
	telemetry.Collector
	mu      sync.Mutex
	reasons []string
}

func (d *dropCounter) IncDropped(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
}

func TestBus_DropsWhenFullOrClosed(t *testing.T) {
	metrics := &dropCounter{Collector: telemetry.Noop()}
	bus := New(Options{QueueSize: 1, Metrics: metrics})

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.Subscribe(EventTypeBlockUpdated, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	// First event occupies the worker, second fills the queue, third is dropped
	require.True(t, bus.Publish(Event{Type: EventTypeBlockUpdated, Key: "a"}))
	<-started
	require.True(t, bus.Publish(Event{Type: EventTypeBlockUpdated, Key: "b"}))
	require.False(t, bus.Publish(Event{Type: EventTypeBlockUpdated, Key: "c"}))

	close(release)
	bus.Close(context.Background())
	bus.Close(context.Background())

	require.NotPanics(t, func() {
		require.False(t, bus.Publish(Event{Type: EventTypeBlockUpdated, Key: "late"}))
	})
	require.Equal(t, []string{"bus_queue_full", "bus_closed"}, metrics.reasons)
}

// Package eventbus fans view changes out to subscribers.
//
// Events are sharded by key over a fixed set of workers, each with its own
// bounded queue. Events sharing a key are delivered in publish order; events
// with different keys may interleave when more than one worker runs.
package eventbus

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fmbview/internal/telemetry"
)

// EventType names what happened to the view.
type EventType string

const (
	EventTypeBlockUpdated EventType = "block_updated"
	EventTypeBlockRemoved EventType = "block_removed"
	EventTypeErrorNotice  EventType = "error_notice"
)

const (
	DefaultWorkers   = 1
	DefaultQueueSize = 256
)

// Event is one view change.
type Event struct {
	Type    EventType
	Key     string // device identifier, empty for error notices
	Payload any
}

// Handler receives events on a bus worker goroutine.
type Handler func(Event)

// Options configures a Bus. Zero values select the defaults.
type Options struct {
	Workers   int
	QueueSize int
	Metrics   telemetry.Collector
}

type delivery struct {
	event    Event
	handlers []Handler
}

// Bus routes events to subscribed handlers.
type Bus struct {
	subMu    sync.RWMutex
	handlers map[EventType][]Handler

	// stateMu guards closed and the shard channels; publishers hold it for
	// reading so Close never closes a channel under a pending send.
	stateMu sync.RWMutex
	closed  bool
	shards  []chan delivery

	metrics telemetry.Collector
	wg      sync.WaitGroup
}

// New creates a bus and starts its workers.
func New(opts Options) *Bus {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Noop()
	}

	b := &Bus{
		handlers: make(map[EventType][]Handler),
		shards:   make([]chan delivery, workers),
		metrics:  metrics,
	}
	for i := range b.shards {
		b.shards[i] = make(chan delivery, queueSize)
		b.wg.Add(1)
		go b.worker(i, b.shards[i])
	}

	log.Debug().Int("workers", workers).Int("queue_size", queueSize).Msg("Event bus started")
	return b
}

// Subscribe registers handler for eventType. Handlers added later do not see
// events that were already queued.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish queues event for its subscribers without blocking.
// It reports false when the event was dropped.
func (b *Bus) Publish(event Event) bool {
	b.subMu.RLock()
	handlers := b.handlers[event.Type]
	b.subMu.RUnlock()
	if len(handlers) == 0 {
		return true
	}

	b.stateMu.RLock()
	defer b.stateMu.RUnlock()

	if b.closed {
		log.Debug().Str("event_type", string(event.Type)).Str("key", event.Key).Msg("Event bus closed, dropping event")
		b.metrics.IncDropped("bus_closed")
		return false
	}

	select {
	case b.shards[b.shardFor(event.Key)] <- delivery{event: event, handlers: handlers}:
		return true
	default:
		log.Warn().Str("event_type", string(event.Type)).Str("key", event.Key).Msg("Event bus queue full, dropping event")
		b.metrics.IncDropped("bus_queue_full")
		return false
	}
}

func (b *Bus) shardFor(key string) int {
	if len(b.shards) == 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.shards)))
}

func (b *Bus) worker(id int, queue <-chan delivery) {
	defer b.wg.Done()
	for d := range queue {
		for _, handler := range d.handlers {
			b.deliver(id, d.event, handler)
		}
	}
}

func (b *Bus) deliver(worker int, event Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Int("worker", worker).
				Str("event_type", string(event.Type)).
				Str("key", event.Key).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}

// Close stops accepting events and waits for queued ones to be delivered,
// up to ctx. Calling Close more than once is safe.
func (b *Bus) Close(ctx context.Context) {
	b.stateMu.Lock()
	if !b.closed {
		b.closed = true
		for _, shard := range b.shards {
			close(shard)
		}
	}
	b.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus stopped")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}

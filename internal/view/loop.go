package view

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fmbview/internal/openfmb"
	"github.com/dokzlo13/fmbview/internal/telemetry"
)

// ErrLoopClosed is returned when work is posted to a closed loop.
var ErrLoopClosed = errors.New("view loop closed")

// DefaultQueueSize is the work queue capacity when none is configured.
const DefaultQueueSize = 256

// Work is executed on the loop goroutine with exclusive access to the board.
type Work func(ctx context.Context, board *Board)

// Notifier receives every change after it has been applied.
// It runs on the loop goroutine and must not block.
type Notifier func(Change)

// Loop is the single consumer that owns a Board. Every mutation and every
// read goes through its queue, so the board is never touched concurrently.
type Loop struct {
	board   *Board
	notify  Notifier
	metrics telemetry.Collector

	queue chan Work

	// Closing this channel signals senders to stop
	closing   chan struct{}
	closeOnce sync.Once
}

// NewLoop creates a loop around board. A nil notify discards changes.
func NewLoop(board *Board, queueSize int, notify Notifier, metrics telemetry.Collector) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if notify == nil {
		notify = func(Change) {}
	}
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &Loop{
		board:   board,
		notify:  notify,
		metrics: metrics,
		queue:   make(chan Work, queueSize),
		closing: make(chan struct{}),
	}
}

// Do queues work without blocking.
// Returns false if the loop is closing, the queue is full or ctx is done.
func (l *Loop) Do(ctx context.Context, work Work) bool {
	if l.isClosing() {
		log.Warn().Msg("View loop closing, dropping work")
		l.metrics.IncDropped("closing")
		return false
	}
	select {
	case <-l.closing:
		log.Warn().Msg("View loop closing, dropping work")
		l.metrics.IncDropped("closing")
		return false
	case <-ctx.Done():
		log.Warn().Msg("Context cancelled, dropping view work")
		l.metrics.IncDropped("cancelled")
		return false
	case l.queue <- work:
		return true
	default:
		log.Warn().Msg("View work queue full, dropping work")
		l.metrics.IncDropped("queue_full")
		return false
	}
}

// Post queues work, blocking until there is room.
func (l *Loop) Post(ctx context.Context, work Work) error {
	if l.isClosing() {
		return ErrLoopClosed
	}
	select {
	case <-l.closing:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.queue <- work:
		return nil
	}
}

// Call queues work and waits for it to finish.
func (l *Loop) Call(ctx context.Context, work func(ctx context.Context, board *Board) error) error {
	done := make(chan error, 1)
	wrapped := Work(func(c context.Context, b *Board) {
		done <- work(c, b)
	})

	if err := l.Post(ctx, wrapped); err != nil {
		return err
	}

	select {
	case <-l.closing:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Run processes work until ctx is cancelled or the loop is closed.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.drain(ctx)
			return
		case <-l.closing:
			l.drain(ctx)
			return
		case work := <-l.queue:
			l.execute(ctx, work)
		}
	}
}

// Close stops accepting work. The queue channel is left open so that
// concurrent senders never hit a closed channel.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.closing)
	})
}

func (l *Loop) isClosing() bool {
	select {
	case <-l.closing:
		return true
	default:
		return false
	}
}

func (l *Loop) drain(ctx context.Context) {
	for {
		select {
		case work := <-l.queue:
			l.execute(ctx, work)
		default:
			return
		}
	}
}

func (l *Loop) execute(ctx context.Context, work Work) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("View work panicked - loop continuing")
		}
	}()
	work(ctx, l.board)
}

func (l *Loop) emit(c Change) {
	l.metrics.SetBlocks(l.board.Len())
	l.notify(c)
}

// Render applies a snapshot, waiting for room in the queue.
func (l *Loop) Render(ctx context.Context, snap *openfmb.Snapshot) error {
	return l.Post(ctx, l.renderWork(snap))
}

// TryRender applies a snapshot if the queue has room.
func (l *Loop) TryRender(ctx context.Context, snap *openfmb.Snapshot) bool {
	return l.Do(ctx, l.renderWork(snap))
}

func (l *Loop) renderWork(snap *openfmb.Snapshot) Work {
	return func(_ context.Context, b *Board) {
		change := b.Apply(snap)
		log.Debug().
			Str("mrid", snap.IEDMRID).
			Str("change", string(change.Kind)).
			Int("rows", len(change.Block.Table.Rows)).
			Msg("Rendered device block")
		l.emit(change)
	}
}

// RemoveBlock removes the block of a device if it is present.
func (l *Loop) RemoveBlock(ctx context.Context, id string) error {
	return l.Post(ctx, func(_ context.Context, b *Board) {
		change, ok := b.Remove(id)
		if !ok {
			log.Debug().Str("mrid", id).Msg("No block to remove")
			return
		}
		log.Debug().Str("mrid", id).Msg("Removed device block")
		l.emit(change)
	})
}

// ReportError appends a notice to the errors region.
func (l *Loop) ReportError(ctx context.Context, msg string) error {
	return l.Post(ctx, func(_ context.Context, b *Board) {
		l.emit(b.AppendError(msg))
	})
}

// State returns a copy of the board taken on the loop.
func (l *Loop) State(ctx context.Context) (State, error) {
	var state State
	err := l.Call(ctx, func(_ context.Context, b *Board) error {
		state = b.State()
		return nil
	})
	return state, err
}

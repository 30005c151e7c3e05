package view

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) notify(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) kinds() []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]ChangeKind, 0, len(r.changes))
	for _, c := range r.changes {
		kinds = append(kinds, c.Kind)
	}
	return kinds
}

func startLoop(t *testing.T, queueSize int) (*Loop, *recorder) {
	t.Helper()
	rec := &recorder{}
	loop := NewLoop(NewBoard(Options{}), queueSize, rec.notify, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop, rec
}

func TestLoop_AppliesWorkInOrder(t *testing.T) {
	loop, rec := startLoop(t, 16)
	ctx := context.Background()

	require.NoError(t, loop.Render(ctx, snapshot("IED-1", 0)))
	require.NoError(t, loop.Render(ctx, snapshot("IED-1", 1)))
	require.NoError(t, loop.RemoveBlock(ctx, "IED-1"))
	require.NoError(t, loop.ReportError(ctx, "delete failed"))
	require.NoError(t, loop.RemoveBlock(ctx, "missing"))

	state, err := loop.State(ctx)
	require.NoError(t, err)
	require.Empty(t, state.Blocks)
	require.Equal(t, []string{"delete failed"}, state.Errors)

	require.Equal(t, []ChangeKind{ChangeCreated, ChangeUpdated, ChangeRemoved, ChangeError}, rec.kinds())
}

func TestLoop_SnapshotRecreatesDeletedBlock(t *testing.T) {
	loop, _ := startLoop(t, 16)
	ctx := context.Background()

	require.NoError(t, loop.Render(ctx, snapshot("X", 0)))
	require.NoError(t, loop.RemoveBlock(ctx, "X"))
	require.NoError(t, loop.Render(ctx, snapshot("X", 1)))

	state, err := loop.State(ctx)
	require.NoError(t, err)
	require.Len(t, state.Blocks, 1)
	require.Equal(t, uint64(1), state.Blocks[0].Revision)
}

func TestLoop_RecoversFromPanickingWork(t *testing.T) {
	loop, _ := startLoop(t, 16)
	ctx := context.Background()

	require.NoError(t, loop.Post(ctx, func(context.Context, *Board) {
		panic("boom")
	}))
	require.NoError(t, loop.Render(ctx, snapshot("IED-1", 0)))

	state, err := loop.State(ctx)
	require.NoError(t, err)
	require.Len(t, state.Blocks, 1)
}

func TestLoop_DoDropsWhenFull(t *testing.T) {
	// Not running: nothing drains the queue.
	loop := NewLoop(NewBoard(Options{}), 1, nil, nil)
	ctx := context.Background()

	require.True(t, loop.TryRender(ctx, snapshot("A", 0)))
	require.False(t, loop.TryRender(ctx, snapshot("B", 0)))
}

func TestLoop_ClosedRejectsWork(t *testing.T) {
	loop := NewLoop(NewBoard(Options{}), 1, nil, nil)
	loop.Close()
	loop.Close()

	err := loop.Render(context.Background(), snapshot("A", 0))
	require.ErrorIs(t, err, ErrLoopClosed)
	require.False(t, loop.Do(context.Background(), func(context.Context, *Board) {}))
}

func TestLoop_StateHonoursContext(t *testing.T) {
	loop := NewLoop(NewBoard(Options{}), 1, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Fill the queue so the state request cannot be queued.
	require.True(t, loop.Do(context.Background(), func(context.Context, *Board) {}))

	_, err := loop.State(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

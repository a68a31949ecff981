package mainloop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	loop := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop, cancel
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	loop, _ := startLoop(t)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, loop.Post(func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestLoopIsMain(t *testing.T) {
	loop, _ := startLoop(t)
	other := New(zap.NewNop())

	assert.False(t, loop.IsMain(context.Background()))

	result := make(chan [2]bool, 1)
	require.NoError(t, loop.Post(func(ctx context.Context) {
		result <- [2]bool{loop.IsMain(ctx), other.IsMain(ctx)}
	}))

	select {
	case got := <-result:
		assert.True(t, got[0], "task context belongs to its loop")
		assert.False(t, got[1], "task context does not belong to other loops")
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	assert.True(t, loop.IsMain(loop.Context(context.Background())))
}

func TestLoopPostDoesNotBlock(t *testing.T) {
	// Nobody runs this loop; posting must still return immediately.
	loop := New(zap.NewNop())

	start := time.Now()
	for i := 0; i < 10000; i++ {
		require.NoError(t, loop.Post(func(context.Context) {}))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 10000, loop.Stats()["pending"])
}

func TestLoopTaskPostingTask(t *testing.T) {
	loop, _ := startLoop(t)

	done := make(chan struct{})
	require.NoError(t, loop.Post(func(context.Context) {
		_ = loop.Post(func(context.Context) { close(done) })
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested task did not run")
	}
}

func TestLoopRecoversTaskPanic(t *testing.T) {
	loop, _ := startLoop(t)

	require.NoError(t, loop.Post(func(context.Context) { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, loop.Post(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop died after a panicking task")
	}
	assert.Equal(t, uint64(1), loop.Stats()["panics"])
}

func TestLoopDrainsOnCancel(t *testing.T) {
	loop := New(zap.NewNop())
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, loop.Post(func(context.Context) { ran.Add(1) }))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := loop.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(5), ran.Load())
	assert.ErrorIs(t, loop.Post(func(context.Context) {}), ErrClosed)
}

func TestLoopClose(t *testing.T) {
	loop := New(zap.NewNop())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(context.Background()) }()

	loop.Close()
	loop.Close()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, loop.Post(func(context.Context) {}), ErrClosed)
}

func TestLoopRunTwice(t *testing.T) {
	loop, _ := startLoop(t)
	require.Eventually(t, loop.running.Load, time.Second, time.Millisecond)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrRunning)
}

func TestQueue(t *testing.T) {
	q := NewQueue()
	assert.Empty(t, q.PopAll())

	require.NoError(t, q.Push(func(context.Context) {}))
	require.NoError(t, q.Push(func(context.Context) {}))
	assert.Equal(t, 2, q.Len())

	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal")
	}

	assert.Len(t, q.PopAll(), 2)
	assert.Equal(t, 0, q.Len())

	q.Close()
	assert.ErrorIs(t, q.Push(func(context.Context) {}), ErrClosed)
}

func TestQueueRequeueKeepsOrder(t *testing.T) {
	q := NewQueue()
	var order []int
	task := func(i int) func(context.Context) {
		return func(context.Context) { order = append(order, i) }
	}

	require.NoError(t, q.Push(task(1)))
	require.NoError(t, q.Push(task(2)))
	popped := q.PopAll()
	require.NoError(t, q.Push(task(3)))

	q.Close()
	q.Requeue(popped)
	assert.Equal(t, 3, q.Len(), "requeue works on a closed queue")

	for _, run := range q.PopAll() {
		run(context.Background())
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

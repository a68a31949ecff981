// internal/mainloop/loop.go
package mainloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventsub/internal/subscription"
)

var (
	ErrClosed  = errors.New("main loop is closed")
	ErrRunning = errors.New("main loop is already running")
)

type loopKey struct{}

// Loop is a single-goroutine executor. The goroutine that calls Run becomes
// the main loop; tasks posted from any goroutine run there in FIFO order.
type Loop struct {
	logger  *zap.Logger
	queue   *Queue
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	running atomic.Bool

	posted   atomic.Uint64
	executed atomic.Uint64
	panics   atomic.Uint64
}

var _ subscription.Executor = (*Loop)(nil)

// New creates a loop. It does nothing until Run is called.
func New(logger *zap.Logger) *Loop {
	return &Loop{
		logger: logger.Named("main_loop"),
		queue:  NewQueue(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Post queues task without blocking.
func (l *Loop) Post(task subscription.Task) error {
	if task == nil {
		return nil
	}
	if err := l.queue.Push(task); err != nil {
		return fmt.Errorf("post task: %w", err)
	}
	l.posted.Add(1)
	return nil
}

// IsMain reports whether ctx was handed out by this loop.
func (l *Loop) IsMain(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(loopKey{}).(*Loop)
	return owner == l
}

// Context marks ctx as running on this loop. Only code that really runs on
// the loop goroutine should use it.
func (l *Loop) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, loopKey{}, l)
}

// Run executes posted tasks until ctx is cancelled or Close is called.
// Tasks still queued at that point are executed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(l.done)

	mainCtx := l.Context(ctx)
	l.logger.Debug("Main loop started")

	for {
		l.drain(mainCtx)

		select {
		case <-ctx.Done():
			l.shutdown(context.WithoutCancel(mainCtx))
			return ctx.Err()
		case <-l.stop:
			l.shutdown(mainCtx)
			return nil
		case <-l.queue.Ready():
		}
	}
}

// Close stops the loop. Posting fails afterwards; already queued tasks still run.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.queue.Close()
		close(l.stop)
	})
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stats returns counters of the loop.
func (l *Loop) Stats() map[string]interface{} {
	return map[string]interface{}{
		"posted":   l.posted.Load(),
		"executed": l.executed.Load(),
		"panics":   l.panics.Load(),
		"pending":  l.queue.Len(),
	}
}

func (l *Loop) shutdown(ctx context.Context) {
	l.queue.Close()
	l.drain(ctx)
	l.logger.Debug("Main loop stopped",
		zap.Uint64("executed", l.executed.Load()))
}

// drain runs tasks until the queue is empty, including tasks posted by the
// tasks themselves.
func (l *Loop) drain(ctx context.Context) {
	for {
		tasks := l.queue.PopAll()
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			l.run(ctx, task)
		}
	}
}

func (l *Loop) run(ctx context.Context, task subscription.Task) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("Main loop task panic recovered",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	l.executed.Add(1)
	task(ctx)
}

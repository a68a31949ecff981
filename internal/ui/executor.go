package ui

import (
	"context"
	"sync"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventsub/internal/mainloop"
	"github.com/rovshanmuradov/eventsub/internal/subscription"
)

type executorKey struct{}

// taskMsg carries posted tasks into the bubbletea event loop.
type taskMsg struct {
	exec  *TeaExecutor
	batch *batch
}

// batch is owned by whoever claims it first: the Update loop that runs it,
// or the pump taking it back after the program went away.
type batch struct {
	tasks   []subscription.Task
	claimed atomic.Bool
	taken   chan struct{}
}

func newBatch(tasks []subscription.Task) *batch {
	return &batch{tasks: tasks, taken: make(chan struct{})}
}

func (b *batch) claim() bool {
	return b.claimed.CompareAndSwap(false, true)
}

// attachment is one program receiving tasks. gone is closed on detach.
type attachment struct {
	send func(tea.Msg)
	gone chan struct{}
}

// TeaExecutor makes the bubbletea Update loop the main loop. Posted tasks
// are queued without blocking and pumped into the program as messages; the
// Model wrapper runs them inside Update.
type TeaExecutor struct {
	logger *zap.Logger
	queue  *mainloop.Queue
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	current  *attachment
	attached chan struct{}
	started  bool

	posted   atomic.Uint64
	executed atomic.Uint64
	dropped  atomic.Uint64
}

var _ subscription.Executor = (*TeaExecutor)(nil)

// NewTeaExecutor creates an executor. Tasks posted before Attach are kept
// until a program is attached.
func NewTeaExecutor(logger *zap.Logger) *TeaExecutor {
	return &TeaExecutor{
		logger:   logger.Named("tea_executor"),
		queue:    mainloop.NewQueue(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		attached: make(chan struct{}, 1),
	}
}

// Attach pumps queued tasks into send, usually (*tea.Program).Send. The
// returned detach must be called once the program has exited: a batch sent
// but not picked up by Update goes back to the queue, and a restarted
// program attaches again and receives it.
func (e *TeaExecutor) Attach(send func(tea.Msg)) (detach func()) {
	a := &attachment{send: send, gone: make(chan struct{})}

	e.mu.Lock()
	e.current = a
	if !e.started {
		e.started = true
		go e.pump()
	}
	e.mu.Unlock()

	e.nudge()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.current == a {
				e.current = nil
			}
			e.mu.Unlock()
			close(a.gone)
		})
	}
}

func (e *TeaExecutor) nudge() {
	select {
	case e.attached <- struct{}{}:
	default:
	}
}

func (e *TeaExecutor) attachment() *attachment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Post queues task for the Update loop.
func (e *TeaExecutor) Post(task subscription.Task) error {
	if task == nil {
		return nil
	}
	if err := e.queue.Push(task); err != nil {
		return mainloop.ErrClosed
	}
	e.posted.Add(1)
	return nil
}

// IsMain reports whether ctx was handed to a task running inside Update.
func (e *TeaExecutor) IsMain(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(executorKey{}).(*TeaExecutor)
	return owner == e
}

// Close stops accepting tasks and stops the pump.
func (e *TeaExecutor) Close() {
	e.once.Do(func() {
		e.queue.Close()
		close(e.stop)
	})
}

// Stats returns counters of the executor.
func (e *TeaExecutor) Stats() map[string]interface{} {
	return map[string]interface{}{
		"posted":   e.posted.Load(),
		"executed": e.executed.Load(),
		"dropped":  e.dropped.Load(),
		"pending":  e.queue.Len(),
	}
}

// Done is closed when the pump has stopped after Close. It stays open if
// nothing was ever attached.
func (e *TeaExecutor) Done() <-chan struct{} {
	return e.done
}

func (e *TeaExecutor) pump() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			e.discard(e.queue.PopAll())
			return
		case <-e.queue.Ready():
		case <-e.attached:
		}

		a := e.attachment()
		if a == nil {
			continue
		}
		tasks := e.queue.PopAll()
		if len(tasks) == 0 {
			continue
		}
		if !e.deliver(a, newBatch(tasks)) {
			e.discard(e.queue.PopAll())
			return
		}
	}
}

// deliver sends b to a and waits until Update takes it. A batch the program
// never took is requeued when it detaches, or discarded on Close. It
// returns false once the executor is closed.
func (e *TeaExecutor) deliver(a *attachment, b *batch) bool {
	a.send(taskMsg{exec: e, batch: b})

	select {
	case <-b.taken:
		return true
	case <-a.gone:
		if b.claim() {
			e.queue.Requeue(b.tasks)
			e.logger.Debug("Requeued tasks of a detached UI", zap.Int("count", len(b.tasks)))
		}
		return true
	case <-e.stop:
		if b.claim() {
			e.discard(b.tasks)
		}
		return false
	}
}

func (e *TeaExecutor) discard(tasks []subscription.Task) {
	if n := len(tasks); n > 0 {
		e.dropped.Add(uint64(n))
		e.logger.Warn("Discarding tasks queued after UI exit", zap.Int("count", n))
	}
}

// take runs b on the Update goroutine unless the pump took it back.
func (e *TeaExecutor) take(b *batch) {
	if !b.claim() {
		return
	}
	close(b.taken)
	e.run(b.tasks)
}

// run executes tasks on the Update goroutine.
func (e *TeaExecutor) run(tasks []subscription.Task) {
	ctx := context.WithValue(context.Background(), executorKey{}, e)
	for _, task := range tasks {
		e.runOne(ctx, task)
	}
}

func (e *TeaExecutor) runOne(ctx context.Context, task subscription.Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("UI task panic recovered", zap.Any("panic", r))
		}
	}()
	e.executed.Add(1)
	task(ctx)
}

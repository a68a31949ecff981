// internal/app/runner.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/eventsub/internal/config"
	"github.com/rovshanmuradov/eventsub/internal/events"
	"github.com/rovshanmuradov/eventsub/internal/logger"
	"github.com/rovshanmuradov/eventsub/internal/mainloop"
	"github.com/rovshanmuradov/eventsub/internal/metrics"
	"github.com/rovshanmuradov/eventsub/internal/subscription"
	"github.com/rovshanmuradov/eventsub/internal/ui"
)

var errOffMainLoop = errors.New("ping delivered off the main loop")

// Result summarises one run.
type Result struct {
	Published  int
	Received   int
	Observed   int64
	PerSource  map[string]int
	UIRestarts int
}

// Runner wires the bus to a main loop, or to the terminal UI, and drives
// background publishers against it.
type Runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	bus      *events.Bus
	shutdown *ShutdownHandler

	// uiOptions are passed to every bubbletea program started in TUI mode.
	uiOptions []tea.ProgramOption

	published atomic.Int64
	result    Result
}

// NewRunner builds the bus and its collector from cfg.
func NewRunner(cfg *config.Config, log *zap.Logger) *Runner {
	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	bus := events.NewBus(log,
		events.WithMetrics(collector),
		events.WithSweepInterval(cfg.Bus.SweepInterval()),
		events.WithBufferSize(cfg.Bus.AsyncBuffer),
	)

	shutdown := NewShutdownHandler(log, 10*time.Second)
	shutdown.Add("event_bus", bus)

	return &Runner{
		cfg:       cfg,
		logger:    log,
		metrics:   collector,
		bus:       bus,
		shutdown:  shutdown,
		uiOptions: []tea.ProgramOption{tea.WithAltScreen()},
	}
}

// Bus returns the event bus.
func (r *Runner) Bus() *events.Bus {
	return r.bus
}

// Metrics returns the collector fed by the bus.
func (r *Runner) Metrics() *metrics.Collector {
	return r.metrics
}

// Result returns the summary of the last Run.
func (r *Runner) Result() Result {
	return r.result
}

// Run publishes the configured heartbeats and waits until the main loop has
// handled all of them, or, in TUI mode, until the user quits. Every service
// is shut down before Run returns.
func (r *Runner) Run(ctx context.Context) (err error) {
	end := logger.Wrap(r.logger).TrackPerformance("run")
	defer func() { end(err) }()

	audit := &auditor{logger: r.logger.Named("audit")}
	if _, err := events.Subscribe(r.bus, audit, (*auditor).OnEvent); err != nil {
		return fmt.Errorf("subscribe auditor: %w", err)
	}

	err = r.run(ctx)
	err = multierr.Append(err, r.shutdown.Shutdown(context.WithoutCancel(ctx)))

	r.result.Published = int(r.published.Load())
	r.result.Observed = audit.seen.Load()
	runtime.KeepAlive(audit)

	r.logger.Info("Run finished",
		zap.Int("published", r.result.Published),
		zap.Int("received", r.result.Received),
		zap.Int64("observed", r.result.Observed),
		zap.Int("ui_restarts", r.result.UIRestarts),
		zap.Error(err))
	return err
}

func (r *Runner) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(runCtx)

	if addr := r.cfg.Metrics.Addr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		g.Go(func() error { return r.serveMetrics(gCtx, ln) })
	}

	g.Go(func() error {
		defer cancel()
		if r.cfg.TUI {
			return r.runTUI(gCtx)
		}
		return r.runLoop(gCtx)
	})

	return g.Wait()
}

// runLoop delivers heartbeats to a counter living on a mainloop.Loop.
func (r *Runner) runLoop(ctx context.Context) error {
	loop := mainloop.New(r.logger)
	r.shutdown.AddFunc("main_loop", func() error {
		loop.Close()
		return nil
	})

	counter := newPingCounter(loop, r.cfg.Demo.Publishers*r.cfg.Demo.Events)
	sub, err := events.Subscribe(r.bus, counter, (*pingCounter).OnPing, subscription.OnMainThread(loop))
	if err != nil {
		return fmt.Errorf("subscribe counter: %w", err)
	}
	defer r.bus.Unsubscribe(sub)

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(loopCtx) }()

	pubErr := r.publish(ctx)
	if pubErr == nil {
		select {
		case <-counter.done:
		case <-ctx.Done():
		}
	}

	stopLoop()
	if err := <-loopErr; err != nil && !errors.Is(err, context.Canceled) {
		pubErr = multierr.Append(pubErr, err)
	}

	r.result.Received = counter.total
	r.result.PerSource = counter.counts
	r.logger.Info("Main loop finished",
		zap.Int("expected", counter.expected),
		zap.Int("received", counter.total),
		zap.Any("main_loop", loop.Stats()),
		zap.Any("bus", r.bus.Stats()))
	return pubErr
}

// runTUI delivers heartbeats to a PingView whose Update loop is the main loop.
func (r *Runner) runTUI(ctx context.Context) error {
	exec := ui.NewTeaExecutor(r.logger)
	r.shutdown.AddFunc("tea_executor", func() error {
		exec.Close()
		return nil
	})

	view := ui.NewPingView()
	sub, err := events.Subscribe(r.bus, view, (*ui.PingView).OnPing, subscription.OnMainThread(exec))
	if err != nil {
		return fmt.Errorf("subscribe view: %w", err)
	}
	defer r.bus.Unsubscribe(sub)

	uiCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := ui.NewRecoveryHandler(r.logger, exec, func() (tea.Model, []tea.ProgramOption) {
		return view, append([]tea.ProgramOption(nil), r.uiOptions...)
	})
	r.shutdown.AddFunc("ui", func() error {
		handler.Stop()
		return nil
	})

	g, gCtx := errgroup.WithContext(uiCtx)
	g.Go(func() error {
		defer cancel()
		return handler.RunWithRecovery(gCtx)
	})
	g.Go(func() error { return r.publish(gCtx) })

	err = g.Wait()
	r.result.Received = view.Total()
	r.result.UIRestarts = handler.GetRestartCount()
	return err
}

// publish runs one goroutine per configured publisher.
func (r *Runner) publish(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for p := 1; p <= r.cfg.Demo.Publishers; p++ {
		source := fmt.Sprintf("publisher-%d", p)
		g.Go(func() error { return r.runPublisher(gCtx, source) })
	}
	return g.Wait()
}

// runPublisher alternates synchronous and queued publishing. A queued
// publish that is refused falls back to a synchronous one.
func (r *Runner) runPublisher(ctx context.Context, source string) error {
	interval := r.cfg.Demo.Interval()
	for seq := 1; seq <= r.cfg.Demo.Events; seq++ {
		if ctx.Err() != nil {
			return nil
		}

		ping := events.NewPing(source, seq)
		if seq%2 == 1 || r.bus.PublishAsync(ping) != nil {
			r.bus.Publish(ctx, ping)
		}
		r.published.Add(1)

		if interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
	}
	return nil
}

func (r *Runner) serveMetrics(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	r.logger.Info("Serving metrics", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// pingCounter counts heartbeats. OnPing only runs on the main loop.
type pingCounter struct {
	exec     subscription.Executor
	counts   map[string]int
	total    int
	expected int
	done     chan struct{}
}

func newPingCounter(exec subscription.Executor, expected int) *pingCounter {
	c := &pingCounter{
		exec:     exec,
		counts:   make(map[string]int),
		expected: expected,
		done:     make(chan struct{}),
	}
	if expected <= 0 {
		close(c.done)
	}
	return c
}

func (c *pingCounter) OnPing(ctx context.Context, p events.Ping) error {
	if !c.exec.IsMain(ctx) {
		return fmt.Errorf("%w: %s #%d", errOffMainLoop, p.Source, p.Seq)
	}
	c.counts[p.Source]++
	c.total++
	if c.total == c.expected {
		close(c.done)
	}
	return nil
}

// auditor observes every timestamped event on the publishing goroutine.
type auditor struct {
	logger *zap.Logger
	seen   atomic.Int64
}

func (a *auditor) OnEvent(_ context.Context, e events.Timestamped) error {
	a.seen.Add(1)
	a.logger.Debug("Event observed",
		zap.String("event", fmt.Sprintf("%T", e)),
		zap.Duration("age", time.Since(e.Timestamp())))
	return nil
}

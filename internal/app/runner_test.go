package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/eventsub/internal/config"
	"github.com/rovshanmuradov/eventsub/internal/events"
	"github.com/rovshanmuradov/eventsub/internal/mainloop"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Bus.SweepIntervalMs = 0
	cfg.Demo = config.DemoConfig{Publishers: 3, Events: 6}
	cfg.Metrics.Namespace = "test"
	return cfg
}

func TestRunnerDeliversEveryPingOnMainLoop(t *testing.T) {
	runner := NewRunner(testConfig(t), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Run(ctx))

	result := runner.Result()
	assert.Equal(t, 18, result.Published)
	assert.Equal(t, 18, result.Received)
	assert.Equal(t, int64(18), result.Observed)
	assert.Equal(t, map[string]int{
		"publisher-1": 6,
		"publisher-2": 6,
		"publisher-3": 6,
	}, result.PerSource)

	expected := `
# HELP test_dispatched_total Events handed to subscribers, by delivery mode.
# TYPE test_dispatched_total counter
test_dispatched_total{mode="posted"} 18
test_dispatched_total{mode="sync"} 18
# HELP test_handler_failures_total Handler invocations that returned an error or panicked.
# TYPE test_handler_failures_total counter
test_handler_failures_total 0
# HELP test_published_total Events published on the bus.
# TYPE test_published_total counter
test_published_total 18
`
	require.NoError(t, testutil.GatherAndCompare(runner.Metrics().Registry(), strings.NewReader(expected),
		"test_dispatched_total", "test_handler_failures_total", "test_published_total"))
}

func TestRunnerWithoutEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Demo = config.DemoConfig{}
	runner := NewRunner(cfg, zap.NewNop())

	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, 0, runner.Result().Received)
	assert.Equal(t, 1, runner.Bus().Len(), "only the auditor outlives the run")
}

func TestRunnerStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Demo = config.DemoConfig{Publishers: 2, Events: 1000, IntervalMs: 50}
	runner := NewRunner(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Less(t, runner.Result().Published, 2000)
}

func TestRunnerServesMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = "127.0.0.1:0"
	runner := NewRunner(cfg, zap.NewNop())

	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, 18, runner.Result().Received)
}

func TestRunnerTUI(t *testing.T) {
	cfg := testConfig(t)
	cfg.TUI = true
	runner := NewRunner(cfg, zaptest.NewLogger(t))
	runner.uiOptions = []tea.ProgramOption{
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
		tea.WithoutRenderer(),
		tea.WithoutSignalHandler(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return runner.published.Load() == 18
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("TUI run did not stop after cancel")
	}

	result := runner.Result()
	assert.Equal(t, 18, result.Published)
	assert.LessOrEqual(t, result.Received, 18)
	assert.Equal(t, 0, result.UIRestarts)
	assert.Equal(t, int64(18), result.Observed)
}

func TestPingCounterRejectsBackgroundDelivery(t *testing.T) {
	loop := mainloop.New(zap.NewNop())
	counter := newPingCounter(loop, 1)

	err := counter.OnPing(context.Background(), events.NewPing("x", 1))
	assert.ErrorIs(t, err, errOffMainLoop)
	assert.Equal(t, 0, counter.total)

	require.NoError(t, counter.OnPing(loop.Context(context.Background()), events.NewPing("x", 1)))
	select {
	case <-counter.done:
	default:
		t.Fatal("counter not done after the expected ping")
	}
}

func TestShutdownHandlerOrderAndErrors(t *testing.T) {
	sh := NewShutdownHandler(zap.NewNop(), time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string, err error) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return err
		}
	}

	sh.AddFunc("first", record("first", errors.New("first failed")))
	sh.AddFunc("second", record("second", nil))
	sh.AddFunc("third", record("third", errors.New("third failed")))

	err := sh.Shutdown(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "first: first failed")
	assert.Contains(t, err.Error(), "third: third failed")
	assert.Equal(t, []string{"third", "second", "first"}, order)

	assert.NoError(t, sh.Shutdown(context.Background()), "services are closed once")
}

func TestShutdownHandlerTimeout(t *testing.T) {
	sh := NewShutdownHandler(zap.NewNop(), 20*time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	sh.AddFunc("stuck", func() error {
		<-release
		return nil
	})

	err := sh.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck: shutdown timeout")
}

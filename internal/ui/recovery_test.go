package ui

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockModel is a test UI model
type mockModel struct {
	panicOnUpdate bool
	panicOnView   bool
	quitOnInit    bool
	updateCount   int32
}

func (m *mockModel) Init() tea.Cmd {
	if m.quitOnInit {
		return tea.Quit
	}
	return nil
}

func (m *mockModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	atomic.AddInt32(&m.updateCount, 1)
	if m.panicOnUpdate {
		panic("update panic test")
	}
	return m, nil
}

func (m *mockModel) View() string {
	if m.panicOnView {
		panic("view panic test")
	}
	return "Test UI"
}

func headless() []tea.ProgramOption {
	return []tea.ProgramOption{
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
		tea.WithoutRenderer(),
		tea.WithoutSignalHandler(),
	}
}

func TestModelRecoversPanics(t *testing.T) {
	inner := &mockModel{panicOnUpdate: true, panicOnView: true}
	m := NewModel(inner, NewTeaExecutor(zap.NewNop()), zap.NewNop())

	assert.NotPanics(t, func() {
		model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		assert.Same(t, m, model)
		assert.Nil(t, cmd)
	})
	assert.Equal(t, int32(1), inner.updateCount)
	assert.Equal(t, "UI Error: View crashed. Press Ctrl+C to exit.", m.View())
}

func TestModelDelegates(t *testing.T) {
	inner := &mockModel{}
	m := NewModel(inner, NewTeaExecutor(zap.NewNop()), zap.NewNop())

	assert.Nil(t, m.Init())
	_, _ = m.Update(tea.WindowSizeMsg{Width: 80})
	assert.Equal(t, int32(1), inner.updateCount)
	assert.Equal(t, "Test UI", m.View())
}

func TestRecoveryHandlerRunsTasks(t *testing.T) {
	exec := NewTeaExecutor(zap.NewNop())
	defer exec.Close()

	handler := NewRecoveryHandler(zap.NewNop(), exec, func() (tea.Model, []tea.ProgramOption) {
		return &mockModel{}, headless()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- handler.RunWithRecovery(ctx) }()

	ran := make(chan bool, 1)
	require.NoError(t, exec.Post(func(ctx context.Context) {
		ran <- exec.IsMain(ctx)
	}))

	select {
	case isMain := <-ran:
		assert.True(t, isMain)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run inside the program")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunWithRecovery did not return after cancel")
	}
	assert.Equal(t, 0, handler.GetRestartCount())
}

func TestRecoveryHandlerRestartsAfterPanic(t *testing.T) {
	exec := NewTeaExecutor(zap.NewNop())
	defer exec.Close()

	var calls int32
	handler := NewRecoveryHandler(zap.NewNop(), exec, func() (tea.Model, []tea.ProgramOption) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("create UI panic test")
		}
		return &mockModel{}, headless()
	})
	handler.restartDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- handler.RunWithRecovery(ctx) }()

	ran := make(chan struct{})
	require.NoError(t, exec.Post(func(context.Context) { close(ran) }))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("restarted program did not run the task")
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, handler.GetRestartCount())
}

func TestTasksSurviveProgramRestart(t *testing.T) {
	exec := NewTeaExecutor(zap.NewNop())
	defer exec.Close()

	first := tea.NewProgram(NewModel(&mockModel{quitOnInit: true}, exec, zap.NewNop()), headless()...)
	detach := exec.Attach(first.Send)
	_, err := first.Run()
	require.NoError(t, err)
	detach()

	ran := make(chan bool, 1)
	require.NoError(t, exec.Post(func(ctx context.Context) { ran <- exec.IsMain(ctx) }))

	second := tea.NewProgram(NewModel(&mockModel{}, exec, zap.NewNop()), headless()...)
	defer exec.Attach(second.Send)()
	done := make(chan error, 1)
	go func() {
		_, err := second.Run()
		done <- err
	}()

	select {
	case isMain := <-ran:
		assert.True(t, isMain)
	case <-time.After(2 * time.Second):
		t.Fatal("task posted between programs was lost")
	}
	second.Quit()
	require.NoError(t, <-done)

	stats := exec.Stats()
	assert.Equal(t, uint64(1), stats["executed"])
	assert.Equal(t, uint64(0), stats["dropped"])
}

func TestRecoveryHandlerStop(t *testing.T) {
	exec := NewTeaExecutor(zap.NewNop())
	defer exec.Close()

	handler := NewRecoveryHandler(zap.NewNop(), exec, func() (tea.Model, []tea.ProgramOption) {
		return &mockModel{}, headless()
	})

	done := make(chan error, 1)
	go func() { done <- handler.RunWithRecovery(context.Background()) }()

	// A task running inside Update proves the program is up.
	up := make(chan struct{})
	require.NoError(t, exec.Post(func(context.Context) { close(up) }))
	<-up

	handler.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not end the UI")
	}
	assert.Equal(t, 0, handler.GetRestartCount())
	handler.Stop()
}

func TestRecoveryHandlerGivesUp(t *testing.T) {
	exec := NewTeaExecutor(zap.NewNop())
	defer exec.Close()

	handler := NewRecoveryHandler(zap.NewNop(), exec, func() (tea.Model, []tea.ProgramOption) {
		panic("always")
	})
	handler.restartDelay = time.Millisecond
	handler.maxRestarts = 2

	err := handler.RunWithRecovery(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many times")
	assert.Equal(t, 2, handler.GetRestartCount())
}

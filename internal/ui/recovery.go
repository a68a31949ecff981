package ui

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

// RecoveryHandler runs a bubbletea program as the main loop of exec and
// restarts it after a crash.
type RecoveryHandler struct {
	logger       *zap.Logger
	exec         *TeaExecutor
	restartDelay time.Duration
	maxRestarts  int
	restartCount int
	mu           sync.Mutex
	program      *tea.Program
	createUI     func() (tea.Model, []tea.ProgramOption)
}

// NewRecoveryHandler creates a new recovery handler
func NewRecoveryHandler(logger *zap.Logger, exec *TeaExecutor, createUI func() (tea.Model, []tea.ProgramOption)) *RecoveryHandler {
	return &RecoveryHandler{
		logger:       logger.Named("ui"),
		exec:         exec,
		restartDelay: 5 * time.Second,
		maxRestarts:  5,
		createUI:     createUI,
	}
}

// RunWithRecovery runs the UI until it exits normally or ctx is cancelled.
// Crashes are retried with exponential backoff, at most maxRestarts times.
func (rh *RecoveryHandler) RunWithRecovery(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = rh.restartDelay
	policy.MaxInterval = rh.restartDelay * 10

	notify := func(err error, delay time.Duration) {
		rh.mu.Lock()
		rh.restartCount++
		restarts := rh.restartCount
		rh.mu.Unlock()

		rh.logger.Error("UI crashed, will restart",
			zap.Error(err),
			zap.Int("restart_count", restarts),
			zap.Duration("delay", delay))
	}

	operation := func() (struct{}, error) {
		err := rh.runUI(ctx)
		if ctx.Err() != nil {
			return struct{}{}, nil
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(rh.maxRestarts)+1),
		backoff.WithNotify(notify))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("UI crashed too many times (%d), giving up: %w", rh.maxRestarts, err)
	}
	return nil
}

// runUI runs the UI with panic recovery
func (rh *RecoveryHandler) runUI(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("UI panic: %v", r)
			rh.logger.Error("UI panic recovered",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	model, opts := rh.createUI()
	opts = append(opts, tea.WithContext(ctx))
	program := tea.NewProgram(NewModel(model, rh.exec, rh.logger), opts...)

	rh.mu.Lock()
	rh.program = program
	rh.mu.Unlock()

	detach := rh.exec.Attach(program.Send)
	defer detach()

	if _, err := program.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("UI error: %w", err)
	}
	return nil
}

// Stop gracefully stops the UI
func (rh *RecoveryHandler) Stop() {
	rh.mu.Lock()
	defer rh.mu.Unlock()

	if rh.program != nil {
		rh.program.Quit()
		rh.program = nil
	}
}

// GetRestartCount returns the number of restarts
func (rh *RecoveryHandler) GetRestartCount() int {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.restartCount
}

// Model wraps a tea.Model. It runs tasks posted to its executor inside
// Update and recovers panics of the wrapped model.
type Model struct {
	model  tea.Model
	exec   *TeaExecutor
	logger *zap.Logger
}

// NewModel wraps model so that Update serves as the main loop of exec.
func NewModel(model tea.Model, exec *TeaExecutor, logger *zap.Logger) *Model {
	return &Model{
		model:  model,
		exec:   exec,
		logger: logger,
	}
}

// Init wraps the Init method with panic recovery
func (m *Model) Init() (cmd tea.Cmd) {
	defer m.recoverFromPanic("Init", &cmd)
	return m.model.Init()
}

// Update runs posted tasks, or delegates msg to the wrapped model.
func (m *Model) Update(msg tea.Msg) (model tea.Model, cmd tea.Cmd) {
	if tm, ok := msg.(taskMsg); ok && tm.exec == m.exec {
		m.exec.take(tm.batch)
		return m, nil
	}

	defer m.recoverFromPanic("Update", &cmd)
	model = m
	inner, cmd := m.model.Update(msg)
	if inner != nil {
		m.model = inner
	}
	return m, cmd
}

// View wraps the View method with panic recovery
func (m *Model) View() (view string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("View panic recovered",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			view = "UI Error: View crashed. Press Ctrl+C to exit."
		}
	}()
	return m.model.View()
}

// recoverFromPanic recovers from panics in UI methods
func (m *Model) recoverFromPanic(method string, cmd *tea.Cmd) {
	if r := recover(); r != nil {
		m.logger.Error("UI method panic recovered",
			zap.String("method", method),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())))
		// Return a nil command to prevent further issues
		*cmd = nil
	}
}

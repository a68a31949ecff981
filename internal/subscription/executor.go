package subscription

import "context"

// Task is a unit of work handed to an Executor.
type Task func(ctx context.Context)

// Executor runs tasks on a single designated goroutine, the main loop.
type Executor interface {
	// IsMain reports whether ctx belongs to work already running on the main loop.
	IsMain(ctx context.Context) bool
	// Post queues task for the main loop and returns without waiting for it.
	Post(task Task) error
}

// Recorder receives dispatch statistics. *metrics.Collector implements it.
type Recorder interface {
	RecordDispatch(mode string)
	RecordFailure()
	RecordStale()
	RecordDropped()
}

// Dispatch modes reported to Recorder.
const (
	ModeSync   = "sync"
	ModePosted = "posted"
)

type nopRecorder struct{}

func (nopRecorder) RecordDispatch(string) {}
func (nopRecorder) RecordFailure()        {}
func (nopRecorder) RecordStale()          {}
func (nopRecorder) RecordDropped()        {}

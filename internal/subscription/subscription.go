// internal/subscription/subscription.go
package subscription

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNilSubscriber = errors.New("subscription: nil subscriber")
	ErrNilHandler    = errors.New("subscription: nil handler")
	ErrNilEventType  = errors.New("subscription: nil event type")
	ErrNoExecutor    = errors.New("subscription: main-thread delivery requires an executor")
	ErrTypeMismatch  = errors.New("subscription: type mismatch")
)

// Subscription binds one subscriber's handler to one event type.
//
// The subscriber is held through a weak pointer: a Subscription never keeps
// it alive, and once it has been collected Dispatch does nothing. The
// registration count starts at 1 and is owned by the registry that created
// the Subscription; the binding is live while the count is positive.
type Subscription struct {
	id         string
	name       string
	shared     bool
	eventType  reflect.Type
	handler    Handler
	owner      any
	resolve    func() any
	mainThread bool
	executor   Executor
	count      atomic.Int64
	logger     *zap.Logger
	recorder   Recorder
}

// Option configures a Subscription at construction.
type Option func(*options)

type options struct {
	mainThread bool
	executor   Executor
	logger     *zap.Logger
	recorder   Recorder
	name       string
	symbol     string
}

// OnMainThread requests delivery on the main loop served by exec.
func OnMainThread(exec Executor) Option {
	return func(o *options) {
		o.mainThread = true
		o.executor = exec
	}
}

// WithLogger sets the logger used for failure and stale-subscriber reports.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRecorder sets the sink for dispatch statistics.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithName overrides the handler name used in logs and duplicate detection.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func withSymbol(symbol string) Option {
	return func(o *options) {
		o.symbol = symbol
	}
}

// New creates a Subscription delivering events of type E to fn on subscriber.
// If E is an interface type, every event implementing it matches.
func New[S, E any](subscriber *S, fn func(subscriber *S, ctx context.Context, event E) error, opts ...Option) (*Subscription, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	opts = append([]Option{withSymbol(funcName(fn))}, opts...)
	return Bind(reflect.TypeFor[E](), subscriber, Method(fn), opts...)
}

// Bind creates a Subscription from an already bound handler.
func Bind[S any](eventType reflect.Type, subscriber *S, handler Handler, opts ...Option) (*Subscription, error) {
	if subscriber == nil {
		return nil, ErrNilSubscriber
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	if eventType == nil {
		return nil, ErrNilEventType
	}

	o := options{
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mainThread && o.executor == nil {
		return nil, ErrNoExecutor
	}
	// A name identifies the handler only when it was given explicitly or
	// names a declared function or method. Closures of one literal share a
	// symbol, and the type name fits any handler.
	shared := o.name != ""
	if !shared && o.symbol != "" {
		o.name = o.symbol
		shared = !isFuncLiteral(o.symbol)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("%T", handler)
	}

	wp := weak.Make(subscriber)
	s := &Subscription{
		id:        uuid.New().String(),
		name:      o.name,
		shared:    shared,
		eventType: eventType,
		handler:   handler,
		owner:     wp,
		resolve: func() any {
			if p := wp.Value(); p != nil {
				return p
			}
			return nil
		},
		mainThread: o.mainThread,
		recorder:   o.recorder,
	}
	if o.mainThread {
		s.executor = o.executor
	}
	s.logger = o.logger.With(
		zap.String("subscription_id", s.id),
		zap.Stringer("event_type", eventType),
		zap.String("handler", s.name))
	s.count.Store(1)

	return s, nil
}

// OwnerKey returns the value Owner reports for subscriptions of subscriber.
func OwnerKey[S any](subscriber *S) any {
	return weak.Make(subscriber)
}

// ID returns the unique id assigned at construction.
func (s *Subscription) ID() string { return s.id }

// Name returns the handler name.
func (s *Subscription) Name() string { return s.name }

// Shareable reports whether Name identifies the handler, so that another
// Subscription with the same subscriber, event type and name is a duplicate.
func (s *Subscription) Shareable() bool { return s.shared }

// EventType returns the declared event type.
func (s *Subscription) EventType() reflect.Type { return s.eventType }

// OnMainThread reports the dispatch policy.
func (s *Subscription) OnMainThread() bool { return s.mainThread }

// Owner returns a comparable identity of the subscriber. It stays valid,
// and keeps comparing equal, after the subscriber has been collected.
func (s *Subscription) Owner() any { return s.owner }

// Count returns the current registration count.
func (s *Subscription) Count() int { return int(s.count.Load()) }

// Matches reports whether event is of the declared type, or implements it
// when the declared type is an interface.
func (s *Subscription) Matches(event any) bool {
	if event == nil {
		return false
	}
	t := reflect.TypeOf(event)
	if t == s.eventType {
		return true
	}
	return s.eventType.Kind() == reflect.Interface && t.Implements(s.eventType)
}

// Register records one more registration of the same binding.
func (s *Subscription) Register() int {
	return int(s.count.Add(1))
}

// Unregister records one unregistration. The count is not clamped.
func (s *Subscription) Unregister() int {
	return int(s.count.Add(-1))
}

// Subscriber returns the subscriber if it is still alive.
func (s *Subscription) Subscriber() (any, bool) {
	p := s.resolve()
	return p, p != nil
}

// Dispatch delivers event to the subscriber. Delivery happens before
// Dispatch returns unless the subscription targets the main loop and ctx is
// not already running there, in which case the delivery is posted and
// Dispatch returns immediately. Handler errors and panics are logged
// and never propagate.
func (s *Subscription) Dispatch(ctx context.Context, event any) {
	if s.resolve() == nil {
		s.stale()
		return
	}

	site := captureCallSite()
	task := func(ctx context.Context) {
		// Resolve again: a posted task may run after the subscriber is gone.
		subscriber := s.resolve()
		if subscriber == nil {
			s.stale()
			return
		}
		s.deliver(ctx, subscriber, event, site)
	}

	if s.executor == nil || s.executor.IsMain(ctx) {
		s.recorder.RecordDispatch(ModeSync)
		task(ctx)
		return
	}

	if err := s.executor.Post(task); err != nil {
		s.recorder.RecordDropped()
		s.logger.Warn("Failed to post event to main loop",
			zap.String("event", fmt.Sprintf("%T", event)),
			zap.Stringer("dispatch_site", site),
			zap.Error(err))
		return
	}
	s.recorder.RecordDispatch(ModePosted)
}

func (s *Subscription) deliver(ctx context.Context, subscriber, event any, site callSite) {
	defer func() {
		if r := recover(); r != nil {
			s.recorder.RecordFailure()
			s.logger.Error("Event handler panic recovered",
				zap.String("event", fmt.Sprintf("%T", event)),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
				zap.Stringer("dispatch_site", site))
		}
	}()

	if err := s.handler.Invoke(ctx, subscriber, event); err != nil {
		s.recorder.RecordFailure()
		s.logger.Error("Event handler failed",
			zap.String("event", fmt.Sprintf("%T", event)),
			zap.Stringer("dispatch_site", site),
			zap.Error(err))
	}
}

func (s *Subscription) stale() {
	s.recorder.RecordStale()
	s.logger.Debug("Subscriber collected, skipping dispatch")
}

// String implements fmt.Stringer.
func (s *Subscription) String() string {
	return fmt.Sprintf("%s(%s)x%d", s.name, s.eventType, s.Count())
}

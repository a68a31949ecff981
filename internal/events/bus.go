// internal/events/bus.go
package events

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventsub/internal/logger"
	"github.com/rovshanmuradov/eventsub/internal/metrics"
	"github.com/rovshanmuradov/eventsub/internal/subscription"
)

var (
	ErrClosed     = errors.New("event bus is shutting down")
	ErrBufferFull = errors.New("event channel full")
)

const (
	DefaultBufferSize    = 256
	DefaultSweepInterval = 30 * time.Second
)

// bindingKey identifies one logical binding: the same subscriber, event
// type and handler registered more than once share a Subscription.
type bindingKey struct {
	owner     any
	eventType reflect.Type
	handler   string
}

// Bus is an in-memory registry of subscriptions. It matches published
// events against every subscription and removes bindings whose subscriber
// has been collected or whose registration count dropped to zero.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscription.Subscription
	index   map[bindingKey]*subscription.Subscription
	logger  *zap.Logger
	metrics *metrics.Collector
	clock   clock.Clock

	sweepInterval time.Duration
	bufferSize    int
	eventChan     chan any

	// sendMu orders PublishAsync sends before the final drain.
	sendMu sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock replaces the clock driving the sweeper.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithSweepInterval sets how often stale subscriptions are swept.
// Zero disables the background sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Bus) { b.sweepInterval = d }
}

// WithBufferSize sets the capacity of the PublishAsync queue.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithMetrics records dispatch statistics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Bus) { b.metrics = c }
}

// NewBus creates a new event bus.
func NewBus(log *zap.Logger, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		subs:          make(map[string]*subscription.Subscription),
		index:         make(map[bindingKey]*subscription.Subscription),
		logger:        log.Named("event_bus"),
		clock:         clock.New(),
		sweepInterval: DefaultSweepInterval,
		bufferSize:    DefaultBufferSize,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(bus)
	}
	bus.eventChan = make(chan any, bus.bufferSize)

	// Start the event processing goroutine
	bus.wg.Add(1)
	go bus.processEvents()

	if bus.sweepInterval > 0 {
		ticker := bus.clock.Ticker(bus.sweepInterval)
		bus.wg.Add(1)
		go bus.runSweeper(ticker)
	}

	return bus
}

// Subscribe registers fn on subscriber for events of type E. Subscribing
// the same binding again returns the existing Subscription with its
// registration count incremented.
func Subscribe[S, E any](b *Bus, subscriber *S, fn func(*S, context.Context, E) error, opts ...subscription.Option) (*subscription.Subscription, error) {
	sub, err := subscription.New(subscriber, fn, b.subscriptionOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return b.add(sub)
}

// SubscribeHandler registers an already bound handler for eventType.
func SubscribeHandler[S any](b *Bus, eventType reflect.Type, subscriber *S, handler subscription.Handler, opts ...subscription.Option) (*subscription.Subscription, error) {
	sub, err := subscription.Bind(eventType, subscriber, handler, b.subscriptionOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return b.add(sub)
}

// UnsubscribeAll removes every subscription of subscriber regardless of its
// registration count. It returns the number of subscriptions removed.
func UnsubscribeAll[S any](b *Bus, subscriber *S) int {
	owner := subscription.OwnerKey(subscriber)

	b.mu.Lock()
	defer b.mu.Unlock()

	var removed int
	for _, sub := range b.subs {
		if sub.Owner() == owner {
			b.removeLocked(sub)
			removed++
		}
	}
	if removed > 0 {
		b.logger.Debug("Subscriber unsubscribed",
			zap.String("subscriber", fmt.Sprintf("%T", subscriber)),
			zap.Int("removed", removed))
	}
	return removed
}

func (b *Bus) subscriptionOptions(opts []subscription.Option) []subscription.Option {
	base := []subscription.Option{subscription.WithLogger(b.logger.Named("subscription"))}
	if b.metrics != nil {
		base = append(base, subscription.WithRecorder(b.metrics))
	}
	return append(base, opts...)
}

func keyOf(sub *subscription.Subscription) bindingKey {
	return bindingKey{
		owner:     sub.Owner(),
		eventType: sub.EventType(),
		handler:   sub.Name(),
	}
}

func (b *Bus) add(sub *subscription.Subscription) (*subscription.Subscription, error) {
	key := keyOf(sub)
	log := logger.Wrap(b.logger)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx.Err() != nil {
		return nil, ErrClosed
	}

	if sub.Shareable() {
		if existing, ok := b.index[key]; ok {
			if _, alive := existing.Subscriber(); alive && existing.Count() > 0 {
				count := existing.Register()
				log.WithSubscription(existing).Debug("Handler registered again", zap.Int("count", count))
				return existing, nil
			}
			b.removeLocked(existing)
		}
		b.index[key] = sub
	}

	b.subs[sub.ID()] = sub
	b.updateGaugeLocked()

	log.WithSubscription(sub).Debug("Handler subscribed", zap.Bool("shareable", sub.Shareable()))
	return sub, nil
}

// Unsubscribe drops one registration of sub and removes it once no
// registrations remain. It returns the remaining count, never below zero.
func (b *Bus) Unsubscribe(sub *subscription.Subscription) int {
	if sub == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.subs[sub.ID()]
	if !ok {
		return 0
	}

	count := current.Unregister()
	if count > 0 {
		return count
	}

	b.removeLocked(current)
	logger.Wrap(b.logger).WithSubscription(current).Debug("Handler unsubscribed")
	return 0
}

// Publish delivers event to every matching subscription and returns how
// many subscriptions it was handed to. Main-thread subscriptions may
// receive it later. Subscriptions whose subscriber is gone are removed.
func (b *Bus) Publish(ctx context.Context, event any) int {
	b.mu.RLock()
	var matched []*subscription.Subscription
	for _, sub := range b.subs {
		if sub.Matches(event) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.RecordPublish()
	}

	var delivered int
	var stale []*subscription.Subscription
	for _, sub := range matched {
		if _, alive := sub.Subscriber(); !alive {
			stale = append(stale, sub)
			continue
		}
		sub.Dispatch(ctx, event)
		delivered++
	}

	if len(stale) > 0 {
		b.mu.Lock()
		for _, sub := range stale {
			b.removeLocked(sub)
		}
		b.mu.Unlock()
		b.logger.Debug("Removed stale subscriptions", zap.Int("count", len(stale)))
	}

	return delivered
}

// PublishAsync queues event for delivery by the bus goroutine. The
// publisher's context is not carried over: delivery happens on the bus
// goroutine, which is never the main loop.
func (b *Bus) PublishAsync(event any) error {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	select {
	case b.eventChan <- event:
		return nil
	default:
		// Channel is full, log and drop the event
		b.logger.Warn("Event channel full, dropping event",
			zap.String("event", fmt.Sprintf("%T", event)))
		return ErrBufferFull
	}
}

// processEvents is the main event processing loop.
func (b *Bus) processEvents() {
	defer b.wg.Done()

	ctx := context.WithoutCancel(b.ctx)

	for {
		select {
		case <-b.ctx.Done():
			// Drain remaining events
			for {
				select {
				case event := <-b.eventChan:
					b.Publish(ctx, event)
				default:
					return
				}
			}
		case event := <-b.eventChan:
			b.Publish(ctx, event)
		}
	}
}

func (b *Bus) runSweeper(ticker *clock.Ticker) {
	defer b.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				b.logger.Debug("Swept subscriptions", zap.Int("removed", n))
			}
		}
	}
}

// Sweep removes subscriptions whose subscriber has been collected or whose
// registration count is not positive.
func (b *Bus) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed int
	for _, sub := range b.subs {
		_, alive := sub.Subscriber()
		if !alive || sub.Count() <= 0 {
			b.removeLocked(sub)
			removed++
		}
	}
	return removed
}

func (b *Bus) removeLocked(sub *subscription.Subscription) {
	delete(b.subs, sub.ID())
	key := keyOf(sub)
	if b.index[key] == sub {
		delete(b.index, key)
	}
	b.updateGaugeLocked()
}

func (b *Bus) updateGaugeLocked() {
	if b.metrics != nil {
		b.metrics.SetSubscriptions(len(b.subs))
	}
}

// Len returns the number of subscriptions held.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscriptions returns a snapshot of the subscriptions held.
func (b *Bus) Subscriptions() []*subscription.Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscription.Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, sub)
	}
	return out
}

// Shutdown stops the sweeper, delivers queued async events and waits for
// the bus goroutines.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.logger.Info("Shutting down event bus")

	// Refuse further async events, then signal shutdown. Everything
	// buffered before this point is drained by processEvents.
	b.sendMu.Lock()
	b.closed = true
	b.sendMu.Unlock()
	b.cancel()

	// Wait for all goroutines to finish or context to expire
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Event bus shutdown complete")
		return nil
	case <-ctx.Done():
		b.logger.Warn("Event bus shutdown timeout")
		return ctx.Err()
	}
}

// Close implements io.Closer.
func (b *Bus) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}

// Stats returns statistics about the event bus.
func (b *Bus) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := make(map[string]interface{})
	stats["buffer_size"] = b.bufferSize
	stats["pending_events"] = len(b.eventChan)
	stats["subscriptions"] = len(b.subs)

	perType := make(map[string]int)
	registrations := 0
	for _, sub := range b.subs {
		perType[sub.EventType().String()]++
		registrations += sub.Count()
	}
	stats["subscriptions_per_type"] = perType
	stats["registrations"] = registrations

	return stats
}

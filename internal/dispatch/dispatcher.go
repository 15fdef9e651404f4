// Package dispatch fans state-change events out to independent subscribers.
//
// Every subscriber owns a bounded queue. Publish never blocks: when a queue is
// full the oldest event of that subscriber is dropped and its drop counter is
// incremented, so a stalled consumer cannot hold up the notifier or any other
// subscriber.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Hara602/usbmon/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultDepth 每个订阅者的默认队列长度
const DefaultDepth = 64

const dropLogEvery = 100

// Observer receives state changes in emission order.
type Observer interface {
	OnStateChange(model.StateChangeEvent)
}

// FailureObserver is optionally implemented by observers that want the
// terminal failure of the monitor.
type FailureObserver interface {
	OnMonitorFailed(error)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(model.StateChangeEvent)

func (f ObserverFunc) OnStateChange(ev model.StateChangeEvent) { f(ev) }

// Stats 分发器统计
type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}

// Dispatcher 事件分发器
type Dispatcher struct {
	depth int
	log   *zap.Logger

	pubMu sync.Mutex // serializes Publish so drop-oldest stays per-subscriber FIFO

	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
	err    error

	observers sync.WaitGroup
	published atomic.Uint64
	dropped   atomic.Uint64
}

// New returns a Dispatcher whose subscribers get queues of the given depth.
func New(depth int, log *zap.Logger) *Dispatcher {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Dispatcher{
		depth: depth,
		log:   log.Named("dispatch"),
		subs:  make(map[uuid.UUID]*Subscription),
	}
}

// SubscribeOption 订阅选项
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	depth int
	name  string
}

// WithDepth overrides the queue depth for one subscriber.
func WithDepth(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.depth = n }
}

// WithName labels the subscriber in logs.
func WithName(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.name = name }
}

// Subscribe registers a new subscriber. Cancelling ctx unsubscribes it.
// Subscribing to a closed dispatcher returns an already finished subscription.
func (d *Dispatcher) Subscribe(ctx context.Context, opts ...SubscribeOption) *Subscription {
	o := subscribeOptions{depth: d.depth}
	for _, opt := range opts {
		opt(&o)
	}
	if o.depth <= 0 {
		o.depth = d.depth
	}

	s := &Subscription{
		id:   uuid.New(),
		name: o.name,
		ch:   make(chan model.StateChangeEvent, o.depth),
		d:    d,
	}

	d.mu.Lock()
	if d.closed {
		s.finish(d.err)
		d.mu.Unlock()
		return s
	}
	d.subs[s.id] = s
	// the callback takes d.mu, so it cannot observe s before stop is set
	s.stop = context.AfterFunc(ctx, func() { d.Unsubscribe(s) })
	d.mu.Unlock()

	d.log.Debug("subscribed", zap.Stringer("id", s.id), zap.String("name", s.name), zap.Int("depth", o.depth))
	return s
}

// Attach subscribes obs and delivers events to it from its own goroutine.
// A panicking observer is unsubscribed.
func (d *Dispatcher) Attach(ctx context.Context, obs Observer, opts ...SubscribeOption) *Subscription {
	s := d.Subscribe(ctx, opts...)
	d.observers.Add(1)
	go func() {
		defer d.observers.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("observer panicked, unsubscribing", zap.Stringer("id", s.id), zap.String("name", s.name), zap.Any("panic", r))
				d.Unsubscribe(s)
			}
		}()
		for ev := range s.Events() {
			obs.OnStateChange(ev)
		}
		if err := s.Err(); err != nil {
			if fo, ok := obs.(FailureObserver); ok {
				fo.OnMonitorFailed(err)
			}
		}
	}()
	return s
}

// Unsubscribe removes s and closes its queue. It is safe to call more than once.
func (d *Dispatcher) Unsubscribe(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subs[s.id]; !ok {
		return
	}
	delete(d.subs, s.id)
	s.finish(nil)
	d.log.Debug("unsubscribed", zap.Stringer("id", s.id), zap.String("name", s.name), zap.Uint64("dropped", s.Dropped()))
}

// Publish delivers ev to every current subscriber without blocking.
func (d *Dispatcher) Publish(ev model.StateChangeEvent) {
	d.pubMu.Lock()
	defer d.pubMu.Unlock()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	d.published.Add(1)
	for _, s := range d.subs {
		if s.offer(ev) {
			d.dropped.Add(1)
			if n := s.Dropped(); n == 1 || n%dropLogEvery == 0 {
				d.log.Warn("subscriber queue full, dropping oldest events",
					zap.Stringer("id", s.id), zap.String("name", s.name), zap.Uint64("dropped", n))
			}
		}
	}
}

// Close ends every subscription. A nil err is a clean end of stream; a non-nil
// err is reported by Subscription.Err.
func (d *Dispatcher) Close(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.err = err
	for id, s := range d.subs {
		delete(d.subs, id)
		s.finish(err)
	}
}

// Wait blocks until every observer started by Attach has returned.
func (d *Dispatcher) Wait() { d.observers.Wait() }

func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	n := len(d.subs)
	d.mu.RUnlock()
	return Stats{Subscribers: n, Published: d.published.Load(), Dropped: d.dropped.Load()}
}

// Subscription 订阅句柄
type Subscription struct {
	id      uuid.UUID
	name    string
	ch      chan model.StateChangeEvent
	d       *Dispatcher
	stop    func() bool
	dropped atomic.Uint64

	mu  sync.Mutex
	err error
}

func (s *Subscription) ID() uuid.UUID { return s.id }

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan model.StateChangeEvent { return s.ch }

// Dropped reports how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Err returns the terminal error once Events is closed, nil on clean shutdown.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe is shorthand for the owning dispatcher's Unsubscribe.
func (s *Subscription) Unsubscribe() { s.d.Unsubscribe(s) }

// offer 非阻塞入队，队列满时丢弃最旧的事件，返回是否发生丢弃
func (s *Subscription) offer(ev model.StateChangeEvent) bool {
	dropped := false
	for {
		select {
		case s.ch <- ev:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// finish must be called with d.mu held.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
	close(s.ch)
}

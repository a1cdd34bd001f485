package observable

import (
	"sync"
	"time"
)

type config struct {
	throttle time.Duration
	now      func() time.Time
	after    func(d time.Duration, fn func())
}

type Option func(*config)

// WithThrottle limits notifications to one per interval. Values set in
// between are returned by Get and the latest of them is announced once the
// interval has passed, from a timer goroutine.
func WithThrottle(interval time.Duration) Option {
	return func(c *config) {
		c.throttle = interval
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithAfterFunc replaces time.AfterFunc for the trailing notification,
// for tests.
func WithAfterFunc(after func(d time.Duration, fn func())) Option {
	return func(c *config) {
		c.after = after
	}
}

// Observable holds a value and notifies subscribers synchronously on the
// goroutine that calls Set. Throttled trailing notifications are the
// exception.
type Observable[T any] struct {
	lock        sync.Mutex
	value       T
	subscribers map[int]func(T)
	nextID      int
	lastNotify  time.Time
	// a value was stored but not announced yet
	dirty    bool
	trailing bool
	config   config
}

func New[T any](initial T, opts ...Option) *Observable[T] {
	cfg := config{now: time.Now, after: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Observable[T]{
		value:       initial,
		subscribers: make(map[int]func(T)),
		config:      cfg,
	}
}

func (o *Observable[T]) Get() T {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.value
}

func (o *Observable[T]) Set(value T) {
	o.lock.Lock()
	o.value = value

	if o.config.throttle > 0 {
		now := o.config.now()
		if since := now.Sub(o.lastNotify); !o.lastNotify.IsZero() && since < o.config.throttle {
			o.dirty = true
			if !o.trailing {
				o.trailing = true
				o.config.after(o.config.throttle-since, o.flush)
			}
			o.lock.Unlock()
			return
		}
		o.lastNotify = now
		o.dirty = false
	}

	subs := o.snapshot()
	o.lock.Unlock()

	for _, cb := range subs {
		cb(value)
	}
}

// flush announces the last value stored during a throttle interval.
func (o *Observable[T]) flush() {
	o.lock.Lock()
	o.trailing = false
	if !o.dirty {
		o.lock.Unlock()
		return
	}
	o.dirty = false
	o.lastNotify = o.config.now()
	value := o.value
	subs := o.snapshot()
	o.lock.Unlock()

	for _, cb := range subs {
		cb(value)
	}
}

// Subscribe registers cb and returns a function removing it again.
func (o *Observable[T]) Subscribe(cb func(T)) (unsubscribe func()) {
	o.lock.Lock()
	defer o.lock.Unlock()

	id := o.nextID
	o.nextID++
	o.subscribers[id] = cb

	return func() {
		o.lock.Lock()
		defer o.lock.Unlock()
		delete(o.subscribers, id)
	}
}

// snapshot returns the callbacks in subscription order. Callers hold the lock.
func (o *Observable[T]) snapshot() []func(T) {
	subs := make([]func(T), 0, len(o.subscribers))
	for id := 0; id < o.nextID; id++ {
		if cb, ok := o.subscribers[id]; ok {
			subs = append(subs, cb)
		}
	}
	return subs
}

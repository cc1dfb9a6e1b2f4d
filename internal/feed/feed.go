// Package feed implements hot, replay-latest value feeds.
//
// A subscriber first receives the current value, then every later Publish in
// order. Each subscriber is drained by its own goroutine from an unbounded
// queue, so Publish never blocks and a callback may call back into the
// publisher without deadlocking.
package feed

import "sync"

// Feed broadcasts values of type T to subscribers.
type Feed[T any] struct {
	mu     sync.Mutex
	latest T
	subs   map[int]*sub[T]
	next   int
	closed bool
}

type sub[T any] struct {
	fn   func(T)
	mu   sync.Mutex
	cond *sync.Cond
	q    []T
	done bool
}

// New returns a feed whose latest value is initial.
func New[T any](initial T) *Feed[T] {
	return &Feed[T]{latest: initial, subs: make(map[int]*sub[T])}
}

// Latest returns the most recently published value.
func (f *Feed[T]) Latest() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

// Publish records v as the latest value and queues it for every subscriber.
// Publishing on a closed feed is a no-op.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.latest = v
	for _, s := range f.subs {
		s.push(v)
	}
}

// Subscribe registers fn and returns a cancel func. fn is invoked
// sequentially, never concurrently with itself. Subscribing to a closed feed
// delivers only the latest value.
func (f *Feed[T]) Subscribe(fn func(T)) (cancel func()) {
	s := &sub[T]{fn: fn}
	s.cond = sync.NewCond(&s.mu)

	f.mu.Lock()
	s.q = append(s.q, f.latest)
	if f.closed {
		s.done = true
		f.mu.Unlock()
		go s.loop()
		return func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = s
	f.mu.Unlock()

	go s.loop()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			s.stop(true)
		})
	}
}

// Close stops accepting values. Subscribers still receive what was queued
// before Close and then exit.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = make(map[int]*sub[T])
	f.mu.Unlock()
	for _, s := range subs {
		s.stop(false)
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (s *sub[T]) push(v T) {
	s.mu.Lock()
	if !s.done {
		s.q = append(s.q, v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// stop ends the subscription. With drop set, undelivered values are
// discarded.
func (s *sub[T]) stop(drop bool) {
	s.mu.Lock()
	s.done = true
	if drop {
		s.q = nil
	}
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *sub[T]) loop() {
	for {
		s.mu.Lock()
		for len(s.q) == 0 && !s.done {
			s.cond.Wait()
		}
		if len(s.q) == 0 {
			s.mu.Unlock()
			return
		}
		v := s.q[0]
		var zero T
		s.q[0] = zero
		s.q = s.q[1:]
		s.mu.Unlock()
		s.fn(v)
	}
}

// Package combinator merges dynamically added asynchronous sequences
// into a single sequence ordered by result availability.
package combinator

import (
	"context"
	"sync"
)

// Item is one step of an asynchronous sequence. Done marks the end of
// the sequence; a Done item carries no value.
type Item[T any] struct {
	Value T
	Done  bool
}

// Iterator is a pull-based asynchronous sequence.
//
// Contract:
//   - Next blocks until the next item is available and returns it, or
//     returns a Done item when the sequence is exhausted, or an error.
//   - Return signals that the consumer will pull no further items. The
//     sequence must release its resources before Return resolves.
//   - Throw aborts the sequence with err. Like Return it must release
//     resources before resolving.
//
// Implementations must tolerate Return/Throw racing an in-flight Next.
type Iterator[T any] interface {
	Next(ctx context.Context) (Item[T], error)
	Return(ctx context.Context) error
	Throw(ctx context.Context, err error) error
}

// Combinator multiplexes N sources into one Iterator. Results are
// delivered in the order they arrive across all sources. Sources may be
// added while consumers are already pulling.
//
// Invariants:
//   - a source with an outstanding poll is never polled again;
//   - if a result is already buffered, Next resolves it without issuing
//     any new poll;
//   - concurrent Next callers are served strictly first come first
//     served, one result per caller;
//   - the first source error terminates the whole combinator;
//   - Return/Throw reach every tracked source exactly once, run
//     concurrently, and are awaited before the call resolves.
type Combinator[T any] struct {
	mu      sync.Mutex
	sources map[*source[T]]struct{}
	active  int
	buffer  []outcome[T]
	waiters []chan outcome[T]
	done    bool
}

type source[T any] struct {
	it       Iterator[T]
	polling  bool
	finished bool
}

type outcome[T any] struct {
	item Item[T]
	err  error
}

// New creates a Combinator over the given sources. More sources can be
// added later with Add.
func New[T any](sources ...Iterator[T]) *Combinator[T] {
	c := &Combinator[T]{sources: make(map[*source[T]]struct{})}
	for _, it := range sources {
		s := &source[T]{it: it}
		c.sources[s] = struct{}{}
		c.active++
	}
	return c
}

// Add registers a new source. If consumers are already waiting, the
// source is polled immediately. Adding to a terminated combinator is a
// no-op.
func (c *Combinator[T]) Add(ctx context.Context, it Iterator[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	s := &source[T]{it: it}
	c.sources[s] = struct{}{}
	c.active++
	if len(c.waiters) > 0 {
		c.pollLocked(ctx, s)
	}
}

// Next returns the next available result across all sources.
func (c *Combinator[T]) Next(ctx context.Context) (Item[T], error) {
	c.mu.Lock()
	if len(c.buffer) > 0 {
		o := c.buffer[0]
		c.buffer = c.buffer[1:]
		c.mu.Unlock()
		return o.item, o.err
	}
	if c.done || c.active == 0 {
		c.mu.Unlock()
		return Item[T]{Done: true}, nil
	}
	w := make(chan outcome[T], 1)
	c.waiters = append(c.waiters, w)
	c.pollIdleLocked(ctx)
	c.mu.Unlock()

	select {
	case o := <-w:
		return o.item, o.err
	case <-ctx.Done():
		c.mu.Lock()
		for i, q := range c.waiters {
			if q == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				c.mu.Unlock()
				return Item[T]{}, ctx.Err()
			}
		}
		c.mu.Unlock()
		// A result was already assigned to this caller; it must not be
		// lost, so hand it over despite the cancellation.
		o := <-w
		return o.item, o.err
	}
}

// Return terminates the combinator and calls Return on every tracked
// source concurrently, awaiting all of them. Individual source outcomes
// are ignored.
func (c *Combinator[T]) Return(ctx context.Context) error {
	srcs := c.teardown()
	var wg sync.WaitGroup
	for _, s := range srcs {
		wg.Add(1)
		go func(it Iterator[T]) {
			defer wg.Done()
			_ = it.Return(ctx)
		}(s.it)
	}
	wg.Wait()
	return nil
}

// Throw terminates the combinator, calls Throw(err) on every tracked
// source concurrently, awaits all of them, and re-raises err.
func (c *Combinator[T]) Throw(ctx context.Context, err error) error {
	srcs := c.teardown()
	var wg sync.WaitGroup
	for _, s := range srcs {
		wg.Add(1)
		go func(it Iterator[T]) {
			defer wg.Done()
			_ = it.Throw(ctx, err)
		}(s.it)
	}
	wg.Wait()
	return err
}

// teardown marks the combinator done, discards buffered results,
// releases waiting consumers with a terminal item, and removes every
// tracked source, returning them for cleanup. Exhausted sources stay
// tracked until teardown so cleanup reaches them too.
func (c *Combinator[T]) teardown() []*source[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	for _, w := range c.waiters {
		w <- outcome[T]{item: Item[T]{Done: true}}
	}
	c.waiters = nil
	c.buffer = nil
	srcs := make([]*source[T], 0, len(c.sources))
	for s := range c.sources {
		srcs = append(srcs, s)
	}
	clear(c.sources)
	return srcs
}

// pollIdleLocked polls every source that is neither mid-poll nor
// finished.
func (c *Combinator[T]) pollIdleLocked(ctx context.Context) {
	for s := range c.sources {
		if !s.polling && !s.finished {
			c.pollLocked(ctx, s)
		}
	}
}

func (c *Combinator[T]) pollLocked(ctx context.Context, s *source[T]) {
	s.polling = true
	go func() {
		item, err := s.it.Next(ctx)
		c.deliver(ctx, s, item, err)
	}()
}

func (c *Combinator[T]) deliver(ctx context.Context, s *source[T], item Item[T], err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.polling = false
	if c.done {
		return
	}
	switch {
	case err != nil:
		s.finished = true
		c.active--
		c.resolveLocked(outcome[T]{err: err})
		c.flushLocked()
	case item.Done:
		s.finished = true
		c.active--
		if c.active == 0 {
			c.flushLocked()
		}
	default:
		if c.resolveLocked(outcome[T]{item: item}) {
			c.pollIdleLocked(ctx)
		}
	}
}

// resolveLocked hands o to the oldest waiting consumer, or buffers it in
// arrival order. Reports whether consumers are still waiting afterwards.
func (c *Combinator[T]) resolveLocked(o outcome[T]) bool {
	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		w <- o
		return len(c.waiters) > 0
	}
	c.buffer = append(c.buffer, o)
	return false
}

// flushLocked marks the combinator done and releases every waiting
// consumer with a terminal item. Buffered results remain deliverable.
func (c *Combinator[T]) flushLocked() {
	c.done = true
	for _, w := range c.waiters {
		w <- outcome[T]{item: Item[T]{Done: true}}
	}
	c.waiters = nil
}

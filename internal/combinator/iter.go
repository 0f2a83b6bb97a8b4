package combinator

import (
	"context"
	"sync"
)

// FromSlice returns an Iterator that yields the given values in order.
func FromSlice[T any](values ...T) Iterator[T] {
	return &sliceIterator[T]{values: values}
}

type sliceIterator[T any] struct {
	mu     sync.Mutex
	values []T
	pos    int
	closed bool
}

func (s *sliceIterator[T]) Next(ctx context.Context) (Item[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.values) {
		return Item[T]{Done: true}, nil
	}
	v := s.values[s.pos]
	s.pos++
	return Item[T]{Value: v}, nil
}

func (s *sliceIterator[T]) Return(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *sliceIterator[T]) Throw(ctx context.Context, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return err
}

// FromFunc adapts a pull function into an Iterator. next is called once
// per Next. stop, if non-nil, is called once by Return (with a nil
// error) or Throw (with the thrown error).
func FromFunc[T any](next func(ctx context.Context) (Item[T], error), stop func(ctx context.Context, err error) error) Iterator[T] {
	return &funcIterator[T]{next: next, stop: stop}
}

type funcIterator[T any] struct {
	mu      sync.Mutex
	next    func(ctx context.Context) (Item[T], error)
	stop    func(ctx context.Context, err error) error
	stopped bool
}

func (f *funcIterator[T]) Next(ctx context.Context) (Item[T], error) {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if stopped {
		return Item[T]{Done: true}, nil
	}
	return f.next(ctx)
}

func (f *funcIterator[T]) Return(ctx context.Context) error {
	return f.close(ctx, nil)
}

func (f *funcIterator[T]) Throw(ctx context.Context, err error) error {
	if cerr := f.close(ctx, err); cerr != nil {
		return cerr
	}
	return err
}

func (f *funcIterator[T]) close(ctx context.Context, err error) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	stop := f.stop
	f.mu.Unlock()
	if stop == nil {
		return nil
	}
	return stop(ctx, err)
}

// FromChan returns an Iterator that yields values received from ch
// until ch is closed. Return and Throw do not close ch; they only stop
// iteration.
func FromChan[T any](ch <-chan T) Iterator[T] {
	return &chanIterator[T]{ch: ch, stop: make(chan struct{})}
}

type chanIterator[T any] struct {
	ch   <-chan T
	stop chan struct{}
	once sync.Once
}

func (c *chanIterator[T]) Next(ctx context.Context) (Item[T], error) {
	select {
	case v, ok := <-c.ch:
		if !ok {
			return Item[T]{Done: true}, nil
		}
		return Item[T]{Value: v}, nil
	case <-c.stop:
		return Item[T]{Done: true}, nil
	case <-ctx.Done():
		return Item[T]{}, ctx.Err()
	}
}

func (c *chanIterator[T]) Return(ctx context.Context) error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *chanIterator[T]) Throw(ctx context.Context, err error) error {
	c.once.Do(func() { close(c.stop) })
	return err
}

package incremental

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/deferstream/internal/combinator"
	"github.com/hanpama/deferstream/internal/eventbus"
	"github.com/hanpama/deferstream/internal/events"
	"github.com/hanpama/deferstream/internal/merge"
)

// PayloadFormatter converts completed regions into outbound payloads.
// It owns wire-format concerns entirely; the publisher only reports
// what finished and asks whether a payload is ready to go out.
type PayloadFormatter[P any] interface {
	// AddStreamItems reports a batch of stream items in index order.
	// done marks the batch as the stream's last.
	AddStreamItems(stream *Stream, items []any, errs gqlerror.List, done bool)
	// AddFailedStream reports a stream that terminated with errors.
	AddFailedStream(stream *Stream, errs gqlerror.List)
	// AddSuccessfulDeferredFragment reports a completed fragment with
	// the results of every execution group that contributed to it.
	AddSuccessfulDeferredFragment(fragment *DeferredFragment, results []*CompletedExecutionGroup)
	// AddFailedDeferredFragment reports a fragment that finished with
	// errors instead of data.
	AddFailedDeferredFragment(fragment *DeferredFragment, errs gqlerror.List)
	// SubsequentPayload returns the next outbound payload if one is
	// ready. hasNext tells the formatter whether more will follow.
	SubsequentPayload(hasNext bool) (P, bool)
}

var publisherSeq atomic.Int64

// Publisher drives the graph and the merged result against the
// drivers' payload sequences and exposes the outcome as a single
// pull-based sequence of formatted payloads.
//
// Publisher implements combinator.Iterator[P]: the consumer pulls with
// Next and may abandon the sequence early with Return or Throw, which
// tear down every driver exactly once.
type Publisher[P any] struct {
	format    PayloadFormatter[P]
	graph     *Graph
	merged    *merge.MergedResult
	drivers   *combinator.Combinator[merge.TaggedPayload]
	driverSet []*merge.Driver
	id        int64

	mu          sync.Mutex
	done        bool
	seeded      bool
	driversDone bool
	seed        []DataRecord
	streams     map[string]*Stream
	fragments   map[string]*DeferredFragment
	started     time.Time
	payloads    int
}

// PublisherOption configures a Publisher.
type PublisherOption[P any] func(*Publisher[P])

// WithInitialRecords seeds the publisher with deferred work discovered
// locally during initial value completion. The records are registered
// on the first Next or Start call.
func WithInitialRecords[P any](records ...DataRecord) PublisherOption[P] {
	return func(p *Publisher[P]) {
		p.seed = append(p.seed, records...)
	}
}

// NewPublisher creates a publisher over the given drivers, reporting
// completed regions to format.
func NewPublisher[P any](format PayloadFormatter[P], drivers []*merge.Driver, opts ...PublisherOption[P]) *Publisher[P] {
	p := &Publisher[P]{
		format:    format,
		graph:     NewGraph(),
		drivers:   merge.CombineDrivers(drivers),
		driverSet: drivers,
		id:        publisherSeq.Add(1),
		streams:   make(map[string]*Stream),
		fragments: make(map[string]*DeferredFragment),
	}
	p.merged = merge.New(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Merged exposes the merged result tree being assembled.
func (p *Publisher[P]) Merged() *merge.MergedResult { return p.merged }

// Start folds every driver's initial result and registers seeded work.
// It is idempotent; Next calls it implicitly. Calling it explicitly
// lets the embedder read the merged initial data before pulling
// subsequent payloads.
func (p *Publisher[P]) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.seeded {
		p.mu.Unlock()
		return nil
	}
	p.seeded = true
	p.started = time.Now()
	seed := p.seed
	p.seed = nil
	p.mu.Unlock()

	eventbus.Publish(ctx, events.PublishStart{Publisher: p.id, Drivers: len(p.driverSet)})
	for i, d := range p.driverSet {
		if d.Initial == nil {
			continue
		}
		if err := p.merged.ApplyInitial(ctx, i, d.Initial); err != nil {
			return err
		}
	}
	if len(seed) > 0 {
		p.graph.GetNewRootNodes(ctx, seed)
	}
	return nil
}

// Next returns the next formatted payload, or a Done item once every
// region has been reported and the formatter has nothing left to send.
func (p *Publisher[P]) Next(ctx context.Context) (combinator.Item[P], error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return combinator.Item[P]{Done: true}, nil
	}
	p.mu.Unlock()
	if err := p.Start(ctx); err != nil {
		return combinator.Item[P]{}, p.fail(ctx, err)
	}

	for {
		for e := range p.graph.CurrentCompletedBatch() {
			p.handleEvent(ctx, e)
		}
		hasNext := p.graph.HasNext()
		if payload, ok := p.format.SubsequentPayload(hasNext); ok {
			p.mu.Lock()
			p.payloads++
			p.mu.Unlock()
			eventbus.Publish(ctx, events.PayloadPublished{Publisher: p.id, HasNext: hasNext})
			return combinator.Item[P]{Value: payload}, nil
		}
		if !hasNext {
			p.finish(ctx, nil)
			return combinator.Item[P]{Done: true}, nil
		}
		if p.graph.PendingWork() {
			batch, err := p.graph.NextCompletedBatch(ctx)
			if err != nil {
				return combinator.Item[P]{}, p.fail(ctx, err)
			}
			for e := range batch {
				p.handleEvent(ctx, e)
			}
			continue
		}
		p.mu.Lock()
		ended := p.driversDone
		p.mu.Unlock()
		if ended {
			// Regions remain open but no driver will ever report them.
			return combinator.Item[P]{}, p.fail(ctx, fmt.Errorf("driver payloads ended with pending regions remaining"))
		}
		item, err := p.drivers.Next(ctx)
		if err != nil {
			return combinator.Item[P]{}, p.fail(ctx, err)
		}
		if item.Done {
			p.mu.Lock()
			p.driversDone = true
			p.mu.Unlock()
			continue
		}
		tp := item.Value
		if err := p.merged.ApplySubsequent(ctx, tp.Driver, tp.Payload); err != nil {
			return combinator.Item[P]{}, p.fail(ctx, err)
		}
	}
}

// Return tears down every driver sequence concurrently, ignoring their
// individual outcomes, and marks the publisher done. A done publisher
// always yields a terminal result without touching the drivers again.
func (p *Publisher[P]) Return(ctx context.Context) error {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	p.finish(ctx, nil)
	return nil
}

// Throw tears down every driver sequence with err and re-raises it.
func (p *Publisher[P]) Throw(ctx context.Context, err error) error {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()
	p.finish(ctx, err)
	return err
}

func (p *Publisher[P]) fail(ctx context.Context, err error) error {
	p.finish(ctx, err)
	return err
}

func (p *Publisher[P]) finish(ctx context.Context, cause error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	payloads := p.payloads
	started := p.started
	p.mu.Unlock()

	if cause != nil {
		_ = p.drivers.Throw(ctx, cause)
	} else {
		_ = p.drivers.Return(ctx)
	}
	var d time.Duration
	if !started.IsZero() {
		d = time.Since(started)
	}
	eventbus.Publish(ctx, events.PublishFinish{
		Publisher: p.id,
		Payloads:  payloads,
		Err:       cause,
		Duration:  d,
	})
}

// handleEvent converts one completed unit of work into formatter calls
// and follow-up graph transitions.
func (p *Publisher[P]) handleEvent(ctx context.Context, e CompletedEvent) {
	switch ev := e.(type) {
	case *CompletedExecutionGroup:
		if ev.Failed() {
			for _, f := range ev.Group.Fragments {
				p.format.AddFailedDeferredFragment(f, ev.Errors)
				p.graph.RemoveDeferredFragment(f)
				p.forgetFragment(f)
				eventbus.Publish(ctx, events.FragmentCompleted{
					Publisher: p.id, Label: f.Label, Path: f.Path.String(), Failed: true,
				})
			}
			return
		}
		p.graph.AddCompletedSuccessfulExecutionGroup(ctx, ev)
		// Completing a fragment detaches it from the group, compacting
		// Group.Fragments in place; iterate a snapshot so every member
		// still gets its completion attempt.
		for _, f := range slices.Clone(ev.Group.Fragments) {
			p.completeFragment(ctx, f)
		}
	case *CompletedStreamItems:
		s := ev.Stream
		if len(ev.Failed) > 0 {
			p.format.AddFailedStream(s, ev.Failed)
			p.graph.RemoveStream(s)
			eventbus.Publish(ctx, events.StreamCompleted{
				Publisher: p.id, Label: s.Label, Path: s.Path.String(),
				Items: s.Published(), Failed: true,
			})
			return
		}
		if len(ev.Items) > 0 || len(ev.Errors) > 0 || ev.Done {
			p.format.AddStreamItems(s, ev.Items, ev.Errors, ev.Done)
		}
		if len(ev.NewRecords) > 0 {
			p.graph.GetNewRootNodes(ctx, ev.NewRecords)
		}
		if ev.Done {
			p.graph.RemoveStream(s)
			eventbus.Publish(ctx, events.StreamCompleted{
				Publisher: p.id, Label: s.Label, Path: s.Path.String(),
				Items: s.Published(),
			})
		}
	}
}

// completeFragment attempts the boundary transition for f and, when it
// succeeds, cascades into any children that were promoted already
// complete (their shared groups ran through a sibling).
func (p *Publisher[P]) completeFragment(ctx context.Context, f *DeferredFragment) {
	results, newRoots, ok := p.graph.CompleteDeferredFragment(ctx, f)
	if !ok {
		return
	}
	p.format.AddSuccessfulDeferredFragment(f, results)
	p.forgetFragment(f)
	eventbus.Publish(ctx, events.FragmentCompleted{
		Publisher: p.id, Label: f.Label, Path: f.Path.String(),
	})
	for _, n := range newRoots {
		if child, isFragment := n.(*DeferredFragment); isFragment {
			p.completeFragment(ctx, child)
		}
	}
}

func (p *Publisher[P]) forgetFragment(f *DeferredFragment) {
	p.mu.Lock()
	delete(p.fragments, f.Key())
	p.mu.Unlock()
}

// NewRegion builds the graph records for a region a driver announced.
// Object regions become a pending fragment with one execution group
// that snapshots the folded data; stream regions become a stream whose
// batches read the folded list from the publication cursor on.
func (p *Publisher[P]) NewRegion(ctx context.Context, r *merge.Region) {
	path := PathFromAST(r.Path)
	parent := p.parentFragment(r)
	switch r.Kind {
	case merge.KindStream:
		s := NewStream(path, r.Label, func(ctx context.Context, index int) StreamBatch {
			items := r.Items()
			if index < len(items) {
				return StreamBatch{Ready: &StreamItems{Items: items[index:]}}
			}
			return StreamBatch{Ready: &StreamItems{}}
		})
		p.mu.Lock()
		p.streams[r.Key()] = s
		p.mu.Unlock()
		if parent != nil {
			p.graph.GetNewRootNodes(ctx, []DataRecord{s}, parent)
		} else {
			p.graph.GetNewRootNodes(ctx, []DataRecord{s})
		}
	default:
		f := NewPendingDeferredFragment(path, r.Label, parent)
		g := NewExecutionGroup(path, []*DeferredFragment{f}, func(ctx context.Context) *CompletedExecutionGroup {
			data := r.Object()
			if data == nil {
				data = map[string]any{}
			}
			return &CompletedExecutionGroup{Data: data}
		})
		p.mu.Lock()
		p.fragments[r.Key()] = f
		p.mu.Unlock()
		p.graph.GetNewRootNodes(ctx, []DataRecord{g})
	}
}

// StreamItems schedules draining of the items just folded for r.
func (p *Publisher[P]) StreamItems(ctx context.Context, r *merge.Region) {
	p.mu.Lock()
	s := p.streams[r.Key()]
	p.mu.Unlock()
	if s != nil {
		p.graph.CompleteStreamItems(ctx, s)
	}
}

// StreamDone schedules stream termination, failed when errs is
// non-empty.
func (p *Publisher[P]) StreamDone(ctx context.Context, r *merge.Region, errs gqlerror.List) {
	p.mu.Lock()
	s := p.streams[r.Key()]
	p.mu.Unlock()
	if s != nil {
		p.graph.TerminateStream(ctx, s, errs)
	}
}

// FragmentReady resolves a driver-gated fragment's readiness. Failure
// removes the whole subtree and reports the fragment failed; success
// marks it ready and attempts completion in case its work already ran.
func (p *Publisher[P]) FragmentReady(ctx context.Context, r *merge.Region, errs gqlerror.List) {
	p.mu.Lock()
	f := p.fragments[r.Key()]
	p.mu.Unlock()
	if f == nil {
		return
	}
	if len(errs) > 0 {
		p.graph.MarkFragmentFailed(f, errs)
		p.format.AddFailedDeferredFragment(f, errs)
		p.forgetFragment(f)
		eventbus.Publish(ctx, events.FragmentCompleted{
			Publisher: p.id, Label: f.Label, Path: f.Path.String(), Failed: true,
		})
		return
	}
	p.graph.MarkFragmentReady(ctx, f)
	p.completeFragment(ctx, f)
}

// parentFragment resolves the fragment a new region nests under: the
// known fragment whose path is the longest strict prefix of the
// region's path. No match means the region hangs off the initial
// result.
func (p *Publisher[P]) parentFragment(r *merge.Region) *DeferredFragment {
	keys := PathFromAST(r.Path).Keys()
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *DeferredFragment
	bestLen := -1
	for _, f := range p.fragments {
		fk := f.Path.Keys()
		if len(fk) >= len(keys) || len(fk) <= bestLen {
			continue
		}
		if isKeyPrefix(fk, keys) {
			best = f
			bestLen = len(fk)
		}
	}
	return best
}

func isKeyPrefix(prefix, keys []any) bool {
	for i, k := range prefix {
		if keys[i] != k {
			return false
		}
	}
	return true
}

package incremental

import (
	"context"
	"iter"
	"runtime"
	"sync"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Graph is the scheduler for deferred fragments and streams. It tracks
// which regions are publishable roots, decides when pending work may
// run, deduplicates work shared across fragments, serializes stream
// draining, and queues completed-work events for the publisher.
//
// All bookkeeping is guarded by a single mutex; the execution of the
// units of work themselves runs outside the lock.
type Graph struct {
	mu        sync.Mutex
	roots     map[Node]struct{}
	fragments map[string]*DeferredFragment
	queue     []CompletedEvent
	waiters   []chan struct{}
	inflight  int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		roots:     make(map[Node]struct{}),
		fragments: make(map[string]*DeferredFragment),
	}
}

// GetNewRootNodes registers freshly discovered records nested under the
// given parent fragments (none means they hang off the initial result)
// and returns the nodes that became publication roots. A fragment with
// no pending work never becomes a root; its children are promoted in
// its place.
func (g *Graph) GetNewRootNodes(ctx context.Context, records []DataRecord, parents ...*DeferredFragment) []Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	var candidates []Node
	g.addRecordsLocked(ctx, records, parents, &candidates)
	return g.promoteLocked(ctx, candidates)
}

// AddCompletedSuccessfulExecutionGroup moves the group from pending to
// successful on every fragment it satisfies and registers the nested
// work it discovered, parented under those same fragments.
func (g *Graph) AddCompletedSuccessfulExecutionGroup(ctx context.Context, result *CompletedExecutionGroup) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp := result.Group
	for _, f := range grp.Fragments {
		delete(f.pending, grp)
		f.successful = append(f.successful, result)
	}
	var candidates []Node
	g.addRecordsLocked(ctx, result.NewRecords, grp.Fragments, &candidates)
	g.promoteLocked(ctx, candidates)
}

// CompleteDeferredFragment finishes a fragment boundary. It reports
// ok=false while the fragment is not a current root, is not ready, or
// still owns pending execution groups. On success it returns the
// accumulated successful results, detaches the fragment so other
// fragments sharing its groups no longer report it, and promotes its
// children to root candidates.
func (g *Graph) CompleteDeferredFragment(ctx context.Context, f *DeferredFragment) (results []*CompletedExecutionGroup, newRootNodes []Node, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, isRoot := g.roots[f]; !isRoot {
		return nil, nil, false
	}
	if f.ready != readinessReady || len(f.pending) > 0 {
		return nil, nil, false
	}
	delete(g.roots, f)
	delete(g.fragments, f.key)
	results = f.successful
	f.successful = nil
	for _, res := range results {
		res.Group.removeFragment(f)
	}
	newRootNodes = g.promoteLocked(ctx, f.children)
	f.children = nil
	g.notifyLocked()
	return results, newRootNodes, true
}

// MarkFragmentReady records the upstream completion signal for f and,
// if f is a current root, starts its pending work.
func (g *Graph) MarkFragmentReady(ctx context.Context, f *DeferredFragment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f.ready != readinessPending {
		return
	}
	f.ready = readinessReady
	if _, isRoot := g.roots[f]; !isRoot {
		return
	}
	for grp := range f.pending {
		// Work that completes another ready root was already started
		// when that root appeared; completing it again is handled by
		// the normal completion path, not by a second trigger.
		if g.startedViaOtherRootLocked(grp, f) {
			continue
		}
		g.triggerGroupLocked(ctx, grp)
	}
}

// MarkFragmentFailed records an upstream failure for f and discards the
// fragment together with every region nested under it.
func (g *Graph) MarkFragmentFailed(f *DeferredFragment, errs gqlerror.List) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f.ready = readinessFailed
	f.failErrs = errs
	g.removeFragmentLocked(f)
	g.notifyLocked()
}

// RemoveDeferredFragment discards a fragment and every region nested
// under it, dropping any work that has become moot.
func (g *Graph) RemoveDeferredFragment(f *DeferredFragment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeFragmentLocked(f)
	g.notifyLocked()
}

// RemoveStream stops tracking a stream.
func (g *Graph) RemoveStream(s *Stream) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.roots, s)
	s.queue = nil
	g.notifyLocked()
}

// CompleteStreamItems schedules computation of the items known for s
// beyond what has already been published and kicks the drain loop.
func (g *Graph) CompleteStreamItems(ctx context.Context, s *Stream) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.queue = append(s.queue, streamEntry{})
	g.kickDrainLocked(ctx, s)
}

// TerminateStream schedules the end of s. A non-nil errs reports a
// failed stream.
func (g *Graph) TerminateStream(ctx context.Context, s *Stream, errs gqlerror.List) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.queue = append(s.queue, streamEntry{terminal: true, errs: errs})
	g.kickDrainLocked(ctx, s)
}

// HasNext reports whether any region is still tracked for publication.
func (g *Graph) HasNext() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.roots) > 0
}

// PendingWork reports whether completed events are queued or units of
// work are still executing.
func (g *Graph) PendingWork() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight > 0 || len(g.queue) > 0
}

// CurrentCompletedBatch drains the completed-event queue as a one-shot
// sequence. Events enqueued while the caller is still iterating join
// the same batch. When the queue is empty and no regions remain, any
// next-batch waiters are released with the terminal signal.
func (g *Graph) CurrentCompletedBatch() iter.Seq[CompletedEvent] {
	return func(yield func(CompletedEvent) bool) {
		for {
			g.mu.Lock()
			if len(g.queue) == 0 {
				if len(g.roots) == 0 {
					g.notifyLocked()
				}
				g.mu.Unlock()
				return
			}
			e := g.queue[0]
			g.queue = g.queue[1:]
			g.mu.Unlock()
			if !yield(e) {
				return
			}
		}
	}
}

// NextCompletedBatch blocks until completed events are available or no
// regions remain, then returns the current batch.
func (g *Graph) NextCompletedBatch(ctx context.Context) (iter.Seq[CompletedEvent], error) {
	for {
		g.mu.Lock()
		if len(g.queue) > 0 || len(g.roots) == 0 {
			g.mu.Unlock()
			return g.CurrentCompletedBatch(), nil
		}
		w := make(chan struct{})
		g.waiters = append(g.waiters, w)
		g.mu.Unlock()
		select {
		case <-w:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *Graph) addRecordsLocked(ctx context.Context, records []DataRecord, parents []*DeferredFragment, candidates *[]Node) {
	for _, rec := range records {
		switch r := rec.(type) {
		case *ExecutionGroup:
			for i, f := range r.Fragments {
				r.Fragments[i] = g.internFragmentLocked(f, candidates)
				r.Fragments[i].pending[r] = struct{}{}
			}
			// Work discovered after its fragment already became a
			// ready root must start eagerly; nothing else will.
			if g.completesReadyRootLocked(r) {
				g.triggerGroupLocked(ctx, r)
			}
		case *Stream:
			if len(parents) == 0 {
				*candidates = append(*candidates, r)
				continue
			}
			for i, p := range parents {
				parents[i] = g.internFragmentLocked(p, candidates)
				parents[i].addChild(r)
			}
		}
	}
}

// internFragmentLocked deduplicates f by key, attaching unknown
// fragments under their parent chain up to an initial-result child.
func (g *Graph) internFragmentLocked(f *DeferredFragment, candidates *[]Node) *DeferredFragment {
	if known, ok := g.fragments[f.key]; ok {
		return known
	}
	g.fragments[f.key] = f
	if f.Parent == nil {
		*candidates = append(*candidates, f)
		return f
	}
	f.Parent = g.internFragmentLocked(f.Parent, candidates)
	f.Parent.addChild(f)
	return f
}

// promoteLocked flattens candidates iteratively: a fragment with
// pending work becomes a permanent root, one without dissolves and its
// children become candidates in its place. Streams always root.
func (g *Graph) promoteLocked(ctx context.Context, candidates []Node) []Node {
	var rootNodes []Node
	queue := candidates
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		switch r := n.(type) {
		case *DeferredFragment:
			if len(r.pending) == 0 {
				queue = append(queue, r.children...)
				delete(g.fragments, r.key)
				continue
			}
			g.roots[r] = struct{}{}
			rootNodes = append(rootNodes, r)
			if r.ready == readinessReady {
				for grp := range r.pending {
					g.triggerGroupLocked(ctx, grp)
				}
			}
		case *Stream:
			g.roots[r] = struct{}{}
			rootNodes = append(rootNodes, r)
		}
	}
	return rootNodes
}

func (g *Graph) completesReadyRootLocked(grp *ExecutionGroup) bool {
	for _, f := range grp.Fragments {
		if _, isRoot := g.roots[f]; isRoot && f.ready == readinessReady {
			return true
		}
	}
	return false
}

func (g *Graph) startedViaOtherRootLocked(grp *ExecutionGroup, except *DeferredFragment) bool {
	for _, f := range grp.Fragments {
		if f == except {
			continue
		}
		if _, isRoot := g.roots[f]; isRoot && f.ready == readinessReady {
			return true
		}
	}
	return false
}

// triggerGroupLocked starts the group's work unless it already ran or
// is running. The result cell's claim guarantees at-most-once execution
// no matter how many fragments trigger independently.
func (g *Graph) triggerGroupLocked(ctx context.Context, grp *ExecutionGroup) {
	if !grp.result.claim() {
		return
	}
	g.inflight++
	go func() {
		res := grp.result.invoke(ctx)
		g.mu.Lock()
		g.inflight--
		g.queue = append(g.queue, res)
		g.notifyLocked()
		g.mu.Unlock()
	}()
}

func (g *Graph) removeFragmentLocked(f *DeferredFragment) {
	delete(g.roots, f)
	delete(g.fragments, f.key)
	f.pending = make(map[*ExecutionGroup]struct{})
	for _, child := range f.children {
		switch c := child.(type) {
		case *DeferredFragment:
			g.removeFragmentLocked(c)
		case *Stream:
			delete(g.roots, c)
			c.queue = nil
		}
	}
	f.children = nil
}

func (g *Graph) kickDrainLocked(ctx context.Context, s *Stream) {
	if s.draining {
		return
	}
	s.draining = true
	g.inflight++
	go g.drainStream(ctx, s)
}

// drainStream pops queued stream work one entry at a time.
// Synchronously available batches accumulate into a single event; when
// a batch suspends, everything accumulated so far is flushed first so
// earlier items are never held behind a later asynchronous one. After
// each suspension the loop yields to the scheduler once, so work that
// became ready in the same turn coalesces into the next batch.
func (g *Graph) drainStream(ctx context.Context, s *Stream) {
	var acc *CompletedStreamItems
	for {
		g.mu.Lock()
		if len(s.queue) == 0 {
			if acc != nil {
				g.queue = append(g.queue, acc)
			}
			s.draining = false
			g.inflight--
			g.notifyLocked()
			g.mu.Unlock()
			return
		}
		entry := s.queue[0]
		s.queue = s.queue[1:]
		index := s.published
		g.mu.Unlock()

		if entry.terminal {
			g.mu.Lock()
			if acc != nil {
				g.queue = append(g.queue, acc)
			}
			g.queue = append(g.queue, &CompletedStreamItems{Stream: s, Done: true, Failed: entry.errs})
			s.queue = nil
			s.draining = false
			g.inflight--
			g.notifyLocked()
			g.mu.Unlock()
			return
		}

		batch := s.Result(ctx, index)
		res := batch.Ready
		if res == nil {
			// Flush before suspending.
			g.mu.Lock()
			if acc != nil {
				g.queue = append(g.queue, acc)
				acc = nil
				g.notifyLocked()
			}
			g.mu.Unlock()
			select {
			case r, open := <-batch.Pending:
				if !open || r == nil {
					res = &StreamItems{Done: true}
				} else {
					res = r
				}
			case <-ctx.Done():
				g.mu.Lock()
				g.queue = append(g.queue, &CompletedStreamItems{
					Stream: s,
					Done:   true,
					Failed: gqlerror.List{gqlerror.WrapPath(nil, ctx.Err())},
				})
				s.queue = nil
				s.draining = false
				g.inflight--
				g.notifyLocked()
				g.mu.Unlock()
				return
			}
			runtime.Gosched()
		}

		g.mu.Lock()
		if len(res.Items) == 0 && len(res.Errors) == 0 && len(res.NewRecords) == 0 && !res.Done {
			g.mu.Unlock()
			continue
		}
		if acc == nil {
			acc = &CompletedStreamItems{Stream: s}
		}
		acc.Items = append(acc.Items, res.Items...)
		acc.Errors = append(acc.Errors, res.Errors...)
		acc.NewRecords = append(acc.NewRecords, res.NewRecords...)
		s.published += len(res.Items)
		if res.Done {
			acc.Done = true
			g.queue = append(g.queue, acc)
			s.queue = nil
			s.draining = false
			g.inflight--
			g.notifyLocked()
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()
	}
}

func (g *Graph) notifyLocked() {
	for _, w := range g.waiters {
		close(w)
	}
	g.waiters = nil
}

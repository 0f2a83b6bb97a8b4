package incremental

import (
	"context"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// DataRecord is a freshly discovered unit of deferred work: either an
// *ExecutionGroup or a *Stream.
type DataRecord interface{ isDataRecord() }

// Node is a region eligible for independent publication to the
// consumer: a *DeferredFragment or a *Stream. Streams are always
// publication roots once reachable; fragments only while they own
// pending execution groups.
type Node interface{ isNode() }

func (*ExecutionGroup) isDataRecord() {}
func (*Stream) isDataRecord()         {}
func (*Stream) isNode()               {}
func (*DeferredFragment) isNode()     {}

// readiness is the tri-state completion signal for a fragment. In the
// single-driver case fragments are created ready; with upstream drivers
// the signal arrives asynchronously per fragment.
type readiness int

const (
	readinessPending readiness = iota
	readinessReady
	readinessFailed
)

// DeferredFragment is a node in the tree mirroring the nesting of
// deferred regions. A fragment with a nil Parent hangs off the initial
// result. Fragments are globally deduplicated by Key; re-adding a known
// key is a no-op.
type DeferredFragment struct {
	Path   *Path
	Label  string
	Parent *DeferredFragment

	key        string
	children   []Node
	pending    map[*ExecutionGroup]struct{}
	successful []*CompletedExecutionGroup
	ready      readiness
	failErrs   gqlerror.List
}

// NewDeferredFragment creates a fragment that is ready to run its work
// as soon as the work is discovered (the single-driver case).
func NewDeferredFragment(path *Path, label string, parent *DeferredFragment) *DeferredFragment {
	f := newFragment(path, label, parent)
	f.ready = readinessReady
	return f
}

// NewPendingDeferredFragment creates a fragment whose readiness is
// announced later by an upstream driver.
func NewPendingDeferredFragment(path *Path, label string, parent *DeferredFragment) *DeferredFragment {
	return newFragment(path, label, parent)
}

func newFragment(path *Path, label string, parent *DeferredFragment) *DeferredFragment {
	return &DeferredFragment{
		Path:    path,
		Label:   label,
		Parent:  parent,
		key:     FragmentKey(label, path),
		pending: make(map[*ExecutionGroup]struct{}),
	}
}

// Key is the fragment's global identity: label plus path.
func (f *DeferredFragment) Key() string { return f.key }

// FailureErrors returns the terminal errors recorded when the fragment
// failed, if any.
func (f *DeferredFragment) FailureErrors() gqlerror.List { return f.failErrs }

// FragmentKey derives the global fragment identity from a label and a
// path.
func FragmentKey(label string, path *Path) string {
	return label + "|" + path.String()
}

func (f *DeferredFragment) addChild(n Node) {
	for _, c := range f.children {
		if c == n {
			return
		}
	}
	f.children = append(f.children, n)
}

// ExecutionGroup is a pending unit of work that produces data and
// errors for one or more fragments sharing a path. Concurrent or
// repeated triggers run it at most once.
type ExecutionGroup struct {
	Path      *Path
	Fragments []*DeferredFragment

	result *resultCell[*CompletedExecutionGroup]
}

// NewExecutionGroup creates a group whose result is produced lazily by
// produce. The returned result's Group field is filled in by the graph.
func NewExecutionGroup(path *Path, fragments []*DeferredFragment, produce func(context.Context) *CompletedExecutionGroup) *ExecutionGroup {
	g := &ExecutionGroup{Path: path, Fragments: fragments}
	g.result = newResultCell(func(ctx context.Context) *CompletedExecutionGroup {
		r := produce(ctx)
		if r == nil {
			r = &CompletedExecutionGroup{}
		}
		r.Group = g
		return r
	})
	return g
}

func (g *ExecutionGroup) removeFragment(f *DeferredFragment) {
	for i, other := range g.Fragments {
		if other == f {
			g.Fragments = append(g.Fragments[:i], g.Fragments[i+1:]...)
			return
		}
	}
}

// CompletedExecutionGroup is the outcome of running an ExecutionGroup.
// A nil Data marks a failed group; Errors then carries the failure.
// NewRecords is freshly discovered nested work, already filtered of
// anything under a now-null ancestor.
type CompletedExecutionGroup struct {
	Group      *ExecutionGroup
	Data       map[string]any
	Errors     gqlerror.List
	NewRecords []DataRecord
}

// Failed reports whether the group produced errors instead of data.
func (r *CompletedExecutionGroup) Failed() bool { return r.Data == nil }

func (*CompletedExecutionGroup) isCompletedEvent() {}

// StreamItems is one resolved batch of stream items. Done marks the
// batch as the stream's last.
type StreamItems struct {
	Items      []any
	Errors     gqlerror.List
	NewRecords []DataRecord
	Done       bool
}

// StreamBatch is the outcome of computing one batch: either Ready
// (available without suspension) or Pending, which delivers exactly one
// StreamItems later. A closed Pending channel counts as a clean end of
// the stream.
type StreamBatch struct {
	Ready   *StreamItems
	Pending <-chan *StreamItems
}

// Stream represents an open-ended list at a path. Batches of items are
// drained strictly in index order, one drain loop per stream.
type Stream struct {
	Path  *Path
	Label string

	// Result produces the batch of items beginning at index, reading
	// whatever is currently known about the backing list.
	Result func(ctx context.Context, index int) StreamBatch

	key       string
	queue     []streamEntry
	draining  bool
	published int
}

// NewStream creates a stream whose batches are produced by result.
func NewStream(path *Path, label string, result func(ctx context.Context, index int) StreamBatch) *Stream {
	return &Stream{Path: path, Label: label, Result: result, key: FragmentKey(label, path)}
}

// Key is the stream's identity: label plus path.
func (s *Stream) Key() string { return s.key }

// Published returns how many items have been drained so far.
func (s *Stream) Published() int { return s.published }

// streamEntry is one queued unit of stream work: either a marker to
// compute the next batch, or a terminal marker.
type streamEntry struct {
	terminal bool
	errs     gqlerror.List
}

// CompletedEvent is one completed unit of incremental work drained from
// the graph's queue: a *CompletedExecutionGroup or *CompletedStreamItems.
type CompletedEvent interface{ isCompletedEvent() }

// CompletedStreamItems reports a drained batch of stream items and, on
// the last event for a stream, its termination. A non-nil Failed means
// the stream terminated with those errors and Items is empty.
type CompletedStreamItems struct {
	Stream     *Stream
	Items      []any
	Errors     gqlerror.List
	NewRecords []DataRecord
	Done       bool
	Failed     gqlerror.List
}

func (*CompletedStreamItems) isCompletedEvent() {}

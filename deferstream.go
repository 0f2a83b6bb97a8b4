package deferstream

import (
	"context"

	"github.com/hanpama/deferstream/internal/combinator"
	"github.com/hanpama/deferstream/internal/incremental"
	"github.com/hanpama/deferstream/internal/merge"
)

// Fan-in multiplexing.
type (
	Item[T any]       = combinator.Item[T]
	Iterator[T any]   = combinator.Iterator[T]
	Combinator[T any] = combinator.Combinator[T]
)

// Scheduling and publishing.
type (
	Path                    = incremental.Path
	DataRecord              = incremental.DataRecord
	Node                    = incremental.Node
	DeferredFragment        = incremental.DeferredFragment
	ExecutionGroup          = incremental.ExecutionGroup
	CompletedExecutionGroup = incremental.CompletedExecutionGroup
	Stream                  = incremental.Stream
	StreamItems             = incremental.StreamItems
	StreamBatch             = incremental.StreamBatch
	CompletedEvent          = incremental.CompletedEvent
	CompletedStreamItems    = incremental.CompletedStreamItems
	Graph                   = incremental.Graph

	Publisher[P any]        = incremental.Publisher[P]
	PayloadFormatter[P any] = incremental.PayloadFormatter[P]
	PublisherOption[P any]  = incremental.PublisherOption[P]

	MockFormatter   = incremental.MockFormatter
	MockPayload     = incremental.MockPayload
	MockIncremental = incremental.MockIncremental
	MockCompleted   = incremental.MockCompleted
	FormatterCall   = incremental.FormatterCall
)

// Multi-driver result merging.
type (
	MergedResult      = merge.MergedResult
	MergeHandler      = merge.Handler
	Region            = merge.Region
	RegionKind        = merge.RegionKind
	InitialResult     = merge.InitialResult
	SubsequentPayload = merge.SubsequentPayload
	PendingEntry      = merge.PendingEntry
	IncrementalEntry  = merge.IncrementalEntry
	CompletedEntry    = merge.CompletedEntry
	Driver            = merge.Driver
	TaggedPayload     = merge.TaggedPayload
	AggregateError    = merge.AggregateError
)

const (
	KindUnknown = merge.KindUnknown
	KindObject  = merge.KindObject
	KindStream  = merge.KindStream
)

// NewCombinator creates a fan-in multiplexer over the given sources.
func NewCombinator[T any](sources ...Iterator[T]) *Combinator[T] {
	return combinator.New(sources...)
}

// FromSlice lifts plain values into an Iterator.
func FromSlice[T any](values ...T) Iterator[T] { return combinator.FromSlice(values...) }

// FromFunc lifts a pull function into an Iterator. See
// combinator.FromFunc for the stop contract.
func FromFunc[T any](next func(ctx context.Context) (Item[T], error), stop func(ctx context.Context, err error) error) Iterator[T] {
	return combinator.FromFunc(next, stop)
}

// FromChan lifts a channel into an Iterator; closing the channel ends
// the sequence.
func FromChan[T any](ch <-chan T) Iterator[T] { return combinator.FromChan(ch) }

// NewPublisher creates a publisher over the given drivers, reporting
// completed regions to format.
func NewPublisher[P any](format PayloadFormatter[P], drivers []*Driver, opts ...PublisherOption[P]) *Publisher[P] {
	return incremental.NewPublisher(format, drivers, opts...)
}

// WithInitialRecords seeds a publisher with locally discovered
// deferred work.
func WithInitialRecords[P any](records ...DataRecord) PublisherOption[P] {
	return incremental.WithInitialRecords[P](records...)
}

// NewMockFormatter creates a recording payload formatter.
func NewMockFormatter() *MockFormatter { return incremental.NewMockFormatter() }

// NewGraph creates an empty scheduling graph.
func NewGraph() *Graph { return incremental.NewGraph() }

// NewMergedResult creates an empty merged result reporting region
// lifecycle to h.
func NewMergedResult(h MergeHandler) *MergedResult { return merge.New(h) }

// CombineDrivers multiplexes the drivers' payload sequences into one
// availability-ordered sequence of tagged payloads.
func CombineDrivers(drivers []*Driver) *Combinator[TaggedPayload] {
	return merge.CombineDrivers(drivers)
}

// NewPath appends one step to prev; prev may be nil for a root step.
func NewPath(prev *Path, key any, nullable bool) *Path {
	return incremental.NewPath(prev, key, nullable)
}

// NewDeferredFragment creates a fragment ready to run its work as soon
// as the work is discovered.
func NewDeferredFragment(path *Path, label string, parent *DeferredFragment) *DeferredFragment {
	return incremental.NewDeferredFragment(path, label, parent)
}

// NewPendingDeferredFragment creates a fragment whose readiness is
// announced later by an upstream driver.
func NewPendingDeferredFragment(path *Path, label string, parent *DeferredFragment) *DeferredFragment {
	return incremental.NewPendingDeferredFragment(path, label, parent)
}

// NewExecutionGroup creates a unit of work producing data for the
// given fragments; produce runs at most once.
func NewExecutionGroup(path *Path, fragments []*DeferredFragment, produce func(context.Context) *CompletedExecutionGroup) *ExecutionGroup {
	return incremental.NewExecutionGroup(path, fragments, produce)
}

// NewStream creates a stream whose batches are produced by result.
func NewStream(path *Path, label string, result func(ctx context.Context, index int) StreamBatch) *Stream {
	return incremental.NewStream(path, label, result)
}

// EmbedErrors replaces failed slots in data with AggregateError
// sentinels, in place.
var EmbedErrors = merge.EmbedErrors

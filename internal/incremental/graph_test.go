package incremental

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dataGroup(path *Path, fragments []*DeferredFragment, data map[string]any) *ExecutionGroup {
	return NewExecutionGroup(path, fragments, func(ctx context.Context) *CompletedExecutionGroup {
		return &CompletedExecutionGroup{Data: data}
	})
}

func collectBatch(t *testing.T, g *Graph, ctx context.Context) []CompletedEvent {
	t.Helper()
	batch, err := g.NextCompletedBatch(ctx)
	require.NoError(t, err)
	var events []CompletedEvent
	for e := range batch {
		events = append(events, e)
	}
	return events
}

func TestGraph_FlatteningLaw_EmptyFragmentNeverRoots(t *testing.T) {
	ctx := testCtx(t)
	g := NewGraph()

	parentPath := NewPath(nil, "outer", true)
	parent := NewDeferredFragment(parentPath, "outer", nil)
	childPath := NewPath(parentPath, "inner", true)
	child := NewDeferredFragment(childPath, "inner", parent)
	grp := dataGroup(childPath, []*DeferredFragment{child}, map[string]any{"x": 1})

	roots := g.GetNewRootNodes(ctx, []DataRecord{grp})

	require.Len(t, roots, 1)
	require.Same(t, child, roots[0])
	require.True(t, g.HasNext())
}

func TestGraph_DeepFlattening_PromotesThroughManyLevels(t *testing.T) {
	ctx := testCtx(t)
	g := NewGraph()

	var parent *DeferredFragment
	var path *Path
	for i := 0; i < 64; i++ {
		path = NewPath(path, i, true)
		parent = NewDeferredFragment(path, "", parent)
	}
	leafPath := NewPath(path, "leaf", true)
	leaf := NewDeferredFragment(leafPath, "leaf", parent)
	grp := dataGroup(leafPath, []*DeferredFragment{leaf}, map[string]any{})

	roots := g.GetNewRootNodes(ctx, []DataRecord{grp})

	require.Len(t, roots, 1)
	require.Same(t, leaf, roots[0])
}

func TestGraph_SharedGroupExecutesOnce(t *testing.T) {
	ctx := testCtx(t)
	g := NewGraph()

	path := NewPath(nil, "shared", true)
	f1 := NewDeferredFragment(path, "a", nil)
	f2 := NewDeferredFragment(path, "b", nil)
	var runs atomic.Int32
	grp := NewExecutionGroup(path, []*DeferredFragment{f1, f2}, func(ctx context.Context) *CompletedExecutionGroup {
		runs.Add(1)
		return &CompletedExecutionGroup{Data: map[string]any{}}
	})

	roots := g.GetNewRootNodes(ctx, []DataRecord{grp})
	require.Len(t, roots, 2)

	events := collectBatch(t, g, ctx)
	require.Len(t, events, 1)
	require.Equal(t, int32(1), runs.Load())

	res := events[0].(*CompletedExecutionGroup)
	g.AddCompletedSuccessfulExecutionGroup(ctx, res)

	for _, f := range []*DeferredFragment{f1, f2} {
		results, _, ok := g.CompleteDeferredFragment(ctx, f)
		require.True(t, ok)
		require.Len(t, results, 1)
	}
	require.False(t, g.HasNext())
}

func TestGraph_FragmentDedupByKey(t *testing.T) {
	ctx := testCtx(t)
	g := NewGraph()

	// Two distinct fragment records with the same label and path keys
	// collapse onto one node.
	f1 := NewDeferredFragment(NewPath(nil, "user", true), "profile", nil)
	f2 := NewDeferredFragment(NewPath(nil, "user", true), "profile", nil)
	grp1 := dataGroup(f1.Path, []*DeferredFragment{f1}, map[string]any{"a": 1})
	grp2 := dataGroup(f2.Path, []*DeferredFragment{f2}, map[string]any{"b": 2})

	roots := g.GetNewRootNodes(ctx, []DataRecord{grp1})
	require.Len(t, roots, 1)

	again := g.GetNewRootNodes(ctx, []DataRecord{grp2})
	require.Empty(t, again)
	require.Same(t, f1, grp2.Fragments[0])

	var seen int
	for seen < 2 {
		for _, e := range collectBatch(t, g, ctx) {
			g.AddCompletedSuccessfulExecutionGroup(ctx, e.(*CompletedExecutionGroup))
			seen++
		}
	}
	results, _, ok := g.CompleteDeferredFragment(ctx, f1)
	require.True(t, ok)
	require.Len(t, results, 2)
}

func TestGraph_CompletionGating(t *testing.T) {
	ctx := testCtx(t)
	g := NewGraph()

	path := NewPath(nil, "gated", true)
	f := NewPendingDeferredFragment(path, "", nil)
	grp := dataGroup(path, []*DeferredFragment{f}, map[string]any{})

	roots := g.GetNewRootNodes(ctx, []DataRecord{grp})
	require.Len(t, roots, 1)

	// Not ready, work pending: no completion, no execution started.
	_, _, ok := g.CompleteDeferredFragment(ctx, f)
	require.False(t, ok)
	require.False(t, g.PendingWork())

	g.MarkFragmentReady(ctx, f)

	events := collectBatch(t, g, ctx)
	require.Len(t, events, 1)

	// Still gated: the group stays pending until its result is folded
	// back in.
	_, _, ok = g.CompleteDeferredFragment(ctx, f)
	require.False(t, ok)

	g.AddCompletedSuccessfulExecutionGroup(ctx, events[0].(*CompletedExecutionGroup))
	results, newRoots, ok := g.CompleteDeferredFragment(ctx, f)
	require.True(t, ok)
	require.Len(t, results, 1)
	require.Empty(t, newRoots)
	require.False(t, g.HasNext())
}

func TestGraph_NonRootFragmentNeverCompletes(t *testing.T) {
	ctx := testCtx(t)
	g := NewGraph()

	parentPath := NewPath(nil, "p", true)
	parent := NewDeferredFragment(parentPath, "p", nil)
	childPath := NewPath(parentPath, "c", true)
	child := NewDeferredFragment(childPath, "c", parent)
	grpP := dataGroup(parentPath, []*DeferredFragment{parent}, map[string]any{})
	grpC := dataGroup(childPath, []*DeferredFragment{child}, map[string]any{})

	roots := g.GetNewRootNodes(ctx, []DataRecord{grpP, grpC})
	require.Len(t, roots, 1)
	require.Same(t, parent, roots[0])

	var groupDone []*CompletedExecutionGroup
	for len(groupDone) < 1 {
		for _, e := range collectBatch(t, g, ctx) {
			groupDone = append(groupDone, e.(*CompletedExecutionGroup))
		}
	}
	g.AddCompletedSuccessfulExecutionGroup(ctx, groupDone[0])

	// The child's work may have completed through the shared trigger,
	// but the child is not a root while its parent is open.
	_, _, ok := g.CompleteDeferredFragment(ctx, child)
	require.False(t, ok)

	_, newRoots, ok := g.CompleteDeferredFragment(ctx, parent)
	require.True(t, ok)
	require.Len(t, newRoots, 1)
	require.Same(t, child, newRoots[0])
}

func TestGraph_WorkDiscoveredAfterReadyRootStartsEagerly(t *testing.T) {
	ctx := testCtx(t)
	g := NewGraph()

	path := NewPath(nil, "eager", true)
	f := NewDeferredFragment(path, "", nil)
	grp1 := dataGroup(path, []*DeferredFragment{f}, map[string]any{"first": true})
	g.GetNewRootNodes(ctx, []DataRecord{grp1})

	events := collectBatch(t, g, ctx)
	require.Len(t, events, 1)
	first := events[0].(*CompletedExecutionGroup)

	grp2 := dataGroup(path, []*DeferredFragment{f}, map[string]any{"second": true})
	first.NewRecords = []DataRecord{grp2}
	g.AddCompletedSuccessfulExecutionGroup(ctx, first)

	// grp2 must start without any further readiness signal.
	events = collectBatch(t, g, ctx)
	require.Len(t, events, 1)
	require.Same(t, grp2, events[0].(*CompletedExecutionGroup).Group)
}

func TestGraph_StreamItemsEmitInIndexOrder(t *testing.T) {
	ctx := testCtx(t)
	g := NewGraph()

	async := make(chan *StreamItems, 1)
	s := NewStream(NewPath(nil, "feed", true), "", func(ctx context.Context, index int) StreamBatch {
		switch index {
		case 0:
			return StreamBatch{Ready: &StreamItems{Items: []any{"a"}}}
		case 1:
			return StreamBatch{Ready: &StreamItems{Items: []any{"b"}}}
		default:
			return StreamBatch{Pending: async}
		}
	})
	roots := g.GetNewRootNodes(ctx, []DataRecord{s})
	require.Len(t, roots, 1)

	g.CompleteStreamItems(ctx, s)
	g.CompleteStreamItems(ctx, s)
	g.CompleteStreamItems(ctx, s)

	// The synchronously available items must come through while the
	// asynchronous batch is still outstanding.
	var items []any
	for len(items) < 2 {
		for _, e := range collectBatch(t, g, ctx) {
			ev := e.(*CompletedStreamItems)
			require.False(t, ev.Done)
			items = append(items, ev.Items...)
		}
	}
	require.Equal(t, []any{"a", "b"}, items)

	async <- &StreamItems{Items: []any{"c"}, Done: true}

	var done bool
	for !done {
		for _, e := range collectBatch(t, g, ctx) {
			ev := e.(*CompletedStreamItems)
			items = append(items, ev.Items...)
			done = done || ev.Done
		}
	}
	require.Equal(t, []any{"a", "b", "c"}, items)
	require.Equal(t, 3, s.Published())

	g.RemoveStream(s)
	require.False(t, g.HasNext())
}

func TestGraph_TerminateStreamFlushesThenEmitsTerminal(t *testing.T) {
	ctx := testCtx(t)
	g := NewGraph()

	s := NewStream(NewPath(nil, "feed", true), "", func(ctx context.Context, index int) StreamBatch {
		return StreamBatch{Ready: &StreamItems{Items: []any{index}}}
	})
	g.GetNewRootNodes(ctx, []DataRecord{s})

	g.CompleteStreamItems(ctx, s)
	g.TerminateStream(ctx, s, gqlerror.List{{Message: "upstream failed"}})

	var items []any
	var terminal *CompletedStreamItems
	for terminal == nil {
		for _, e := range collectBatch(t, g, ctx) {
			ev := e.(*CompletedStreamItems)
			items = append(items, ev.Items...)
			if ev.Done {
				terminal = ev
			}
		}
	}
	require.Equal(t, []any{0}, items)
	require.Len(t, terminal.Failed, 1)
}

func TestGraph_RemoveDeferredFragmentPrunesSubtree(t *testing.T) {
	ctx := testCtx(t)
	g := NewGraph()

	parentPath := NewPath(nil, "p", true)
	parent := NewDeferredFragment(parentPath, "p", nil)
	childPath := NewPath(parentPath, "c", true)
	child := NewDeferredFragment(childPath, "c", parent)
	grpP := dataGroup(parentPath, []*DeferredFragment{parent}, map[string]any{})
	grpC := dataGroup(childPath, []*DeferredFragment{child}, map[string]any{})
	s := NewStream(NewPath(childPath, "items", true), "", func(ctx context.Context, index int) StreamBatch {
		return StreamBatch{Ready: &StreamItems{Done: true}}
	})

	g.GetNewRootNodes(ctx, []DataRecord{grpP, grpC})
	g.GetNewRootNodes(ctx, []DataRecord{s}, child)

	g.RemoveDeferredFragment(parent)
	require.False(t, g.HasNext())

	// Re-adding the same boundary after removal starts from scratch.
	again := NewDeferredFragment(NewPath(nil, "p", true), "p", nil)
	grpAgain := dataGroup(again.Path, []*DeferredFragment{again}, map[string]any{})
	roots := g.GetNewRootNodes(ctx, []DataRecord{grpAgain})
	require.Len(t, roots, 1)
}

func TestGraph_WaitersReleasedWhenLastRootDisappears(t *testing.T) {
	ctx := testCtx(t)
	g := NewGraph()

	path := NewPath(nil, "only", true)
	f := NewDeferredFragment(path, "", nil)
	grp := dataGroup(path, []*DeferredFragment{f}, map[string]any{})
	g.GetNewRootNodes(ctx, []DataRecord{grp})

	released := make(chan error, 1)
	go func() {
		for {
			batch, err := g.NextCompletedBatch(ctx)
			if err != nil {
				released <- err
				return
			}
			drained := false
			for e := range batch {
				drained = true
				g.AddCompletedSuccessfulExecutionGroup(ctx, e.(*CompletedExecutionGroup))
				g.CompleteDeferredFragment(ctx, f)
			}
			if !drained && !g.HasNext() {
				released <- nil
				return
			}
		}
	}()

	select {
	case err := <-released:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("waiter was not released after the last root completed")
	}
	require.False(t, g.HasNext())
}

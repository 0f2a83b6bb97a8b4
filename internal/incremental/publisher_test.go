package incremental

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/deferstream/internal/combinator"
	"github.com/hanpama/deferstream/internal/merge"
)

func astPath(elems ...any) ast.Path {
	var p ast.Path
	for _, e := range elems {
		switch v := e.(type) {
		case string:
			p = append(p, ast.PathName(v))
		case int:
			p = append(p, ast.PathIndex(v))
		}
	}
	return p
}

func drainPublisher(t *testing.T, ctx context.Context, pub *Publisher[*MockPayload]) []*MockPayload {
	t.Helper()
	var payloads []*MockPayload
	for {
		item, err := pub.Next(ctx)
		require.NoError(t, err)
		if item.Done {
			return payloads
		}
		payloads = append(payloads, item.Value)
	}
}

func completedLabels(payloads []*MockPayload) []string {
	var labels []string
	for _, p := range payloads {
		for _, c := range p.Completed {
			labels = append(labels, c.Label)
		}
	}
	return labels
}

func TestPublisher_TwoDeferRegionsRoundTrip(t *testing.T) {
	ctx := testCtx(t)
	run := func(first, second *merge.SubsequentPayload) ([]*MockPayload, map[string]any) {
		format := NewMockFormatter()
		pub := NewPublisher(format, []*merge.Driver{{
			Initial: &merge.InitialResult{
				Data: map[string]any{"left": map[string]any{}, "right": map[string]any{}},
				Pending: []merge.PendingEntry{
					{ID: "0", Path: astPath("left"), Label: "l"},
					{ID: "1", Path: astPath("right"), Label: "r"},
				},
			},
			Subsequent: combinator.FromSlice(first, second),
		}})
		payloads := drainPublisher(t, ctx, pub)
		return payloads, pub.Merged().Data()
	}

	leftDone := &merge.SubsequentPayload{
		Incremental: []merge.IncrementalEntry{{ID: "0", Data: map[string]any{"value": "L"}}},
		Completed:   []merge.CompletedEntry{{ID: "0"}},
	}
	rightDone := &merge.SubsequentPayload{
		Incremental: []merge.IncrementalEntry{{ID: "1", Data: map[string]any{"value": "R"}}},
		Completed:   []merge.CompletedEntry{{ID: "1"}},
	}

	payloads, tree := run(leftDone, rightDone)
	require.Len(t, payloads, 2)
	require.Equal(t, []string{"l", "r"}, completedLabels(payloads))
	require.True(t, payloads[0].HasNext)
	require.False(t, payloads[1].HasNext)

	wantTree := map[string]any{
		"left":  map[string]any{"value": "L"},
		"right": map[string]any{"value": "R"},
	}
	if diff := cmp.Diff(wantTree, tree); diff != "" {
		t.Fatalf("merged tree mismatch (-want +got):\n%s", diff)
	}

	// Reversed arrival produces the same final tree.
	reversed, tree2 := run(rightDone, leftDone)
	require.Equal(t, []string{"r", "l"}, completedLabels(reversed))
	if diff := cmp.Diff(wantTree, tree2); diff != "" {
		t.Fatalf("merged tree after reversed arrival mismatch (-want +got):\n%s", diff)
	}
}

func TestPublisher_StreamDelivery(t *testing.T) {
	ctx := testCtx(t)
	format := NewMockFormatter()
	pub := NewPublisher(format, []*merge.Driver{{
		Initial: &merge.InitialResult{
			Data:    map[string]any{"feed": []any{}},
			Pending: []merge.PendingEntry{{ID: "0", Path: astPath("feed"), Label: "feed"}},
		},
		Subsequent: combinator.FromSlice(
			&merge.SubsequentPayload{
				Incremental: []merge.IncrementalEntry{{ID: "0", Items: []any{"a", "b"}}},
			},
			&merge.SubsequentPayload{
				Incremental: []merge.IncrementalEntry{{ID: "0", Items: []any{"c"}}},
				Completed:   []merge.CompletedEntry{{ID: "0"}},
			},
		),
	}})

	payloads := drainPublisher(t, ctx, pub)

	var items []any
	for _, p := range payloads {
		for _, inc := range p.Incremental {
			items = append(items, inc.Items...)
		}
	}
	require.Equal(t, []any{"a", "b", "c"}, items)
	require.Equal(t, []string{"feed"}, completedLabels(payloads))
	require.False(t, payloads[len(payloads)-1].HasNext)

	want := map[string]any{"feed": []any{"a", "b", "c"}}
	if diff := cmp.Diff(want, pub.Merged().Data()); diff != "" {
		t.Fatalf("merged tree mismatch (-want +got):\n%s", diff)
	}
}

func TestPublisher_FailedFragmentReported(t *testing.T) {
	ctx := testCtx(t)
	format := NewMockFormatter()
	pub := NewPublisher(format, []*merge.Driver{{
		Initial: &merge.InitialResult{
			Data:    map[string]any{"user": map[string]any{}},
			Pending: []merge.PendingEntry{{ID: "0", Path: astPath("user"), Label: "profile"}},
		},
		Subsequent: combinator.FromSlice(
			&merge.SubsequentPayload{
				Completed: []merge.CompletedEntry{{
					ID:     "0",
					Errors: gqlerror.List{{Message: "resolver blew up"}},
				}},
			},
		),
	}})

	payloads := drainPublisher(t, ctx, pub)

	require.Len(t, payloads, 1)
	require.Len(t, payloads[0].Completed, 1)
	require.Equal(t, "profile", payloads[0].Completed[0].Label)
	require.Len(t, payloads[0].Completed[0].Errors, 1)
	require.Empty(t, payloads[0].Incremental)
	require.False(t, payloads[0].HasNext)
}

func TestPublisher_FailedStreamReported(t *testing.T) {
	ctx := testCtx(t)
	format := NewMockFormatter()
	pub := NewPublisher(format, []*merge.Driver{{
		Initial: &merge.InitialResult{
			Data:    map[string]any{"feed": []any{}},
			Pending: []merge.PendingEntry{{ID: "0", Path: astPath("feed"), Label: "feed"}},
		},
		Subsequent: combinator.FromSlice(
			&merge.SubsequentPayload{
				Incremental: []merge.IncrementalEntry{{ID: "0", Items: []any{"a"}}},
				Completed: []merge.CompletedEntry{{
					ID:     "0",
					Errors: gqlerror.List{{Message: "stream broke"}},
				}},
			},
		),
	}})

	payloads := drainPublisher(t, ctx, pub)

	labels := completedLabels(payloads)
	require.Equal(t, []string{"feed"}, labels)
	var failed *MockCompleted
	for _, p := range payloads {
		for i := range p.Completed {
			if len(p.Completed[i].Errors) > 0 {
				failed = &p.Completed[i]
			}
		}
	}
	require.NotNil(t, failed, "failed stream must be reported with its errors")
}

func TestPublisher_NestedFragmentPublishedAfterParent(t *testing.T) {
	ctx := testCtx(t)
	format := NewMockFormatter()
	pub := NewPublisher(format, []*merge.Driver{{
		Initial: &merge.InitialResult{
			Data: map[string]any{"a": map[string]any{"b": map[string]any{}}},
			Pending: []merge.PendingEntry{
				{ID: "0", Path: astPath("a"), Label: "parent"},
				{ID: "1", Path: astPath("a", "b"), Label: "child"},
			},
		},
		Subsequent: combinator.FromSlice(
			// The child completes first; it must still be published
			// after its parent boundary resolves.
			&merge.SubsequentPayload{
				Incremental: []merge.IncrementalEntry{{ID: "1", Data: map[string]any{"inner": true}}},
				Completed:   []merge.CompletedEntry{{ID: "1"}},
			},
			&merge.SubsequentPayload{
				Incremental: []merge.IncrementalEntry{{ID: "0", Data: map[string]any{"outer": true}}},
				Completed:   []merge.CompletedEntry{{ID: "0"}},
			},
		),
	}})

	payloads := drainPublisher(t, ctx, pub)

	require.Equal(t, []string{"parent", "child"}, completedLabels(payloads))
	require.False(t, payloads[len(payloads)-1].HasNext)
}

func TestPublisher_InitialRecordsSeed(t *testing.T) {
	ctx := testCtx(t)
	format := NewMockFormatter()

	path := NewPath(nil, "local", true)
	f := NewDeferredFragment(path, "local", nil)
	grp := dataGroup(path, []*DeferredFragment{f}, map[string]any{"x": 1})

	pub := NewPublisher[*MockPayload](format, nil, WithInitialRecords[*MockPayload](grp))
	payloads := drainPublisher(t, ctx, pub)

	require.Equal(t, []string{"local"}, completedLabels(payloads))
	require.Len(t, payloads, 1)
	require.Equal(t, map[string]any{"x": 1}, payloads[0].Incremental[0].Data)
	require.False(t, payloads[0].HasNext)
}

func TestPublisher_SharedGroupCompletesEveryFragment(t *testing.T) {
	ctx := testCtx(t)
	format := NewMockFormatter()

	// One execution group satisfying three boundaries at the same path.
	// Completing a fragment detaches it from the group, so the cascade
	// must not lose any member of the original set.
	path := NewPath(nil, "shared", true)
	a := NewDeferredFragment(path, "a", nil)
	b := NewDeferredFragment(path, "b", nil)
	c := NewDeferredFragment(path, "c", nil)
	grp := dataGroup(path, []*DeferredFragment{a, b, c}, map[string]any{"v": 1})

	pub := NewPublisher[*MockPayload](format, nil, WithInitialRecords[*MockPayload](grp))
	payloads := drainPublisher(t, ctx, pub)

	require.ElementsMatch(t, []string{"a", "b", "c"}, completedLabels(payloads))
	require.False(t, payloads[len(payloads)-1].HasNext)
}

func TestPublisher_ReturnTearsDownDriversOnce(t *testing.T) {
	ctx := testCtx(t)
	var stops atomic.Int32
	blocked := combinator.FromFunc(
		func(ctx context.Context) (combinator.Item[*merge.SubsequentPayload], error) {
			<-ctx.Done()
			return combinator.Item[*merge.SubsequentPayload]{}, ctx.Err()
		},
		func(ctx context.Context, err error) error {
			stops.Add(1)
			return nil
		},
	)
	pub := NewPublisher[*MockPayload](NewMockFormatter(), []*merge.Driver{{
		Initial:    &merge.InitialResult{Data: map[string]any{}},
		Subsequent: blocked,
	}})
	require.NoError(t, pub.Start(ctx))

	require.NoError(t, pub.Return(ctx))
	require.NoError(t, pub.Return(ctx))
	require.Equal(t, int32(1), stops.Load())

	item, err := pub.Next(ctx)
	require.NoError(t, err)
	require.True(t, item.Done)
}

func TestPublisher_DriverErrorPropagates(t *testing.T) {
	ctx := testCtx(t)
	boom := errors.New("driver exploded")
	failing := combinator.FromFunc(
		func(ctx context.Context) (combinator.Item[*merge.SubsequentPayload], error) {
			return combinator.Item[*merge.SubsequentPayload]{}, boom
		},
		nil,
	)
	pub := NewPublisher[*MockPayload](NewMockFormatter(), []*merge.Driver{{
		Initial: &merge.InitialResult{
			Data:    map[string]any{"user": map[string]any{}},
			Pending: []merge.PendingEntry{{ID: "0", Path: astPath("user"), Label: ""}},
		},
		Subsequent: failing,
	}})

	_, err := pub.Next(ctx)
	require.ErrorIs(t, err, boom)

	item, err := pub.Next(ctx)
	require.NoError(t, err)
	require.True(t, item.Done)
}

func TestPublisher_DriversEndWithOpenRegions(t *testing.T) {
	ctx := testCtx(t)
	pub := NewPublisher[*MockPayload](NewMockFormatter(), []*merge.Driver{{
		Initial: &merge.InitialResult{
			Data:    map[string]any{"user": map[string]any{}},
			Pending: []merge.PendingEntry{{ID: "0", Path: astPath("user"), Label: ""}},
		},
		Subsequent: combinator.FromSlice[*merge.SubsequentPayload](),
	}})

	_, err := pub.Next(ctx)
	require.ErrorContains(t, err, "pending regions remaining")
}

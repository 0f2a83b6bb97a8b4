package merge

import (
	"context"

	"github.com/hanpama/deferstream/internal/combinator"
)

// Driver is one upstream producer: its initial result plus the pull
// sequence of its follow-up payloads.
type Driver struct {
	Initial    *InitialResult
	Subsequent combinator.Iterator[*SubsequentPayload]
}

// TaggedPayload couples a follow-up payload with the index of the
// driver that produced it, so folds can scope region ids correctly
// after fan-in.
type TaggedPayload struct {
	Driver  int
	Payload *SubsequentPayload
}

// CombineDrivers multiplexes every driver's follow-up sequence into a
// single availability-ordered sequence of tagged payloads.
func CombineDrivers(drivers []*Driver) *combinator.Combinator[TaggedPayload] {
	sources := make([]combinator.Iterator[TaggedPayload], 0, len(drivers))
	for i, d := range drivers {
		if d.Subsequent == nil {
			continue
		}
		sources = append(sources, &taggedIterator{driver: i, src: d.Subsequent})
	}
	return combinator.New(sources...)
}

// taggedIterator lifts a driver's payload sequence into the tagged
// element type.
type taggedIterator struct {
	driver int
	src    combinator.Iterator[*SubsequentPayload]
}

func (t *taggedIterator) Next(ctx context.Context) (combinator.Item[TaggedPayload], error) {
	item, err := t.src.Next(ctx)
	if err != nil {
		return combinator.Item[TaggedPayload]{}, err
	}
	if item.Done {
		return combinator.Item[TaggedPayload]{Done: true}, nil
	}
	return combinator.Item[TaggedPayload]{
		Value: TaggedPayload{Driver: t.driver, Payload: item.Value},
	}, nil
}

func (t *taggedIterator) Return(ctx context.Context) error {
	return t.src.Return(ctx)
}

func (t *taggedIterator) Throw(ctx context.Context, err error) error {
	return t.src.Throw(ctx, err)
}

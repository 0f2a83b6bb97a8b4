package merge

import (
	"strconv"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// InitialResult is the first record a driver produces: the initial data
// tree plus the regions it announces as pending.
type InitialResult struct {
	Data    map[string]any
	Errors  gqlerror.List
	Pending []PendingEntry
}

// SubsequentPayload is one follow-up record from a driver. Any mix of
// the three entry kinds may appear in a single payload.
type SubsequentPayload struct {
	Pending     []PendingEntry
	Incremental []IncrementalEntry
	Completed   []CompletedEntry
}

// PendingEntry announces a region the driver will deliver later. The id
// is driver-assigned and scopes all of that driver's later references
// to the region.
type PendingEntry struct {
	ID    string
	Path  ast.Path
	Label string
}

// IncrementalEntry carries partial data for an announced region. Items
// is set for stream regions, Data for object regions. SubPath, when
// present, addresses a location nested below the region's own path.
type IncrementalEntry struct {
	ID      string
	SubPath ast.Path
	Data    map[string]any
	Items   []any
	Errors  gqlerror.List
}

// CompletedEntry marks a region as finished. A non-empty Errors means
// the region failed.
type CompletedEntry struct {
	ID     string
	Errors gqlerror.List
}

// RegionKind classifies a pending region.
type RegionKind int

const (
	// KindUnknown means the region has been announced but not yet
	// classified against the live data tree.
	KindUnknown RegionKind = iota
	// KindObject is a bounded object patch.
	KindObject
	// KindStream is an open-ended list.
	KindStream
)

// Region is the bookkeeping record for one announced pending region.
// Regions are shared across the drivers that announce the same logical
// key; Kind is settled on first use by inspecting the live data tree.
type Region struct {
	Path  ast.Path
	Label string
	Kind  RegionKind

	key string
	m   *MergedResult
}

// Key is the region's global identity: label plus path.
func (r *Region) Key() string { return r.key }

// Items snapshots the list currently folded at the region's path.
// Only meaningful for stream regions.
func (r *Region) Items() []any {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	v, ok := valueAt(r.m.data, pathKeys(r.Path))
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]any, len(list))
	copy(out, list)
	return out
}

// Object snapshots the object currently folded at the region's path.
// Only meaningful for object regions.
func (r *Region) Object() map[string]any {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	v, ok := valueAt(r.m.data, pathKeys(r.Path))
	if !ok {
		return nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		out[k] = val
	}
	return out
}

// RegionKey derives the global identity of a region from its label and
// path.
func RegionKey(label string, path ast.Path) string {
	return label + "|" + path.String()
}

func scopedID(driver int, id string) string {
	return strconv.Itoa(driver) + ":" + id
}

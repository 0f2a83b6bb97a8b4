// Package merge folds partial payloads from one or more drivers into a
// single path-addressed result tree and tracks the pending regions the
// drivers announce, so later payloads can be located and classified
// without re-deriving anything.
package merge

import (
	"context"
	"fmt"
	"sync"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Handler receives region lifecycle callbacks as payloads are folded.
// Callbacks run on the goroutine applying the payload, outside the
// merge lock, in announcement order: new regions first, then folded
// stream items, then completions.
type Handler interface {
	// NewRegion reports a freshly announced region, already classified.
	NewRegion(ctx context.Context, r *Region)
	// StreamItems reports that more items were folded into a stream
	// region. The items are read back through Region.Items.
	StreamItems(ctx context.Context, r *Region)
	// StreamDone reports stream termination. A non-empty errs means the
	// stream failed.
	StreamDone(ctx context.Context, r *Region, errs gqlerror.List)
	// FragmentReady reports fragment completion. A non-empty errs means
	// the fragment failed; otherwise its data is fully folded and can be
	// read through Region.Object.
	FragmentReady(ctx context.Context, r *Region, errs gqlerror.List)
}

// MergedResult accumulates driver payloads into one logical result
// tree. It is safe for use from multiple goroutines; region ids are
// scoped per driver so concurrent drivers cannot collide.
type MergedResult struct {
	mu      sync.Mutex
	handler Handler
	data    map[string]any
	errors  gqlerror.List
	byID    map[string]*Region
	byKey   map[string]*Region
}

// New creates an empty MergedResult reporting region lifecycle to h.
func New(h Handler) *MergedResult {
	return &MergedResult{
		handler: h,
		data:    make(map[string]any),
		byID:    make(map[string]*Region),
		byKey:   make(map[string]*Region),
	}
}

// ApplyInitial folds a driver's initial result: data is deep-merged
// into the tree, errors are embedded as sentinels, and announced
// regions are registered and reported to the handler.
func (m *MergedResult) ApplyInitial(ctx context.Context, driver int, init *InitialResult) error {
	m.mu.Lock()
	mergeMaps(m.data, init.Data)
	EmbedErrors(m.data, init.Errors)
	m.errors = append(m.errors, init.Errors...)
	fresh, err := m.registerAllLocked(driver, init.Pending)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, r := range fresh {
		m.classifyLocked(r)
	}
	m.mu.Unlock()

	for _, r := range fresh {
		m.handler.NewRegion(ctx, r)
	}
	return nil
}

// ApplySubsequent folds one follow-up payload from a driver. Entry
// kinds are processed pending → incremental → completed; an
// incremental entry may reference an id announced in the same payload.
func (m *MergedResult) ApplySubsequent(ctx context.Context, driver int, p *SubsequentPayload) error {
	m.mu.Lock()
	fresh, err := m.registerAllLocked(driver, p.Pending)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var touched []*Region
	for _, e := range p.Incremental {
		if err := m.foldLocked(driver, e, &touched); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	// Regions announced but not referenced by any incremental entry in
	// this payload are classified now, against the updated tree.
	for _, r := range fresh {
		m.classifyLocked(r)
	}
	type completion struct {
		r    *Region
		errs gqlerror.List
	}
	var completions []completion
	for _, e := range p.Completed {
		r := m.byID[scopedID(driver, e.ID)]
		if r == nil {
			m.mu.Unlock()
			return fmt.Errorf("completion references unknown region id %q", e.ID)
		}
		m.classifyLocked(r)
		if r.Kind != KindStream {
			// Fragment bookkeeping ends here. Stream bookkeeping is
			// retained so another driver can still report a divergent
			// outcome for the same region.
			m.unregisterLocked(r)
		}
		completions = append(completions, completion{r: r, errs: e.Errors})
	}
	m.mu.Unlock()

	for _, r := range fresh {
		m.handler.NewRegion(ctx, r)
	}
	for _, r := range touched {
		m.handler.StreamItems(ctx, r)
	}
	for _, c := range completions {
		if c.r.Kind == KindStream {
			m.handler.StreamDone(ctx, c.r, c.errs)
		} else {
			m.handler.FragmentReady(ctx, c.r, c.errs)
		}
	}
	return nil
}

// Data returns the live merged tree. Callers must treat it as
// read-only.
func (m *MergedResult) Data() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// Errors returns every error folded so far, in arrival order.
func (m *MergedResult) Errors() gqlerror.List {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(gqlerror.List, len(m.errors))
	copy(out, m.errors)
	return out
}

func (m *MergedResult) registerAllLocked(driver int, entries []PendingEntry) ([]*Region, error) {
	var fresh []*Region
	for _, pe := range entries {
		r, isNew, err := m.registerLocked(driver, pe)
		if err != nil {
			return nil, err
		}
		if isNew {
			fresh = append(fresh, r)
		}
	}
	return fresh, nil
}

func (m *MergedResult) registerLocked(driver int, pe PendingEntry) (*Region, bool, error) {
	sid := scopedID(driver, pe.ID)
	if _, dup := m.byID[sid]; dup {
		return nil, false, fmt.Errorf("duplicate region id %q", pe.ID)
	}
	key := RegionKey(pe.Label, pe.Path)
	if existing := m.byKey[key]; existing != nil {
		m.byID[sid] = existing
		return existing, false, nil
	}
	r := &Region{Path: pe.Path, Label: pe.Label, key: key, m: m}
	m.byKey[key] = r
	m.byID[sid] = r
	return r, true, nil
}

func (m *MergedResult) unregisterLocked(r *Region) {
	delete(m.byKey, r.key)
	for id, reg := range m.byID {
		if reg == r {
			delete(m.byID, id)
		}
	}
}

// classifyLocked settles an unknown region's kind by inspecting the
// live tree at its path: an array means a stream, anything else an
// object patch.
func (m *MergedResult) classifyLocked(r *Region) {
	if r.Kind != KindUnknown {
		return
	}
	v, ok := valueAt(m.data, pathKeys(r.Path))
	if ok {
		if _, isList := v.([]any); isList {
			r.Kind = KindStream
			return
		}
	}
	r.Kind = KindObject
}

func (m *MergedResult) foldLocked(driver int, e IncrementalEntry, touched *[]*Region) error {
	r := m.byID[scopedID(driver, e.ID)]
	if r == nil {
		return fmt.Errorf("incremental entry references unknown region id %q", e.ID)
	}
	m.classifyLocked(r)
	keys := append(pathKeys(r.Path), pathKeys(e.SubPath)...)
	if r.Kind == KindStream && len(e.SubPath) == 0 {
		cur, _ := valueAt(m.data, keys)
		list, _ := cur.([]any)
		list = append(list, e.Items...)
		setValueAt(m.data, keys, list)
		if len(e.Items) > 0 && !containsRegion(*touched, r) {
			*touched = append(*touched, r)
		}
	} else if e.Data != nil {
		deepMergeAt(m.data, keys, e.Data)
	}
	EmbedErrors(m.data, e.Errors)
	m.errors = append(m.errors, e.Errors...)
	return nil
}

func containsRegion(rs []*Region, r *Region) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

// setValueAt writes value at keys, creating intermediate maps and
// extending slices as needed. Empty keys address the root and are
// ignored.
func setValueAt(root map[string]any, keys []any, value any) {
	if len(keys) == 0 {
		return
	}
	var current any = root
	for _, seg := range keys[:len(keys)-1] {
		switch key := seg.(type) {
		case string:
			m, ok := current.(map[string]any)
			if !ok {
				return
			}
			next, exists := m[key]
			if !exists {
				next = make(map[string]any)
				m[key] = next
			}
			current = next
		case int:
			s, ok := current.([]any)
			if !ok || key < 0 || key >= len(s) {
				return
			}
			if s[key] == nil {
				s[key] = make(map[string]any)
			}
			current = s[key]
		}
	}
	setValueOf(current, keys[len(keys)-1], value)
}

// deepMergeAt merges src into the object at keys: maps merge
// recursively, anything else is overwritten by src.
func deepMergeAt(root map[string]any, keys []any, src map[string]any) {
	target, ok := valueAt(root, keys)
	if ok {
		if dst, isMap := target.(map[string]any); isMap {
			mergeMaps(dst, src)
			return
		}
	}
	if len(keys) == 0 {
		return
	}
	setValueAt(root, keys, src)
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sub, isMap := v.(map[string]any); isMap {
			if cur, exists := dst[k].(map[string]any); exists {
				mergeMaps(cur, sub)
				continue
			}
		}
		dst[k] = v
	}
}

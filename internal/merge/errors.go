package merge

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// AggregateError is the sentinel stored in the data tree where a slot
// failed instead of resolving. Downstream completion logic uses it to
// tell a failed slot apart from a legitimately absent or null one.
type AggregateError struct {
	Errors gqlerror.List
}

func (e *AggregateError) Error() string {
	return e.Errors.Error()
}

// EmbedErrors walks each error's result path through data and replaces
// the addressed slot with an AggregateError sentinel, extending an
// existing sentinel instead of stacking a new one. An error whose path
// does not address a slot in data is dropped. The tree is modified in
// place.
func EmbedErrors(data map[string]any, errs gqlerror.List) {
	if data == nil {
		return
	}
	for _, err := range errs {
		embedError(data, err)
	}
}

func embedError(data map[string]any, err *gqlerror.Error) {
	keys := pathKeys(err.Path)
	if len(keys) == 0 {
		return
	}
	var parent any = data
	for i, seg := range keys {
		if i == len(keys)-1 {
			cur, ok := valueOf(parent, seg)
			if !ok {
				return
			}
			if agg, isAgg := cur.(*AggregateError); isAgg {
				agg.Errors = append(agg.Errors, err)
				return
			}
			setValueOf(parent, seg, &AggregateError{Errors: gqlerror.List{err}})
			return
		}
		child, ok := valueOf(parent, seg)
		if !ok {
			return
		}
		switch c := child.(type) {
		case map[string]any:
			parent = c
		case []any:
			parent = c
		case *AggregateError:
			c.Errors = append(c.Errors, err)
			return
		default:
			// The path continues but the slot cannot be descended into:
			// the container shape broke here, so the failure lands here.
			setValueOf(parent, seg, &AggregateError{Errors: gqlerror.List{err}})
			return
		}
	}
}

// pathKeys converts an ast result path to its ordered plain keys.
func pathKeys(path ast.Path) []any {
	if len(path) == 0 {
		return nil
	}
	keys := make([]any, 0, len(path))
	for _, elem := range path {
		switch e := elem.(type) {
		case ast.PathName:
			keys = append(keys, string(e))
		case ast.PathIndex:
			keys = append(keys, int(e))
		}
	}
	return keys
}

// valueOf reads one step: a string key from a map or an index from a
// slice. It reports false when the container does not hold the slot.
func valueOf(container any, seg any) (any, bool) {
	switch key := seg.(type) {
	case string:
		m, ok := container.(map[string]any)
		if !ok {
			return nil, false
		}
		v, exists := m[key]
		return v, exists
	case int:
		s, ok := container.([]any)
		if !ok || key < 0 || key >= len(s) {
			return nil, false
		}
		return s[key], true
	}
	return nil, false
}

func setValueOf(container any, seg any, value any) {
	switch key := seg.(type) {
	case string:
		if m, ok := container.(map[string]any); ok {
			m[key] = value
		}
	case int:
		if s, ok := container.([]any); ok && key >= 0 && key < len(s) {
			s[key] = value
		}
	}
}

// valueAt descends keys from the root, reporting false as soon as a
// step cannot be taken.
func valueAt(root map[string]any, keys []any) (any, bool) {
	var current any = root
	for _, seg := range keys {
		next, ok := valueOf(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

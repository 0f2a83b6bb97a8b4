package incremental

import (
	"sync"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Call kinds identifying which formatter entry point a call hit.
const (
	CallStreamItems       = "stream_items"
	CallFailedStream      = "failed_stream"
	CallSuccessfulDefer   = "successful_fragment"
	CallFailedDefer       = "failed_fragment"
	CallSubsequentPayload = "subsequent_payload"
)

// FormatterCall is a single recorded formatter invocation.
type FormatterCall struct {
	Kind    string
	Label   string
	Path    string
	Items   []any
	Data    []map[string]any
	Errors  gqlerror.List
	Done    bool
	HasNext bool
}

// MockPayload is the neutral payload record MockFormatter assembles.
// It carries the shape a wire formatter would serialize without
// committing to any wire format.
type MockPayload struct {
	Incremental []MockIncremental
	Completed   []MockCompleted
	HasNext     bool
}

// MockIncremental is one incremental entry of a MockPayload. Data is
// set for fragment results, Items for stream batches.
type MockIncremental struct {
	Label  string
	Path   string
	Data   map[string]any
	Items  []any
	Errors gqlerror.List
}

// MockCompleted reports a region closed in this payload. Errors is
// non-empty when the region failed.
type MockCompleted struct {
	Label  string
	Path   string
	Errors gqlerror.List
}

// MockFormatter implements PayloadFormatter with a call log and a
// straightforward payload assembly: every reported region lands in the
// payload returned by the next SubsequentPayload call.
type MockFormatter struct {
	mu      sync.Mutex
	calls   []FormatterCall
	pending *MockPayload
}

// NewMockFormatter creates an empty MockFormatter.
func NewMockFormatter() *MockFormatter {
	return &MockFormatter{}
}

// AddStreamItems implements PayloadFormatter.
func (m *MockFormatter) AddStreamItems(stream *Stream, items []any, errs gqlerror.List, done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, FormatterCall{
		Kind:   CallStreamItems,
		Label:  stream.Label,
		Path:   stream.Path.String(),
		Items:  items,
		Errors: errs,
		Done:   done,
	})
	p := m.pendingLocked()
	if len(items) > 0 || len(errs) > 0 {
		p.Incremental = append(p.Incremental, MockIncremental{
			Label:  stream.Label,
			Path:   stream.Path.String(),
			Items:  items,
			Errors: errs,
		})
	}
	if done {
		p.Completed = append(p.Completed, MockCompleted{
			Label: stream.Label,
			Path:  stream.Path.String(),
		})
	}
}

// AddFailedStream implements PayloadFormatter.
func (m *MockFormatter) AddFailedStream(stream *Stream, errs gqlerror.List) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, FormatterCall{
		Kind:   CallFailedStream,
		Label:  stream.Label,
		Path:   stream.Path.String(),
		Errors: errs,
	})
	p := m.pendingLocked()
	p.Completed = append(p.Completed, MockCompleted{
		Label:  stream.Label,
		Path:   stream.Path.String(),
		Errors: errs,
	})
}

// AddSuccessfulDeferredFragment implements PayloadFormatter.
func (m *MockFormatter) AddSuccessfulDeferredFragment(fragment *DeferredFragment, results []*CompletedExecutionGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := FormatterCall{
		Kind:  CallSuccessfulDefer,
		Label: fragment.Label,
		Path:  fragment.Path.String(),
	}
	p := m.pendingLocked()
	for _, r := range results {
		call.Data = append(call.Data, r.Data)
		call.Errors = append(call.Errors, r.Errors...)
		p.Incremental = append(p.Incremental, MockIncremental{
			Label:  fragment.Label,
			Path:   r.Group.Path.String(),
			Data:   r.Data,
			Errors: r.Errors,
		})
	}
	m.calls = append(m.calls, call)
	p.Completed = append(p.Completed, MockCompleted{
		Label: fragment.Label,
		Path:  fragment.Path.String(),
	})
}

// AddFailedDeferredFragment implements PayloadFormatter.
func (m *MockFormatter) AddFailedDeferredFragment(fragment *DeferredFragment, errs gqlerror.List) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, FormatterCall{
		Kind:   CallFailedDefer,
		Label:  fragment.Label,
		Path:   fragment.Path.String(),
		Errors: errs,
	})
	p := m.pendingLocked()
	p.Completed = append(p.Completed, MockCompleted{
		Label:  fragment.Label,
		Path:   fragment.Path.String(),
		Errors: errs,
	})
}

// SubsequentPayload implements PayloadFormatter. It returns the
// payload assembled since the previous call, if any region landed in
// it.
func (m *MockFormatter) SubsequentPayload(hasNext bool) (*MockPayload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, FormatterCall{Kind: CallSubsequentPayload, HasNext: hasNext})
	if m.pending == nil {
		return nil, false
	}
	p := m.pending
	m.pending = nil
	p.HasNext = hasNext
	return p, true
}

// GetCalls returns a copy of the recorded calls in order.
func (m *MockFormatter) GetCalls() []FormatterCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FormatterCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears recorded calls and any unassembled payload.
func (m *MockFormatter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.pending = nil
}

func (m *MockFormatter) pendingLocked() *MockPayload {
	if m.pending == nil {
		m.pending = &MockPayload{}
	}
	return m.pending
}

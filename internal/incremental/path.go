package incremental

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// Path addresses one value in the response tree as an immutable chain
// from leaf back to root. Key is a string field alias or an int list
// index; Nullable records whether the value at this step may be null.
//
// Two paths refer to the same node only when they are the same *Path.
// Structural equality is never used; the completion layer creates one
// Path per traversal step and the chain is read-only afterwards.
type Path struct {
	Prev     *Path
	Key      any
	Nullable bool
}

// NewPath appends one step to prev. prev may be nil for a root step.
func NewPath(prev *Path, key any, nullable bool) *Path {
	return &Path{Prev: prev, Key: key, Nullable: nullable}
}

// PathFromAST builds a Path chain from a gqlparser response path.
// Nullability is unknown at this boundary and defaults to nullable.
func PathFromAST(p ast.Path) *Path {
	var out *Path
	for _, elem := range p {
		switch e := elem.(type) {
		case ast.PathName:
			out = NewPath(out, string(e), true)
		case ast.PathIndex:
			out = NewPath(out, int(e), true)
		}
	}
	return out
}

// Keys returns the root-to-leaf key sequence. A nil path is the
// response root and yields no keys.
func (p *Path) Keys() []any {
	if p == nil {
		return nil
	}
	n := 0
	for q := p; q != nil; q = q.Prev {
		n++
	}
	keys := make([]any, n)
	for q := p; q != nil; q = q.Prev {
		n--
		keys[n] = q.Key
	}
	return keys
}

// AST converts the chain to a gqlparser response path.
func (p *Path) AST() ast.Path {
	keys := p.Keys()
	out := make(ast.Path, len(keys))
	for i, k := range keys {
		switch v := k.(type) {
		case string:
			out[i] = ast.PathName(v)
		case int:
			out[i] = ast.PathIndex(v)
		}
	}
	return out
}

// String renders the path in dotted form, list indices in brackets.
func (p *Path) String() string {
	var b strings.Builder
	for i, k := range p.Keys() {
		switch v := k.(type) {
		case string:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(v)
		case int:
			fmt.Fprintf(&b, "[%d]", v)
		}
	}
	return b.String()
}

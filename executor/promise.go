package executor

import (
	"github.com/vektah/gqlparser/v2/ast"
)

// ResolveResult is the outcome of a deferred resolution.
type ResolveResult struct {
	Value interface{}
	Error error
}

// ResolvePromise can be returned by a resolver to defer its result until later in the
// execution. The executor continues with other fields, and whenever it runs out of
// synchronous work while promises remain outstanding, it invokes the request's
// IdleHandler. The idle handler is expected to eventually cause a result to be sent on at
// least one outstanding promise (it may block until one is available).
//
// Promises should be buffered with a capacity of one so producers never block on delivery.
type ResolvePromise chan ResolveResult

// pending is a field whose resolver returned a ResolvePromise. Its slot in the response
// has already been allocated at the correct position and will be filled in once the
// promise settles.
type pending struct {
	promise   ResolvePromise
	fields    []*ast.Field
	fieldType *ast.Type
	dest      slot
	path      ast.Path

	// nullables is the chain of enclosing nullable slots, innermost first. If the settled
	// value violates a non-null constraint, the innermost enclosing nullable slot becomes
	// null, per the usual error propagation rules.
	nullables []slot
}

// slot is a write-once destination for a completed value.
type slot interface {
	set(v interface{})
}

type mapSlot struct {
	m     *OrderedMap
	index int
}

func (s mapSlot) set(v interface{}) {
	s.m.SetValue(s.index, v)
}

type listSlot struct {
	s     []interface{}
	index int
}

func (s listSlot) set(v interface{}) {
	s.s[s.index] = v
}

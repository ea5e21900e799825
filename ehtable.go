// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

// EHKind classifies one exception-handling clause.
type EHKind int

const (
	EHFinally EHKind = iota
	EHFault
	EHTypeFiltered
	EHUserFiltered
)

func (k EHKind) String() string {
	switch k {
	case EHFinally:
		return "finally"
	case EHFault:
		return "fault"
	case EHTypeFiltered:
		return "catch"
	case EHUserFiltered:
		return "filter"
	}
	return "unknown"
}

// EHClause is one try/handler descriptor of a method body. Offsets and
// lengths are in IL bytes relative to the start of the method's code.
type EHClause struct {
	Kind EHKind

	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32

	// Param is the clause parameter: for EHTypeFiltered the class Token,
	// replaced by the caller's resolved object after FixParams; for
	// EHUserFiltered the filter's IL offset as an int32. Nil otherwise.
	Param any
}

// FilterOffset returns the IL offset of the filter expression of an
// EHUserFiltered clause, -1 for other kinds.
func (c EHClause) FilterOffset() int32 {
	if offs, ok := c.Param.(int32); ok {
		return offs
	}
	return -1
}

// EHTable stores the exception-handling clauses of one method body in the
// order they were declared.
type EHTable struct {
	Clauses []EHClause
}

// Count returns the number of clauses.
func (t *EHTable) Count() int {
	if t == nil {
		return 0
	}
	return len(t.Clauses)
}

// FixParams resolves the class token of every type-filtered clause through
// the caller-supplied map. Clauses whose tokens do not resolve keep the
// raw token; callers treat that as an unresolved reference.
func (t *EHTable) FixParams(tokens TokenMap) {
	if t == nil {
		return
	}
	for i := range t.Clauses {
		clause := &t.Clauses[i]
		if clause.Kind != EHTypeFiltered {
			continue
		}
		if tk, ok := clause.Param.(Token); ok {
			if obj, ok := tokens[tk]; ok {
				clause.Param = obj
			}
		}
	}
}

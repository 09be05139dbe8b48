package graph

import (
	"reflect"
	"slices"
)

// Kind discriminates the value forms a record field can hold.
type Kind uint8

const (
	// KindScalar is any JSON scalar, including null (a nil scalar).
	KindScalar Kind = iota

	// KindRef is a reference to another record by id.
	KindRef

	// KindRefList is an ordered list of record references.
	KindRefList

	// KindList is an embedded array of scalars (or nested scalar arrays),
	// stored inline rather than as sub-records.
	KindList
)

// String returns a human-readable label for the kind.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindRef:
		return "ref"
	case KindRefList:
		return "refs"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is the tagged value stored under a record field key.
//
// A single product type with a kind tag keeps normalization and
// materialization obvious: every field is exactly one of scalar,
// reference, reference-array, or embedded array. The zero Value is a
// null scalar.
//
// Value is immutable; constructors copy any caller-owned slices.
type Value struct {
	kind   Kind
	scalar any
	ref    string
	refs   []string
	list   []any
}

// Scalar returns a scalar value. v may be nil to represent JSON null.
func Scalar(v any) Value {
	return Value{kind: KindScalar, scalar: v}
}

// Ref returns a reference value pointing at the record with the given id.
func Ref(id string) Value {
	return Value{kind: KindRef, ref: id}
}

// RefList returns a reference-array value. The ids slice is copied.
func RefList(ids []string) Value {
	return Value{kind: KindRefList, refs: slices.Clone(ids)}
}

// List returns an embedded array value. The elements slice is copied
// shallowly; elements must be scalars or nested []any of scalars.
func List(elems []any) Value {
	return Value{kind: KindList, list: slices.Clone(elems)}
}

// Kind returns the value's kind tag.
func (v Value) Kind() Kind {
	return v.kind
}

// ScalarValue returns the scalar and true when the value is a scalar.
func (v Value) ScalarValue() (any, bool) {
	if v.kind != KindScalar {
		return nil, false
	}
	return v.scalar, true
}

// RefID returns the target record id and true when the value is a ref.
func (v Value) RefID() (string, bool) {
	if v.kind != KindRef {
		return "", false
	}
	return v.ref, true
}

// RefIDs returns the target record ids and true when the value is a
// ref-array. The returned slice must not be modified.
func (v Value) RefIDs() ([]string, bool) {
	if v.kind != KindRefList {
		return nil, false
	}
	return v.refs, true
}

// ListValues returns the embedded elements and true when the value is an
// embedded array. The returned slice must not be modified.
func (v Value) ListValues() ([]any, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// Equal reports whether two values are identical: same kind and same
// payload. Ref-arrays compare element-wise; embedded arrays compare by
// deep equality since elements may be nested scalar arrays.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindScalar:
		return scalarEqual(v.scalar, other.scalar)
	case KindRef:
		return v.ref == other.ref
	case KindRefList:
		return slices.Equal(v.refs, other.refs)
	case KindList:
		return reflect.DeepEqual(v.list, other.list)
	default:
		return false
	}
}

// scalarEqual compares scalars without panicking on uncomparable values.
func scalarEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Comparable() && rb.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

package graph

import (
	"iter"
	"maps"
	"slices"
)

// TypenameField is the reserved field key carrying a record's typename.
//
// Reserved field keys are preserved verbatim by writes; data fields can
// never collide with them because response keys are valid GraphQL names.
const TypenameField = "__typename"

// Record is an immutable snapshot of one record's fields.
//
// Records returned by [Graph.GetRecord] never change; a write installs a
// fresh record value with a bumped version. Record is safe for concurrent
// read access.
type Record struct {
	fields  map[string]Value
	version uint64
}

// NewRecord builds a standalone record from fields, for hydration and
// storage adapters. The map is copied.
func NewRecord(fields map[string]Value) *Record {
	return &Record{fields: maps.Clone(fields)}
}

// Get returns the value stored under fieldKey and whether it is present.
func (r *Record) Get(fieldKey string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	v, ok := r.fields[fieldKey]
	return v, ok
}

// Has reports whether fieldKey is present.
func (r *Record) Has(fieldKey string) bool {
	if r == nil {
		return false
	}
	_, ok := r.fields[fieldKey]
	return ok
}

// Typename returns the record's __typename scalar, or "" when absent.
func (r *Record) Typename() string {
	v, ok := r.Get(TypenameField)
	if !ok {
		return ""
	}
	s, _ := v.ScalarValue()
	name, _ := s.(string)
	return name
}

// Len returns the number of fields.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fields)
}

// Version returns the record's version counter. Every write that changes
// at least one field raises it (by one for PutRecord; ReplaceRecord may
// jump further). A record that is deleted and written again starts over
// at 1, so equal versions imply identical contents only within one
// lifetime of the record.
func (r *Record) Version() uint64 {
	if r == nil {
		return 0
	}
	return r.version
}

// Fields returns an iterator over field keys and values in sorted key
// order.
func (r *Record) Fields() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		if r == nil {
			return
		}
		for _, k := range slices.Sorted(maps.Keys(r.fields)) {
			if !yield(k, r.fields[k]) {
				return
			}
		}
	}
}

// FieldMap returns a copy of the record's fields.
func (r *Record) FieldMap() map[string]Value {
	if r == nil {
		return nil
	}
	return maps.Clone(r.fields)
}

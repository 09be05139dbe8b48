// Package ident derives entity identity and resolves type-condition
// matches.
//
// Entity ids take the form Typename:Key. The key is produced by a
// per-typename key function; the fall-through default reads the object's
// "id" field. Objects with no derivable key are not entities and embed
// under their parent instead.
package ident

import (
	"fmt"

	"github.com/lockvoid/cachebay/internal/keys"
)

// KeyFunc derives the key string for an object of one typename.
// Returning ok=false marks the object unkeyable.
type KeyFunc func(obj map[string]any) (string, bool)

// Resolver answers identity and type-condition questions for normalized
// objects.
//
// Resolver is immutable after construction and safe for concurrent use.
type Resolver struct {
	keys       map[string]KeyFunc
	interfaces map[string][]string
}

// New creates a Resolver from per-typename key functions and an
// interface → implementors map. Both maps may be nil.
func New(keyFuncs map[string]KeyFunc, interfaces map[string][]string) *Resolver {
	return &Resolver{keys: keyFuncs, interfaces: interfaces}
}

// DefaultKey is the fall-through key function: the object's "id" field,
// rendered as a string.
func DefaultKey(obj map[string]any) (string, bool) {
	v, ok := obj["id"]
	if !ok || v == nil {
		return "", false
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", false
		}
		return id, true
	case int64, int, float64:
		return fmt.Sprint(id), true
	default:
		return "", false
	}
}

// Key derives the key string for an object of the given typename.
func (r *Resolver) Key(typename string, obj map[string]any) (string, bool) {
	if r != nil && r.keys != nil {
		if fn, ok := r.keys[typename]; ok {
			return fn(obj)
		}
	}
	return DefaultKey(obj)
}

// EntityID derives the record id for an object carrying __typename.
// Returns ok=false when the typename is absent or the key is not
// derivable; such objects embed under their parent.
func (r *Resolver) EntityID(obj map[string]any) (string, bool) {
	typename, _ := obj["__typename"].(string)
	if typename == "" {
		return "", false
	}
	key, ok := r.Key(typename, obj)
	if !ok {
		return "", false
	}
	return keys.EntityID(typename, key), true
}

// Matches reports whether a concrete typename satisfies a type
// condition: either directly, or because the condition names an
// interface the typename implements per the configured map.
//
// An empty condition matches everything. An empty typename matches
// nothing, so type-guarded selections drop when __typename is missing.
func (r *Resolver) Matches(typename, condition string) bool {
	if condition == "" {
		return true
	}
	if typename == "" {
		return false
	}
	if typename == condition {
		return true
	}
	if r == nil || r.interfaces == nil {
		return false
	}
	for _, impl := range r.interfaces[condition] {
		if impl == typename {
			return true
		}
	}
	return false
}

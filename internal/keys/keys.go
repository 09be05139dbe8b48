package keys

import (
	"strconv"
	"strings"
)

// RootID is the id of the root record that anchors top-level fields.
const RootID = "@"

// Prefixes used by the synthetic id forms.
const (
	pagePrefix      = "@."
	canonicalPrefix = "@connection."
)

// EntityID returns the record id for an entity.
func EntityID(typename, key string) string {
	return typename + ":" + key
}

// FieldKey encodes a selection's storage key within a record.
//
// argsJSON is the stable JSON of the argument object, or "" when the field
// has no defined arguments.
func FieldKey(name, argsJSON string) string {
	if argsJSON == "" {
		return name
	}
	return name + "(" + argsJSON + ")"
}

// PageID returns the strict-page record id for a connection field.
//
// The parent segment is omitted when parent is the root record, so a
// root-level connection reads "@.posts({...})" rather than repeating the
// root sentinel.
func PageID(parent, fieldKey string) string {
	if parent == RootID {
		return pagePrefix + fieldKey
	}
	return pagePrefix + parent + "." + fieldKey
}

// CanonicalID returns the canonical (union) connection record id.
//
// filtersJSON is always parenthesized, "{}" when the connection has no
// filter arguments. The parent segment is omitted at the root, matching
// the page id convention.
func CanonicalID(parent, connectionKey, filtersJSON string) string {
	if filtersJSON == "" {
		filtersJSON = "{}"
	}
	if parent == RootID {
		return canonicalPrefix + connectionKey + "(" + filtersJSON + ")"
	}
	return canonicalPrefix + parent + "." + connectionKey + "(" + filtersJSON + ")"
}

// SubID returns the synthetic id for an embedded (keyless) object.
func SubID(parent, responseKey string) string {
	return parent + "." + responseKey
}

// EdgeID returns the id of the i-th edge record under a connection record.
func EdgeID(connectionID string, i int) string {
	return connectionID + ".edges." + strconv.Itoa(i)
}

// PageInfoID returns the id of the pageInfo record under a connection record.
func PageInfoID(connectionID string) string {
	return connectionID + ".pageInfo"
}

// IsPageID reports whether id is a strict-page record id.
func IsPageID(id string) bool {
	return strings.HasPrefix(id, pagePrefix) && !strings.HasPrefix(id, canonicalPrefix)
}

// IsCanonicalID reports whether id is a canonical connection record id.
func IsCanonicalID(id string) bool {
	return strings.HasPrefix(id, canonicalPrefix)
}

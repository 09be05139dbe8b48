package document

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/lockvoid/cachebay/internal/keys"
)

// Ref identifies one memoized materialization slot. The query and
// fragment layers hold Refs to drive reference counting.
type Ref struct {
	planID      string
	canonical   bool
	varsKey     string
	rootID      string
	fingerprint bool
}

// NewRef builds a memo slot reference. rootID may be empty for operation
// plans. Fingerprinted reads memoize separately from plain reads, since
// their snapshots carry __version tokens.
func NewRef(planID string, canonical bool, varsKey, rootID string, fingerprint bool) Ref {
	if rootID == "" {
		rootID = keys.RootID
	}
	return Ref{planID: planID, canonical: canonical, varsKey: varsKey, rootID: rootID, fingerprint: fingerprint}
}

// memoEntry holds the last result for a key plus its watcher refcount.
// A stale entry keeps its refcount but drops the result.
type memoEntry struct {
	result *Result
	refs   int
}

func (d *Documents) memoLookup(key Ref) (*Result, bool) {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()
	entry, ok := d.memo[key]
	if !ok || entry.result == nil {
		return nil, false
	}
	return entry.result, true
}

func (d *Documents) memoStore(key Ref, result *Result) {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()
	entry, ok := d.memo[key]
	if !ok {
		entry = &memoEntry{}
		d.memo[key] = entry
	}
	entry.result = result
}

// Retain increments the watcher refcount for a memo slot, keeping its
// result alive across invalidations.
func (d *Documents) Retain(r Ref) {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()
	entry, ok := d.memo[r]
	if !ok {
		entry = &memoEntry{}
		d.memo[r] = entry
	}
	entry.refs++
}

// Release decrements the watcher refcount; at zero the memo entry is
// dropped entirely.
func (d *Documents) Release(r Ref) {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()
	entry, ok := d.memo[r]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(d.memo, r)
	}
}

// InvalidateTouched drops every memoized result whose dependency set
// overlaps the touched ids. Entries with live refcounts stay allocated
// (the next read recomputes); unreferenced stale entries are removed.
func (d *Documents) InvalidateTouched(touched map[string]struct{}) {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()

	for key, entry := range d.memo {
		if entry.result == nil {
			continue
		}
		if !overlaps(entry.result.Deps, touched) {
			continue
		}
		entry.result = nil
		if entry.refs <= 0 {
			delete(d.memo, key)
		}
	}
}

// MemoLen returns the number of live memo entries, for diagnostics.
func (d *Documents) MemoLen() int {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()
	return len(d.memo)
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for id := range a {
		if _, ok := b[id]; ok {
			return true
		}
	}
	return false
}

// structuralHash digests a materialized tree, ignoring injected
// __version tokens so fingerprinted and plain reads of equal data hash
// alike.
func structuralHash(data map[string]any) uint64 {
	if data == nil {
		return 0
	}
	h := xxhash.New()
	writeHash(h, data)
	return h.Sum64()
}

func writeHash(h *xxhash.Digest, v any) {
	switch val := v.(type) {
	case nil:
		h.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if k == "__version" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.WriteString("{")
		for _, k := range keys {
			h.WriteString(k)
			h.WriteString(":")
			writeHash(h, val[k])
			h.WriteString(",")
		}
		h.WriteString("}")
	case []any:
		h.WriteString("[")
		for _, e := range val {
			writeHash(h, e)
			h.WriteString(",")
		}
		h.WriteString("]")
	case string:
		h.WriteString(strconv.Quote(val))
	default:
		data, err := json.Marshal(val)
		if err != nil {
			h.WriteString("?")
			return
		}
		h.Write(data)
	}
}

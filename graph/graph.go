package graph

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/lockvoid/cachebay/internal/trace"
)

// Listener receives the coalesced touched-id set for one flush.
//
// The set is owned by the listener for the duration of the call and must
// not be retained or modified.
type Listener func(touched map[string]struct{})

// Graph is the in-memory record store.
//
// Writes are shallow merges that track which fields actually changed.
// Changed record ids accumulate into a pending touched set; [Graph.Flush]
// (or the end of the outermost [Graph.Span]) delivers the set to change
// listeners in registration order, each invocation running to completion
// before the next.
//
// Graph is safe for concurrent use from multiple goroutines.
type Graph struct {
	config graphConfig

	mu      sync.RWMutex
	records map[string]*Record
	pending map[string]struct{}
	spans   int

	listenerMu sync.Mutex
	listeners  []Listener
	delivering bool
}

// New creates an empty Graph.
func New(opts ...Option) *Graph {
	cfg := graphConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Graph{
		config:  cfg,
		records: make(map[string]*Record),
		pending: make(map[string]struct{}),
	}
}

// GetRecord returns the record for id, or (nil, false) when absent.
//
// The returned record is an immutable snapshot; it remains valid and
// unchanged across subsequent writes.
func (g *Graph) GetRecord(id string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[id]
	return rec, ok
}

// Version returns the version counter for id, or 0 when the record is
// absent.
func (g *Graph) Version(id string) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.records[id].Version()
}

// PutRecord shallow-merges fields into the record with the given id,
// creating the record when absent. Ref-array and embedded-array values
// replace the stored value wholesale.
//
// Returns the names of fields that actually changed. When at least one
// field changed, the record id joins the pending touched set.
func (g *Graph) PutRecord(id string, fields map[string]Value) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.records[id]

	var changed []string
	for key, val := range fields {
		if prev != nil {
			if old, ok := prev.fields[key]; ok && old.Equal(val) {
				continue
			}
		}
		changed = append(changed, key)
	}
	if prev != nil && len(changed) == 0 {
		return nil
	}

	var next map[string]Value
	var version uint64
	if prev != nil {
		next = maps.Clone(prev.fields)
		version = prev.version
	} else {
		next = make(map[string]Value, len(fields))
	}
	for key, val := range fields {
		next[key] = val
	}

	g.records[id] = &Record{fields: next, version: version + 1}
	g.pending[id] = struct{}{}

	trace.Debug(context.Background(), g.config.logger, "record written",
		slog.String("id", id),
		slog.Int("changed_fields", len(changed)),
	)
	slices.Sort(changed)
	return changed
}

// ReplaceRecord installs rec wholesale under id, or deletes the record
// when rec is nil. Used by the optimistic layer to restore baselines.
//
// The touched set gains id when the replacement differs from the stored
// record. The installed record's version is always advanced past the
// stored one so fingerprints never move backwards.
func (g *Graph) ReplaceRecord(id string, rec *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.records[id]
	if rec == nil {
		if prev == nil {
			return
		}
		delete(g.records, id)
		g.pending[id] = struct{}{}
		return
	}

	if prev != nil && maps.EqualFunc(prev.fields, rec.fields, Value.Equal) {
		return
	}

	version := rec.version
	if prev != nil && prev.version >= version {
		version = prev.version
	}
	g.records[id] = &Record{fields: maps.Clone(rec.fields), version: version + 1}
	g.pending[id] = struct{}{}
}

// DeleteRecord removes the record with the given id. Deleting a missing
// record is a no-op.
func (g *Graph) DeleteRecord(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.records[id]; !ok {
		return
	}
	delete(g.records, id)
	g.pending[id] = struct{}{}

	trace.Debug(context.Background(), g.config.logger, "record deleted",
		slog.String("id", id),
	)
}

// OnChange registers a listener for flush notifications. Listeners are
// invoked in registration order. The returned function unregisters the
// listener.
func (g *Graph) OnChange(fn Listener) func() {
	g.listenerMu.Lock()
	defer g.listenerMu.Unlock()

	g.listeners = append(g.listeners, fn)
	index := len(g.listeners) - 1
	registered := true
	return func() {
		g.listenerMu.Lock()
		defer g.listenerMu.Unlock()
		if !registered {
			return
		}
		registered = false
		g.listeners[index] = nil
	}
}

// Span runs fn as one mutation span. Puts inside the span coalesce into a
// single flush delivered when the outermost span ends. Spans nest.
func (g *Graph) Span(fn func()) {
	g.mu.Lock()
	g.spans++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.spans--
		outermost := g.spans == 0
		g.mu.Unlock()
		if outermost {
			g.Flush()
		}
	}()

	fn()
}

// Flush delivers the accumulated touched set to listeners and clears it.
//
// Flushing inside an open span or inside a listener invocation is a
// no-op; the pending set is delivered when the outermost span ends or
// when the current delivery round loops again.
func (g *Graph) Flush() {
	for {
		g.mu.Lock()
		if g.spans > 0 || len(g.pending) == 0 {
			g.mu.Unlock()
			return
		}
		touched := g.pending
		g.pending = make(map[string]struct{})
		g.mu.Unlock()

		g.listenerMu.Lock()
		if g.delivering {
			// Re-entrant flush from inside a listener: leave the new
			// pending set for the outer delivery loop.
			g.mu.Lock()
			for id := range touched {
				g.pending[id] = struct{}{}
			}
			g.mu.Unlock()
			g.listenerMu.Unlock()
			return
		}
		g.delivering = true
		listeners := slices.Clone(g.listeners)
		g.listenerMu.Unlock()

		for _, fn := range listeners {
			if fn != nil {
				fn(touched)
			}
		}

		g.listenerMu.Lock()
		g.delivering = false
		g.listenerMu.Unlock()
		// Loop: listeners may have written new records.
	}
}

// Len returns the number of stored records.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}

// IDs returns all record ids in lexicographic order.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Sorted(maps.Keys(g.records))
}

// Snapshot returns a copy of the id → record map. The records themselves
// are immutable and shared.
func (g *Graph) Snapshot() map[string]*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return maps.Clone(g.records)
}

// Clear removes every record without notifying listeners. Used by SSR
// hydration, which replaces the graph wholesale before watchers attach.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = make(map[string]*Record)
	g.pending = make(map[string]struct{})
}

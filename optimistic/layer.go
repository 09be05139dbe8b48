package optimistic

import (
	"github.com/lockvoid/cachebay/diag"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/canon"
)

// opKind discriminates logged layer operations.
type opKind uint8

const (
	opPatch opKind = iota
	opDelete
	opAddNode
	opRemoveNode
	opConnPatch
)

// op is one logged layer operation. Ops are replayed when earlier layers
// revert and paired positionally with commit-phase ops to map
// placeholder ids to server ids.
type op struct {
	kind   opKind
	target string // record id (patch/delete) or canonical id (connection ops)

	// patch
	fields  map[string]graph.Value
	replace bool

	// addNode / removeNode
	nodeID       string
	node         map[string]any
	nodeFields   map[string]graph.Value
	edgeFields   map[string]graph.Value
	pos          canon.Position
	anchor       string
	fragment     string
	fragmentName string
	variables    map[string]any

	// connection patch
	pageInfo map[string]graph.Value
}

// layer is one transactional layer above the baseline.
type layer struct {
	id      string
	builder Builder
	ops     []op

	recordBase map[string]*baseRecord
	canonBase  map[string]canon.State

	collector *diag.Collector

	committed bool
	reverted  bool
}

// touchedIDs returns the record and canonical id sets the layer captured
// baselines for.
func (l *layer) touchedIDs() (records, canonicals map[string]struct{}) {
	records = make(map[string]struct{}, len(l.recordBase))
	for id := range l.recordBase {
		records[id] = struct{}{}
	}
	canonicals = make(map[string]struct{}, len(l.canonBase))
	for id := range l.canonBase {
		canonicals[id] = struct{}{}
	}
	return records, canonicals
}

// Transaction is the caller's handle on one layer.
type Transaction struct {
	engine *Engine
	layer  *layer
}

// ID returns the layer's unique id.
func (t *Transaction) ID() string {
	if t == nil {
		return ""
	}
	return t.layer.id
}

// Diagnostics returns the issues collected while building the layer,
// such as unkeyable nodes that were ignored.
func (t *Transaction) Diagnostics() diag.Result {
	if t == nil {
		return diag.OK()
	}
	return t.layer.collector.Result()
}

// Revert discards the layer if it has not been committed. Later layers'
// mutations are preserved by replay. Reverting twice, or after a commit,
// is a no-op.
func (t *Transaction) Revert() {
	if t == nil {
		return
	}
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	l := t.layer
	if l.committed || l.reverted {
		return
	}
	l.reverted = true
	e.removeLayerLocked(l)

	records, canonicals := l.touchedIDs()
	e.graph.Span(func() {
		e.restoreLayerLocked(l)
		for _, later := range e.layers {
			e.replayLayerLocked(later, records, canonicals)
		}
	})
}

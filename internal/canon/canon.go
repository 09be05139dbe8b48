package canon

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/keys"
	"github.com/lockvoid/cachebay/internal/trace"
)

// PageInfo field keys on PageInfo records.
const (
	FieldStartCursor     = "startCursor"
	FieldEndCursor       = "endCursor"
	FieldHasNextPage     = "hasNextPage"
	FieldHasPreviousPage = "hasPreviousPage"
)

// Edge holds one contributed edge: the node's record id plus the edge
// record's scalar fields (cursor, metadata, __typename), excluding the
// node reference itself.
type Edge struct {
	NodeID string
	Fields map[string]graph.Value
}

// Pagination describes the window arguments present on the written page.
type Pagination struct {
	HasAfter  bool
	HasBefore bool
	HasFirst  bool
	HasLast   bool
}

// Leader reports whether the page carries no cursor at all.
func (p Pagination) Leader() bool {
	return !p.HasAfter && !p.HasBefore
}

// Backward reports whether the page extends the union at the head.
func (p Pagination) Backward() bool {
	return p.HasBefore || (p.Leader() && p.HasLast)
}

// Position names where an optimistic insertion lands.
type Position uint8

const (
	// End appends the node after the current tail.
	End Position = iota

	// Start prepends the node before the current head.
	Start

	// After inserts the node after the anchor, falling back to End when
	// the anchor is missing.
	After

	// Before inserts the node before the anchor, falling back to Start
	// when the anchor is missing.
	Before
)

// state is the in-memory union for one canonical id.
type state struct {
	order    []string          // node ids in union order
	edgeIDs  map[string]string // node id → canonical edge record id
	pageInfo map[string]graph.Value
	typename string // connection __typename
	seq      int    // edge record id sequence
}

// Manager owns all canonical unions and materializes them into the graph.
//
// Manager is safe for concurrent use; all graph writes happen inside the
// caller's surrounding span, so one page merge contributes to the same
// flush as the page write itself.
type Manager struct {
	graph  *graph.Graph
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*state
}

// New creates a Manager writing through the given graph.
func New(g *graph.Graph, logger *slog.Logger) *Manager {
	return &Manager{
		graph:  g,
		logger: logger,
		states: make(map[string]*state),
	}
}

// PageWritten merges a freshly written strict page into the canonical
// union and rewrites the canonical records.
//
// typename is the connection's __typename; containers holds the page's
// non-edge, non-pageInfo fields (totalCount and friends), which patch the
// canonical record verbatim.
func (m *Manager) PageWritten(canonicalID, typename string, edges []Edge, pageInfo map[string]graph.Value, containers map[string]graph.Value, page Pagination) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.ensureLocked(canonicalID)
	if typename != "" {
		st.typename = typename
	}

	if page.Leader() && !page.HasLast {
		// Leader page: the union resets to the page's own order. Existing
		// edge records for surviving nodes are reused so metadata history
		// is kept where the node persists.
		st.order = st.order[:0]
		seen := make(map[string]struct{}, len(edges))
		for _, e := range edges {
			if _, dup := seen[e.NodeID]; dup {
				continue
			}
			seen[e.NodeID] = struct{}{}
			st.order = append(st.order, e.NodeID)
			m.writeEdgeLocked(canonicalID, st, e)
		}
		for nodeID := range st.edgeIDs {
			if _, ok := seen[nodeID]; !ok {
				delete(st.edgeIDs, nodeID)
			}
		}
		m.mergePageInfoLocked(st, pageInfo, true, true)
	} else if page.Backward() {
		var fresh []string
		for _, e := range edges {
			if _, ok := st.edgeIDs[e.NodeID]; ok {
				m.writeEdgeLocked(canonicalID, st, e)
				continue
			}
			fresh = append(fresh, e.NodeID)
			m.writeEdgeLocked(canonicalID, st, e)
		}
		st.order = append(fresh, st.order...)
		m.mergePageInfoLocked(st, pageInfo, true, false)
	} else {
		for _, e := range edges {
			if _, ok := st.edgeIDs[e.NodeID]; ok {
				m.writeEdgeLocked(canonicalID, st, e)
				continue
			}
			st.order = append(st.order, e.NodeID)
			m.writeEdgeLocked(canonicalID, st, e)
		}
		m.mergePageInfoLocked(st, pageInfo, page.Leader(), true)
	}

	m.syncLocked(canonicalID, st, containers)

	trace.Debug(context.Background(), m.logger, "canonical merged",
		slog.String("canonical_id", canonicalID),
		slog.Int("union_len", len(st.order)),
	)
}

// AddNode inserts a node into the union at the given position, creating a
// canonical edge record from edgeFields. Re-adding an existing node keeps
// its position and refreshes the edge metadata. Returns whether the union
// gained the node.
func (m *Manager) AddNode(canonicalID, nodeID string, edgeFields map[string]graph.Value, pos Position, anchor string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.ensureLocked(canonicalID)
	e := Edge{NodeID: nodeID, Fields: edgeFields}

	if _, ok := st.edgeIDs[nodeID]; ok {
		m.writeEdgeLocked(canonicalID, st, e)
		m.syncLocked(canonicalID, st, nil)
		return false
	}

	at := len(st.order)
	switch pos {
	case Start:
		at = 0
	case After:
		at = len(st.order)
		if i := slices.Index(st.order, anchor); i >= 0 {
			at = i + 1
		}
	case Before:
		at = 0
		if i := slices.Index(st.order, anchor); i >= 0 {
			at = i
		}
	}

	st.order = slices.Insert(st.order, at, nodeID)
	m.writeEdgeLocked(canonicalID, st, e)
	m.syncLocked(canonicalID, st, nil)
	return true
}

// RemoveNode removes a node from the union. The strict pages that
// contributed it are untouched. Returns whether the node was present.
func (m *Manager) RemoveNode(canonicalID, nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.ensureLocked(canonicalID)
	i := slices.Index(st.order, nodeID)
	if i < 0 {
		return false
	}
	st.order = slices.Delete(st.order, i, i+1)
	delete(st.edgeIDs, nodeID)
	m.syncLocked(canonicalID, st, nil)
	return true
}

// Patch applies container and pageInfo updates to the canonical records.
func (m *Manager) Patch(canonicalID string, containers, pageInfo map[string]graph.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.ensureLocked(canonicalID)
	for k, v := range pageInfo {
		st.pageInfo[k] = v
	}
	m.syncLocked(canonicalID, st, containers)
}

// Initialize ensures an empty-but-valid canonical connection record
// exists. Used by optimistic fragment initialization; idempotent.
func (m *Manager) Initialize(canonicalID, typename string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.graph.GetRecord(canonicalID); ok {
		m.ensureLocked(canonicalID)
		return
	}

	st := m.ensureLocked(canonicalID)
	if len(st.order) > 0 || len(st.pageInfo) > 0 {
		return
	}
	if typename != "" {
		st.typename = typename
	}
	st.pageInfo = map[string]graph.Value{
		"__typename":         graph.Scalar("PageInfo"),
		FieldStartCursor:     graph.Scalar(nil),
		FieldEndCursor:       graph.Scalar(nil),
		FieldHasNextPage:     graph.Scalar(false),
		FieldHasPreviousPage: graph.Scalar(false),
	}
	m.syncLocked(canonicalID, st, nil)
}

// NodeIDs returns the union's node ids in order.
func (m *Manager) NodeIDs(canonicalID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensureLocked(canonicalID)
	return slices.Clone(st.order)
}

// Contains reports whether the union holds the node.
func (m *Manager) Contains(canonicalID, nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensureLocked(canonicalID)
	return slices.Contains(st.order, nodeID)
}

// State is a snapshot of one canonical union, used by the optimistic
// layer to capture and restore baselines.
type State struct {
	Order    []string
	EdgeIDs  map[string]string
	PageInfo map[string]graph.Value
	Typename string
	Seq      int
}

// Snapshot captures the union state for canonicalID.
func (m *Manager) Snapshot(canonicalID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensureLocked(canonicalID)
	return State{
		Order:    slices.Clone(st.order),
		EdgeIDs:  maps.Clone(st.edgeIDs),
		PageInfo: maps.Clone(st.pageInfo),
		Typename: st.typename,
		Seq:      st.seq,
	}
}

// Restore reinstates a previously captured union state and rewrites the
// canonical records to match.
func (m *Manager) Restore(canonicalID string, snap State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensureLocked(canonicalID)
	st.order = slices.Clone(snap.Order)
	st.edgeIDs = maps.Clone(snap.EdgeIDs)
	if st.edgeIDs == nil {
		st.edgeIDs = make(map[string]string)
	}
	st.pageInfo = maps.Clone(snap.PageInfo)
	if st.pageInfo == nil {
		st.pageInfo = make(map[string]graph.Value)
	}
	st.typename = snap.Typename
	st.seq = snap.Seq
	m.syncLocked(canonicalID, st, nil)
}

// ReplaceNodeID rewrites a node id everywhere it appears in the union:
// in the order, in the edge index, and in the canonical edge record's
// node reference. Used when a commit maps a placeholder id to a server
// id.
func (m *Manager) ReplaceNodeID(canonicalID, oldID, newID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.ensureLocked(canonicalID)
	i := slices.Index(st.order, oldID)
	if i < 0 {
		return
	}
	st.order[i] = newID
	edgeID := st.edgeIDs[oldID]
	delete(st.edgeIDs, oldID)
	st.edgeIDs[newID] = edgeID
	if edgeID != "" {
		m.graph.PutRecord(edgeID, map[string]graph.Value{"node": graph.Ref(newID)})
	}
	m.syncLocked(canonicalID, st, nil)
}

// ensureLocked returns the state for canonicalID, hydrating it from an
// existing canonical record (e.g. after SSR hydrate or storage load) when
// the manager has not seen the id yet.
func (m *Manager) ensureLocked(canonicalID string) *state {
	if st, ok := m.states[canonicalID]; ok {
		return st
	}

	st := &state{
		edgeIDs:  make(map[string]string),
		pageInfo: make(map[string]graph.Value),
		typename: "Connection",
	}

	if rec, ok := m.graph.GetRecord(canonicalID); ok {
		if tn := rec.Typename(); tn != "" {
			st.typename = tn
		}
		if v, ok := rec.Get("edges"); ok {
			if edgeIDs, ok := v.RefIDs(); ok {
				for _, edgeID := range edgeIDs {
					edgeRec, ok := m.graph.GetRecord(edgeID)
					if !ok {
						continue
					}
					nodeVal, ok := edgeRec.Get("node")
					if !ok {
						continue
					}
					nodeID, ok := nodeVal.RefID()
					if !ok {
						continue
					}
					st.order = append(st.order, nodeID)
					st.edgeIDs[nodeID] = edgeID
					st.seq++
				}
			}
		}
		if rec, ok := m.graph.GetRecord(keys.PageInfoID(canonicalID)); ok {
			st.pageInfo = rec.FieldMap()
		}
	}

	m.states[canonicalID] = st
	return st
}

// writeEdgeLocked creates or refreshes the canonical edge record for one
// contributed edge.
func (m *Manager) writeEdgeLocked(canonicalID string, st *state, e Edge) {
	edgeID, ok := st.edgeIDs[e.NodeID]
	if !ok {
		edgeID = keys.EdgeID(canonicalID, st.seq)
		st.seq++
		st.edgeIDs[e.NodeID] = edgeID
	}

	fields := make(map[string]graph.Value, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	if _, ok := fields[graph.TypenameField]; !ok {
		fields[graph.TypenameField] = graph.Scalar(st.typename + "Edge")
	}
	fields["node"] = graph.Ref(e.NodeID)
	m.graph.PutRecord(edgeID, fields)
}

// mergePageInfoLocked folds the page's pageInfo into the canonical one.
// head/tail select which boundary fields the page is authoritative for.
func (m *Manager) mergePageInfoLocked(st *state, pageInfo map[string]graph.Value, head, tail bool) {
	if st.pageInfo == nil {
		st.pageInfo = make(map[string]graph.Value)
	}
	if tn, ok := pageInfo[graph.TypenameField]; ok {
		st.pageInfo[graph.TypenameField] = tn
	} else if _, ok := st.pageInfo[graph.TypenameField]; !ok {
		st.pageInfo[graph.TypenameField] = graph.Scalar("PageInfo")
	}
	if head {
		if v, ok := pageInfo[FieldStartCursor]; ok {
			st.pageInfo[FieldStartCursor] = v
		}
		if v, ok := pageInfo[FieldHasPreviousPage]; ok {
			st.pageInfo[FieldHasPreviousPage] = v
		}
	}
	if tail {
		if v, ok := pageInfo[FieldEndCursor]; ok {
			st.pageInfo[FieldEndCursor] = v
		}
		if v, ok := pageInfo[FieldHasNextPage]; ok {
			st.pageInfo[FieldHasNextPage] = v
		}
	}
}

// syncLocked rewrites the canonical Connection record, its edges
// ref-array, and its pageInfo record from the state.
func (m *Manager) syncLocked(canonicalID string, st *state, containers map[string]graph.Value) {
	edgeRefs := make([]string, 0, len(st.order))
	for _, nodeID := range st.order {
		if edgeID, ok := st.edgeIDs[nodeID]; ok {
			edgeRefs = append(edgeRefs, edgeID)
		}
	}

	pageInfoID := keys.PageInfoID(canonicalID)
	if len(st.pageInfo) > 0 {
		m.graph.PutRecord(pageInfoID, st.pageInfo)
	}

	fields := map[string]graph.Value{
		graph.TypenameField: graph.Scalar(st.typename),
		"edges":             graph.RefList(edgeRefs),
		"pageInfo":          graph.Ref(pageInfoID),
	}
	for k, v := range containers {
		fields[k] = v
	}
	m.graph.PutRecord(canonicalID, fields)
}

// EdgeIDFor returns the canonical edge record id for a node, "" when the
// node is not in the union.
func (m *Manager) EdgeIDFor(canonicalID, nodeID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensureLocked(canonicalID)
	return st.edgeIDs[nodeID]
}

// Drop removes one union entirely: its state, its canonical record, its
// pageInfo record, and its edge records. Used to tear down connections a
// reverted layer initialized.
func (m *Manager) Drop(canonicalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[canonicalID]
	if !ok {
		if _, exists := m.graph.GetRecord(canonicalID); !exists {
			return
		}
		st = m.ensureLocked(canonicalID)
	}
	for _, edgeID := range st.edgeIDs {
		m.graph.DeleteRecord(edgeID)
	}
	m.graph.DeleteRecord(keys.PageInfoID(canonicalID))
	m.graph.DeleteRecord(canonicalID)
	delete(m.states, canonicalID)
}

// Virgin reports whether the snapshot was taken before the union was
// ever materialized. Restoring a virgin snapshot drops the union.
func (s State) Virgin() bool {
	return s.Seq == 0 && len(s.Order) == 0 && len(s.PageInfo) == 0
}

// Forget drops the in-memory union state for every canonical id. Graph
// records are untouched; states lazily rebuild from them. Used by SSR
// hydrate, which replaces the graph wholesale.
func (m *Manager) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*state)
}

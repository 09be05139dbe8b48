package document

import (
	"strconv"

	"github.com/lockvoid/cachebay/diag"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/keys"
	"github.com/lockvoid/cachebay/plan"
)

// MaterializeOptions configures one materialization pass.
type MaterializeOptions struct {
	// RootID overrides the record the plan's root selection reads from.
	// Defaults to the root record for operation plans; fragment reads
	// pass the entity id here.
	RootID string

	// Canonical reads connection fields from the canonical union rather
	// than the strict page.
	Canonical bool

	// Force skips the memo read; the fresh result still refreshes the
	// memo entry.
	Force bool

	// Fingerprint attaches a deterministic __version token to each
	// returned entity snapshot.
	Fingerprint bool
}

// Result is one materialized read.
//
// Data is nil when the root record is absent. Deps lists every record id
// the read touched or attempted, including missing targets, so watchers
// re-emit once a dangling target appears. Hash is a structural digest of
// Data that ignores injected __version tokens.
type Result struct {
	Data        map[string]any
	Deps        map[string]struct{}
	Hash        uint64
	Diagnostics diag.Result
}

// Materialize produces the result tree for plan + variables against the
// current graph.
//
// Two successive calls with the same inputs and no intervening graph
// change return the same *Result (reference equality). Any flushed write
// touching a record the last result read invalidates the memo entry.
func (d *Documents) Materialize(p *plan.Plan, vars map[string]any, opts MaterializeOptions) *Result {
	rootID := opts.RootID
	if rootID == "" {
		rootID = keys.RootID
	}
	key := NewRef(p.ID, opts.Canonical, p.MakeVarsKey(opts.Canonical, vars), rootID, opts.Fingerprint)

	if !opts.Force {
		if cached, ok := d.memoLookup(key); ok {
			return cached
		}
	}

	collector := diag.NewCollector(diag.NoLimit)
	m := &materializer{
		docs:        d,
		vars:        vars,
		canonical:   opts.Canonical,
		fingerprint: opts.Fingerprint,
		deps:        map[string]struct{}{rootID: {}},
		collector:   collector,
	}

	var data map[string]any
	if rec, ok := d.graph.GetRecord(rootID); ok {
		data = m.readObject(rootID, rec, p.Root, "$")
	} else {
		// Root connections still contribute dependencies so a watcher
		// with no data yet wakes up when pages land.
		for id := range p.Dependencies(opts.Canonical, vars) {
			m.deps[id] = struct{}{}
		}
	}

	result := &Result{
		Data:        data,
		Deps:        m.deps,
		Diagnostics: collector.Result(),
	}
	result.Hash = structuralHash(data)

	d.memoStore(key, result)
	return result
}

// materializer carries per-pass state through the graph walk.
type materializer struct {
	docs        *Documents
	vars        map[string]any
	canonical   bool
	fingerprint bool
	deps        map[string]struct{}
	collector   *diag.Collector
}

// readObject materializes one record through a selection. Fields that
// are absent, dangling, or guarded away are omitted from the result.
func (m *materializer) readObject(id string, rec *graph.Record, selection []*plan.Field, path string) map[string]any {
	m.deps[id] = struct{}{}
	typename := rec.Typename()

	out := make(map[string]any, len(selection))
	if typename != "" {
		out["__typename"] = typename
	}
	if m.fingerprint {
		out["__version"] = strconv.FormatUint(rec.Version(), 10)
	}

	for _, f := range selection {
		if f.Name == "__typename" {
			continue
		}
		if !f.Include(m.vars) {
			continue
		}
		if f.TypeCondition != "" && !m.docs.ident.Matches(typename, f.TypeCondition) {
			continue
		}

		fieldPath := path + "." + f.ResponseKey

		if f.IsConnection {
			connID := f.ConnectionID(id, m.canonical, m.vars)
			if conn := m.readConnection(connID, f, fieldPath); conn != nil {
				out[f.ResponseKey] = conn
			}
			continue
		}

		value, ok := rec.Get(f.FieldKey(m.vars))
		if !ok {
			continue
		}
		if materialized, ok := m.readValue(value, f, fieldPath); ok {
			out[f.ResponseKey] = materialized
		}
	}
	return out
}

// readValue materializes one stored value. ok=false means the field is
// unavailable (dangling ref) and must be omitted.
func (m *materializer) readValue(value graph.Value, f *plan.Field, path string) (any, bool) {
	switch value.Kind() {
	case graph.KindScalar:
		v, _ := value.ScalarValue()
		return v, true
	case graph.KindList:
		elems, _ := value.ListValues()
		out := make([]any, len(elems))
		copy(out, elems)
		return out, true
	case graph.KindRef:
		refID, _ := value.RefID()
		m.deps[refID] = struct{}{}
		rec, ok := m.docs.graph.GetRecord(refID)
		if !ok {
			m.dangling(refID, path)
			return nil, false
		}
		return m.readObject(refID, rec, f.Selection, path), true
	case graph.KindRefList:
		refIDs, _ := value.RefIDs()
		out := make([]any, 0, len(refIDs))
		for i, refID := range refIDs {
			m.deps[refID] = struct{}{}
			rec, ok := m.docs.graph.GetRecord(refID)
			if !ok {
				m.dangling(refID, path+"["+strconv.Itoa(i)+"]")
				continue
			}
			out = append(out, m.readObject(refID, rec, f.Selection, path+"["+strconv.Itoa(i)+"]"))
		}
		return out, true
	default:
		return nil, false
	}
}

// readConnection materializes a connection record: ordered edges with
// materialized nodes, pageInfo, and container fields.
func (m *materializer) readConnection(connID string, f *plan.Field, path string) map[string]any {
	m.deps[connID] = struct{}{}
	rec, ok := m.docs.graph.GetRecord(connID)
	if !ok {
		return nil
	}

	typename := rec.Typename()
	out := make(map[string]any, len(f.Selection)+1)
	if typename != "" {
		out["__typename"] = typename
	}

	for _, child := range f.Selection {
		if child.Name == "__typename" || !child.Include(m.vars) {
			continue
		}
		childPath := path + "." + child.ResponseKey

		switch child.Name {
		case "edges":
			value, ok := rec.Get(child.FieldKey(m.vars))
			if !ok {
				continue
			}
			edgeIDs, ok := value.RefIDs()
			if !ok {
				continue
			}
			edges := make([]any, 0, len(edgeIDs))
			for i, edgeID := range edgeIDs {
				m.deps[edgeID] = struct{}{}
				edgeRec, ok := m.docs.graph.GetRecord(edgeID)
				if !ok {
					m.dangling(edgeID, childPath+"["+strconv.Itoa(i)+"]")
					continue
				}
				edge := m.readObject(edgeID, edgeRec, child.Selection, childPath+"["+strconv.Itoa(i)+"]")
				// An edge whose node reference dangles is dropped whole:
				// a cursor without its node is not a usable edge.
				if hasNodeSelection(child) {
					if _, ok := edge["node"]; !ok {
						continue
					}
				}
				edges = append(edges, edge)
			}
			out[child.ResponseKey] = edges
		default:
			value, ok := rec.Get(child.FieldKey(m.vars))
			if !ok {
				continue
			}
			if materialized, ok := m.readValue(value, child, childPath); ok {
				out[child.ResponseKey] = materialized
			}
		}
	}
	return out
}

func (m *materializer) dangling(targetID, path string) {
	m.collector.Collect(diag.NewIssue(diag.Warning, diag.E_DANGLING_REF,
		"reference target is missing; field unavailable").
		WithPath(path).
		WithDetail(diag.DetailKeyTargetID, targetID).
		Build())
}

func hasNodeSelection(edgesField *plan.Field) bool {
	for _, child := range edgesField.Selection {
		if child.Name == "node" {
			return true
		}
	}
	return false
}

// HasData reports whether the result carries usable root data: at least
// one field beyond the __typename and __version meta keys.
func (r *Result) HasData() bool {
	if r == nil || r.Data == nil {
		return false
	}
	for k := range r.Data {
		if k != "__typename" && k != "__version" {
			return true
		}
	}
	return false
}

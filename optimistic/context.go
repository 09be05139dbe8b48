package optimistic

import (
	"maps"
	"sort"

	"github.com/lockvoid/cachebay/diag"
	"github.com/lockvoid/cachebay/document"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/canon"
	"github.com/lockvoid/cachebay/internal/keys"
	"github.com/lockvoid/cachebay/plan"
)

// Phase identifies which run of the builder is executing.
type Phase uint8

const (
	// PhaseOptimistic is the initial synchronous run.
	PhaseOptimistic Phase = iota

	// PhaseCommit is the re-run with the server payload.
	PhaseCommit
)

// String returns the phase's label.
func (p Phase) String() string {
	if p == PhaseCommit {
		return "commit"
	}
	return "optimistic"
}

// Context is the builder's view of one layer run.
type Context struct {
	engine *Engine
	layer  *layer
	phase  Phase
	data   any

	// apply routes operations straight into the graph; when false (the
	// commit collection run), operations are logged for pairing instead.
	apply     bool
	commitOps []op
}

// Phase returns the current run phase.
func (c *Context) Phase() Phase {
	return c.phase
}

// Data returns the server payload on the commit run, nil otherwise.
func (c *Context) Data() any {
	return c.data
}

// PatchMode selects how Patch combines data with the stored record.
type PatchMode uint8

const (
	// Merge shallow-merges the patch into the record (the default).
	Merge PatchMode = iota

	// Replace replaces the record's fields wholesale, preserving only
	// __typename when the patch omits it.
	Replace
)

// Patch updates an entity record. target is a record id string or an
// object carrying __typename plus key fields. data is a field map or a
// func(prev) returning one; prev is the record's current field map.
func (c *Context) Patch(target any, data any, mode ...PatchMode) {
	id, ok := c.resolveTarget(target)
	if !ok {
		c.ignoreTarget("patch target is not identifiable")
		return
	}

	m := Merge
	if len(mode) > 0 {
		m = mode[0]
	}

	fields := c.resolvePatchData(id, data)
	if fields == nil {
		return
	}

	c.record(op{
		kind:    opPatch,
		target:  id,
		fields:  fields,
		replace: m == Replace,
	})
}

// Delete removes an entity record.
func (c *Context) Delete(target any) {
	id, ok := c.resolveTarget(target)
	if !ok {
		c.ignoreTarget("delete target is not identifiable")
		return
	}
	c.record(op{kind: opDelete, target: id})
}

// ConnectionSpec names a canonical connection.
//
// Either set Canonical to a full canonical record id, or set Parent
// (entity id, "" for root), Key, and Filters. Filter keys are encoded in
// sorted order; connections whose document declares filters in a
// different order should pass Canonical explicitly.
type ConnectionSpec struct {
	Parent    string
	Key       string
	Filters   map[string]any
	Canonical string
}

func (s ConnectionSpec) id() string {
	if s.Canonical != "" {
		return s.Canonical
	}
	parent := s.Parent
	if parent == "" {
		parent = keys.RootID
	}
	names := make([]string, 0, len(s.Filters))
	for name := range s.Filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return keys.CanonicalID(parent, s.Key, keys.MarshalArgs(names, s.Filters))
}

// Connection returns a handle on a canonical connection.
func (c *Context) Connection(spec ConnectionSpec) *ConnectionHandle {
	return &ConnectionHandle{ctx: c, canonicalID: spec.id()}
}

// ConnectionHandle mutates one canonical connection inside the layer.
type ConnectionHandle struct {
	ctx         *Context
	canonicalID string
}

// Position names where AddNode inserts relative to the union.
//
// Values mirror the connection manager's positions one-to-one.
type Position uint8

const (
	// End appends the node after the current tail (the default).
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

// AddNodeOptions configures node insertion.
type AddNodeOptions struct {
	// Position is where the node lands.
	Position Position

	// Anchor is the reference node for After/Before, as a record id or an
	// identifiable object. A missing anchor falls back to the end (After)
	// or the start (Before).
	Anchor any

	// Edge holds extra edge fields (cursor, metadata).
	Edge map[string]any

	// Fragment, when set, normalizes the node through the fragment
	// instead of a shallow field write, and initializes any nested
	// connections the fragment declares so subsequent reads see
	// empty-but-valid connections. Initialization is part of the layer
	// and is torn down on revert.
	Fragment     string
	FragmentName string
	Variables    map[string]any
}

// AddNode inserts a node into the connection. Nodes without __typename
// or a derivable key are silently ignored (recorded as a diagnostic on
// the transaction).
func (h *ConnectionHandle) AddNode(node map[string]any, opts ...AddNodeOptions) {
	c := h.ctx

	var o AddNodeOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	nodeID, ok := c.engine.ident.EntityID(node)
	if !ok {
		c.layer.collector.Collect(diag.NewIssue(diag.Info, diag.E_UNKEYABLE_NODE,
			"connection node without __typename or key ignored").
			WithDetail(diag.DetailKeyLayerID, c.layer.id).
			Build())
		return
	}

	anchor := ""
	if o.Anchor != nil {
		if anchorID, ok := c.resolveTarget(o.Anchor); ok {
			anchor = anchorID
		}
	}
	if (o.Position == After || o.Position == Before) && anchor != "" {
		if !c.engine.canon.Contains(h.canonicalID, anchor) {
			c.layer.collector.Collect(diag.NewIssue(diag.Info, diag.E_MISSING_ANCHOR,
				"anchor node not in connection; insertion falls back").
				WithDetail(diag.DetailKeyLayerID, c.layer.id).
				WithDetail(diag.DetailKeyTargetID, anchor).
				Build())
		}
	}

	c.record(op{
		kind:         opAddNode,
		target:       h.canonicalID,
		nodeID:       nodeID,
		node:         maps.Clone(node),
		nodeFields:   toValues(flattenNode(node)),
		edgeFields:   toValues(o.Edge),
		pos:          canon.Position(o.Position),
		anchor:       anchor,
		fragment:     o.Fragment,
		fragmentName: o.FragmentName,
		variables:    o.Variables,
	})
}

// RemoveNode removes a node from the connection's canonical union;
// strict pages keep it.
func (h *ConnectionHandle) RemoveNode(ref any) {
	c := h.ctx
	nodeID, ok := c.resolveTarget(ref)
	if !ok {
		c.ignoreTarget("removeNode target is not identifiable")
		return
	}
	c.record(op{kind: opRemoveNode, target: h.canonicalID, nodeID: nodeID})
}

// Patch updates the connection's container fields and pageInfo. fields
// is a field map or a func(prev) returning one; a "pageInfo" key holding
// an object routes to the pageInfo record.
func (h *ConnectionHandle) Patch(fields any) {
	c := h.ctx

	var data map[string]any
	switch v := fields.(type) {
	case map[string]any:
		data = v
	case func(prev map[string]any) map[string]any:
		data = v(c.connectionState(h.canonicalID))
	default:
		c.ignoreTarget("connection patch expects a map or func")
		return
	}
	if len(data) == 0 {
		return
	}

	containers := make(map[string]graph.Value, len(data))
	var pageInfo map[string]graph.Value
	for k, v := range data {
		if k == "pageInfo" {
			if info, ok := v.(map[string]any); ok {
				pageInfo = toValues(info)
			}
			continue
		}
		containers[k] = toValue(v)
	}

	c.record(op{
		kind:     opConnPatch,
		target:   h.canonicalID,
		fields:   containers,
		pageInfo: pageInfo,
	})
}

// record routes an operation: applied and logged on apply runs,
// collected for pairing on the commit run.
func (c *Context) record(o op) {
	if !c.apply {
		c.commitOps = append(c.commitOps, o)
		return
	}
	c.applyOp(o)
}

// applyOp captures baselines, applies the operation to the graph, and
// logs it on the layer.
func (c *Context) applyOp(o op) {
	e := c.engine
	l := c.layer

	switch o.kind {
	case opPatch:
		e.captureRecord(l, o.target)
		if o.replace {
			fields := maps.Clone(o.fields)
			if _, ok := fields[graph.TypenameField]; !ok {
				if rec, ok := e.graph.GetRecord(o.target); ok {
					if tn := rec.Typename(); tn != "" {
						fields[graph.TypenameField] = graph.Scalar(tn)
					}
				}
			}
			e.graph.ReplaceRecord(o.target, graph.NewRecord(fields))
		} else {
			e.graph.PutRecord(o.target, o.fields)
		}
	case opDelete:
		e.captureRecord(l, o.target)
		e.graph.DeleteRecord(o.target)
	case opAddNode:
		e.captureCanonical(l, o.target)
		e.captureRecord(l, o.target)
		e.captureRecord(l, keys.PageInfoID(o.target))
		e.captureRecord(l, o.nodeID)
		c.writeNode(o)
		e.canon.AddNode(o.target, o.nodeID, o.edgeFields, o.pos, o.anchor)
	case opRemoveNode:
		e.captureCanonical(l, o.target)
		e.captureRecord(l, o.target)
		e.canon.RemoveNode(o.target, o.nodeID)
	case opConnPatch:
		e.captureCanonical(l, o.target)
		e.captureRecord(l, o.target)
		e.captureRecord(l, keys.PageInfoID(o.target))
		e.canon.Patch(o.target, o.fields, o.pageInfo)
	}

	l.ops = append(l.ops, o)
}

// writeNode writes the inserted node's entity record, through its
// fragment when one was supplied.
func (c *Context) writeNode(o op) {
	e := c.engine

	if o.fragment != "" && e.plans != nil && e.docs != nil {
		fragPlan, err := e.plans.Load(o.fragment, plan.WithFragmentName(o.fragmentName))
		if err == nil {
			e.docs.Normalize(fragPlan, o.variables, o.node, document.NormalizeOptions{RootID: o.nodeID})
			for _, f := range fragPlan.Root {
				if !f.IsConnection {
					continue
				}
				canonicalID := f.CanonicalID(o.nodeID, o.variables)
				e.captureCanonical(c.layer, canonicalID)
				e.captureRecord(c.layer, canonicalID)
				e.captureRecord(c.layer, keys.PageInfoID(canonicalID))
				e.canon.Initialize(canonicalID, "")
			}
			return
		}
		c.layer.collector.Collect(diag.NewIssue(diag.Error, diag.E_INTERNAL,
			"addNode fragment failed to compile: "+err.Error()).
			WithDetail(diag.DetailKeyLayerID, c.layer.id).
			Build())
	}

	e.graph.PutRecord(o.nodeID, o.nodeFields)
}

// connectionState reads the connection's current container and pageInfo
// values as plain data, for func-style patches.
func (c *Context) connectionState(canonicalID string) map[string]any {
	out := make(map[string]any)
	if rec, ok := c.engine.graph.GetRecord(canonicalID); ok {
		for key, val := range rec.Fields() {
			switch key {
			case "edges", "pageInfo":
				continue
			}
			if s, ok := val.ScalarValue(); ok {
				out[key] = s
			}
		}
	}
	if rec, ok := c.engine.graph.GetRecord(keys.PageInfoID(canonicalID)); ok {
		info := make(map[string]any)
		for key, val := range rec.Fields() {
			if s, ok := val.ScalarValue(); ok {
				info[key] = s
			}
		}
		out["pageInfo"] = info
	}
	return out
}

// resolveTarget turns a record id string or an identifiable object into
// a record id.
func (c *Context) resolveTarget(target any) (string, bool) {
	switch v := target.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case map[string]any:
		return c.engine.ident.EntityID(v)
	default:
		return "", false
	}
}

// resolvePatchData evaluates patch data against the record's current
// fields.
func (c *Context) resolvePatchData(id string, data any) map[string]graph.Value {
	switch v := data.(type) {
	case map[string]any:
		return toValues(v)
	case func(prev map[string]any) map[string]any:
		prev := make(map[string]any)
		if rec, ok := c.engine.graph.GetRecord(id); ok {
			for key, val := range rec.Fields() {
				if s, ok := val.ScalarValue(); ok {
					prev[key] = s
				}
			}
		}
		return toValues(v(prev))
	default:
		c.ignoreTarget("patch data expects a map or func")
		return nil
	}
}

func (c *Context) ignoreTarget(reason string) {
	c.layer.collector.Collect(diag.NewIssue(diag.Info, diag.E_UNKEYABLE_NODE, reason).
		WithDetail(diag.DetailKeyLayerID, c.layer.id).
		Build())
}

// toValues converts a plain field map into stored values: arrays embed,
// everything else stores as a scalar.
func toValues(data map[string]any) map[string]graph.Value {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]graph.Value, len(data))
	for k, v := range data {
		out[k] = toValue(v)
	}
	return out
}

func toValue(v any) graph.Value {
	if list, ok := v.([]any); ok {
		return graph.List(list)
	}
	return graph.Scalar(v)
}

// flattenNode keeps the shallow-writable subset of a node map: every
// value except nested objects, which are reachable only through the
// fragment path. Arrays are kept whole, whatever their elements.
func flattenNode(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		if _, nested := v.(map[string]any); nested {
			continue
		}
		out[k] = v
	}
	return out
}

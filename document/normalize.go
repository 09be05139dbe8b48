package document

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/lockvoid/cachebay/diag"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/canon"
	"github.com/lockvoid/cachebay/internal/keys"
	"github.com/lockvoid/cachebay/internal/trace"
	"github.com/lockvoid/cachebay/plan"
)

// NormalizeOptions configures one normalization pass.
type NormalizeOptions struct {
	// RootID overrides the record the plan's root selection writes into.
	// Defaults to the root record for operation plans; fragment writes
	// pass the entity id here.
	RootID string
}

// Normalize writes response data into the graph according to the plan.
//
// Normalization is best-effort: fields whose shape does not match the
// selection are dropped and reported in the returned result; the write
// never fails. All writes happen inside one graph span, so watchers
// receive a single coalesced notification.
func (d *Documents) Normalize(p *plan.Plan, vars map[string]any, data map[string]any, opts NormalizeOptions) diag.Result {
	collector := diag.NewCollector(diag.NoLimit)

	rootID := opts.RootID
	if rootID == "" {
		rootID = keys.RootID
	}

	op := trace.Begin(context.Background(), d.logger, "cachebay.document.normalize",
		slog.String("plan", p.ID),
		slog.String("root", rootID),
	)
	defer op.End(nil)

	d.graph.Span(func() {
		n := &normalizer{docs: d, vars: vars, collector: collector}
		rootTypename := p.RootTypename
		if rec, ok := d.graph.GetRecord(rootID); ok && rec.Typename() != "" {
			rootTypename = rec.Typename()
		}
		if tn, ok := data["__typename"].(string); ok && tn != "" {
			rootTypename = tn
		}
		n.writeObject(rootID, rootTypename, p.Root, data, "$")
	})

	return collector.Result()
}

// normalizer carries per-pass state through the response walk.
type normalizer struct {
	docs      *Documents
	vars      map[string]any
	collector *diag.Collector
}

// writeObject writes one object's selected fields onto the record with
// the given id. typename is the object's concrete type when known, used
// for type-condition guards.
func (n *normalizer) writeObject(id, typename string, selection []*plan.Field, data map[string]any, path string) {
	fields := make(map[string]graph.Value, len(selection)+1)
	// The root record carries no typename: operation roots are synthetic
	// and their kind must not leak into materialized results.
	if typename != "" && id != keys.RootID {
		fields[graph.TypenameField] = graph.Scalar(typename)
	}

	for _, f := range selection {
		if f.Name == "__typename" {
			continue
		}
		if !f.Include(n.vars) {
			continue
		}
		if f.TypeCondition != "" {
			if typename == "" {
				n.collector.Collect(diag.NewIssue(diag.Error, diag.E_MISSING_TYPENAME,
					"type-guarded selection requires __typename on the parent object").
					WithPath(path).
					WithDetail(diag.DetailKeyRecordID, id).
					WithDetail(diag.DetailKeyFieldKey, f.ResponseKey).
					Build())
				continue
			}
			if !n.docs.ident.Matches(typename, f.TypeCondition) {
				continue
			}
		}

		raw, present := data[f.ResponseKey]
		if !present {
			continue
		}

		fieldKey := f.FieldKey(n.vars)
		fieldPath := path + "." + f.ResponseKey

		value, ok := n.writeField(id, f, fieldKey, raw, fieldPath)
		if !ok {
			continue
		}
		fields[fieldKey] = value
	}

	n.docs.graph.PutRecord(id, fields)
}

// writeField produces the stored value for one field, recursing into
// children as needed. Returns ok=false when the field was dropped.
func (n *normalizer) writeField(parentID string, f *plan.Field, fieldKey string, raw any, path string) (graph.Value, bool) {
	if raw == nil {
		return graph.Scalar(nil), true
	}

	if f.IsConnection {
		obj, ok := raw.(map[string]any)
		if !ok {
			n.dropMalformed(parentID, f, path, "connection field expects an object")
			return graph.Value{}, false
		}
		pageID := n.writePage(parentID, f, obj, path)
		return graph.Ref(pageID), true
	}

	if len(f.Selection) == 0 {
		if list, ok := raw.([]any); ok {
			return graph.List(list), true
		}
		return graph.Scalar(raw), true
	}

	switch v := raw.(type) {
	case map[string]any:
		childID := n.writeChild(parentID, f, f.ResponseKey, v, path)
		return graph.Ref(childID), true
	case []any:
		refs := make([]string, 0, len(v))
		for i, elem := range v {
			elemPath := path + "[" + strconv.Itoa(i) + "]"
			obj, ok := elem.(map[string]any)
			if !ok {
				if elem == nil {
					// Null list entries have no record to point at; the
					// element is dropped from the ref-array.
					continue
				}
				n.dropMalformed(parentID, f, elemPath, "object list expects objects")
				continue
			}
			childID := n.writeChild(parentID, f, f.ResponseKey+"."+strconv.Itoa(i), obj, elemPath)
			refs = append(refs, childID)
		}
		return graph.RefList(refs), true
	default:
		n.dropMalformed(parentID, f, path, fmt.Sprintf("selection field expects an object, got %T", raw))
		return graph.Value{}, false
	}
}

// writeChild writes a nested object, either as an entity record or as an
// embedded sub-record under the parent, and returns its record id.
func (n *normalizer) writeChild(parentID string, f *plan.Field, responseKey string, obj map[string]any, path string) string {
	typename, _ := obj["__typename"].(string)

	childID, keyable := n.docs.ident.EntityID(obj)
	if !keyable {
		childID = keys.SubID(parentID, responseKey)
	}
	n.writeObject(childID, typename, f.Selection, obj, path)
	return childID
}

// writePage writes a connection response as a strict page and notifies
// the canonical manager. Returns the page record id.
func (n *normalizer) writePage(parentID string, f *plan.Field, obj map[string]any, path string) string {
	pageID := f.PageID(parentID, n.vars)
	typename, _ := obj["__typename"].(string)
	if typename == "" {
		typename = "Connection"
	}

	pageFields := map[string]graph.Value{
		graph.TypenameField: graph.Scalar(typename),
	}
	var canonEdges []canon.Edge
	var pageInfoFields map[string]graph.Value
	containers := make(map[string]graph.Value)

	for _, child := range f.Selection {
		if child.Name == "__typename" || !child.Include(n.vars) {
			continue
		}
		raw, present := obj[child.ResponseKey]
		if !present {
			continue
		}
		childPath := path + "." + child.ResponseKey

		switch child.Name {
		case "edges":
			list, ok := raw.([]any)
			if !ok {
				n.dropMalformed(pageID, child, childPath, "edges expects a list")
				continue
			}
			refs := make([]string, 0, len(list))
			for i, elem := range list {
				edgeObj, ok := elem.(map[string]any)
				if !ok {
					continue
				}
				edgeID := keys.EdgeID(pageID, i)
				nodeID, edgeFields := n.writeEdge(edgeID, child, edgeObj, childPath+"["+strconv.Itoa(i)+"]")
				refs = append(refs, edgeID)
				if nodeID != "" {
					canonEdges = append(canonEdges, canon.Edge{NodeID: nodeID, Fields: edgeFields})
				}
			}
			pageFields[child.FieldKey(n.vars)] = graph.RefList(refs)
		case "pageInfo":
			infoObj, ok := raw.(map[string]any)
			if !ok {
				n.dropMalformed(pageID, child, childPath, "pageInfo expects an object")
				continue
			}
			infoID := keys.PageInfoID(pageID)
			n.writeObject(infoID, typenameOf(infoObj, "PageInfo"), child.Selection, infoObj, childPath)
			if rec, ok := n.docs.graph.GetRecord(infoID); ok {
				pageInfoFields = rec.FieldMap()
			}
			pageFields[child.FieldKey(n.vars)] = graph.Ref(infoID)
		default:
			value, ok := n.writeField(pageID, child, child.FieldKey(n.vars), raw, childPath)
			if !ok {
				continue
			}
			pageFields[child.FieldKey(n.vars)] = value
			containers[child.FieldKey(n.vars)] = value
		}
	}

	n.docs.graph.PutRecord(pageID, pageFields)

	pageArgs := f.PageArguments(n.vars)
	n.docs.canon.PageWritten(
		f.CanonicalID(parentID, n.vars),
		typename,
		canonEdges,
		pageInfoFields,
		containers,
		canon.Pagination{
			HasAfter:  pageArgs["after"] != nil,
			HasBefore: pageArgs["before"] != nil,
			HasFirst:  pageArgs["first"] != nil,
			HasLast:   pageArgs["last"] != nil,
		},
	)
	return pageID
}

// writeEdge writes one edge record. Returns the node's record id ("" for
// unkeyable nodes, which stay out of the canonical union) and the edge's
// scalar fields for canonical metadata.
func (n *normalizer) writeEdge(edgeID string, edgesField *plan.Field, edgeObj map[string]any, path string) (string, map[string]graph.Value) {
	edgeFields := make(map[string]graph.Value, len(edgeObj))
	edgeFields[graph.TypenameField] = graph.Scalar(typenameOf(edgeObj, "Edge"))
	metaFields := map[string]graph.Value{
		graph.TypenameField: edgeFields[graph.TypenameField],
	}

	var nodeID string
	for _, child := range edgesField.Selection {
		if child.Name == "__typename" || !child.Include(n.vars) {
			continue
		}
		raw, present := edgeObj[child.ResponseKey]
		if !present {
			continue
		}
		childPath := path + "." + child.ResponseKey

		if child.Name == "node" {
			nodeObj, ok := raw.(map[string]any)
			if !ok {
				if raw != nil {
					n.dropMalformed(edgeID, child, childPath, "node expects an object")
				}
				continue
			}
			childID := n.writeChild(edgeID, child, child.ResponseKey, nodeObj, childPath)
			edgeFields[child.FieldKey(n.vars)] = graph.Ref(childID)
			if _, keyable := n.docs.ident.EntityID(nodeObj); keyable {
				nodeID = childID
			}
			continue
		}

		value, ok := n.writeField(edgeID, child, child.FieldKey(n.vars), raw, childPath)
		if !ok {
			continue
		}
		edgeFields[child.FieldKey(n.vars)] = value
		metaFields[child.FieldKey(n.vars)] = value
	}

	n.docs.graph.PutRecord(edgeID, edgeFields)
	return nodeID, metaFields
}

func (n *normalizer) dropMalformed(recordID string, f *plan.Field, path, reason string) {
	n.collector.Collect(diag.NewIssue(diag.Error, diag.E_MALFORMED_FIELD, reason).
		WithPath(path).
		WithDetail(diag.DetailKeyRecordID, recordID).
		WithDetail(diag.DetailKeyFieldKey, f.ResponseKey).
		Build())
}

func typenameOf(obj map[string]any, fallback string) string {
	if tn, ok := obj["__typename"].(string); ok && tn != "" {
		return tn
	}
	return fallback
}

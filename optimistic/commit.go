package optimistic

import (
	"context"
	"log/slog"

	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/trace"
)

// Commit re-executes the builder in the commit phase with the server
// payload, maps placeholder ids to server ids, rewrites them everywhere,
// applies the server values, and folds the layer into the baseline.
//
// The server payload must be known at commit time. Committing twice, or
// after a revert, is a no-op. A builder error during the commit run
// reverts the layer and returns the error.
func (t *Transaction) Commit(serverData any) error {
	if t == nil {
		return nil
	}
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	l := t.layer
	if l.committed || l.reverted {
		return nil
	}

	op := trace.Begin(context.Background(), e.logger, "cachebay.optimistic.commit",
		slog.String("layer", l.id),
	)

	collect := &Context{engine: e, layer: l, phase: PhaseCommit, data: serverData, apply: false}
	if err := l.builder(collect); err != nil {
		l.reverted = true
		e.removeLayerLocked(l)
		records, canonicals := l.touchedIDs()
		e.graph.Span(func() {
			e.restoreLayerLocked(l)
			for _, later := range e.layers {
				e.replayLayerLocked(later, records, canonicals)
			}
		})
		op.End(err)
		return err
	}

	idMap := matchPlaceholders(l.ops, collect.commitOps)

	e.graph.Span(func() {
		for oldID, newID := range idMap {
			e.rewriteID(l, oldID, newID)
		}

		apply := &Context{engine: e, layer: l, phase: PhaseCommit, data: serverData, apply: true}
		for _, o := range collect.commitOps {
			apply.applyOp(o)
		}
	})

	l.committed = true
	e.removeLayerLocked(l)
	op.End(nil)
	return nil
}

// matchPlaceholders pairs optimistic ops with commit ops positionally
// per kind and returns the placeholder → server id mapping.
func matchPlaceholders(optimisticOps, commitOps []op) map[string]string {
	idMap := make(map[string]string)

	pair := func(kind opKind, fn func(opt, com op)) {
		j := 0
		for _, opt := range optimisticOps {
			if opt.kind != kind {
				continue
			}
			for j < len(commitOps) && commitOps[j].kind != kind {
				j++
			}
			if j >= len(commitOps) {
				return
			}
			fn(opt, commitOps[j])
			j++
		}
	}

	pair(opAddNode, func(opt, com op) {
		if opt.nodeID != com.nodeID && opt.nodeID != "" && com.nodeID != "" {
			idMap[opt.nodeID] = com.nodeID
		}
	})
	pair(opPatch, func(opt, com op) {
		if opt.target != com.target && opt.target != "" && com.target != "" {
			idMap[opt.target] = com.target
		}
	})
	return idMap
}

// rewriteID moves a placeholder record under its server id and rewrites
// every reference to it: entity refs, ref-arrays, and canonical unions.
func (e *Engine) rewriteID(l *layer, oldID, newID string) {
	if rec, ok := e.graph.GetRecord(oldID); ok {
		e.graph.PutRecord(newID, rec.FieldMap())
		e.graph.DeleteRecord(oldID)
	}

	for id, rec := range e.graph.Snapshot() {
		var patch map[string]graph.Value
		for key, val := range rec.Fields() {
			switch val.Kind() {
			case graph.KindRef:
				ref, _ := val.RefID()
				if ref != oldID {
					continue
				}
				if patch == nil {
					patch = make(map[string]graph.Value)
				}
				patch[key] = graph.Ref(newID)
			case graph.KindRefList:
				refs, _ := val.RefIDs()
				hit := false
				for _, ref := range refs {
					if ref == oldID {
						hit = true
						break
					}
				}
				if !hit {
					continue
				}
				rewritten := make([]string, len(refs))
				for i, ref := range refs {
					if ref == oldID {
						rewritten[i] = newID
					} else {
						rewritten[i] = ref
					}
				}
				if patch == nil {
					patch = make(map[string]graph.Value)
				}
				patch[key] = graph.RefList(rewritten)
			}
		}
		if patch != nil {
			e.graph.PutRecord(id, patch)
		}
	}

	for canonicalID := range l.canonBase {
		e.canon.ReplaceNodeID(canonicalID, oldID, newID)
	}

	// Later layers' captured baselines may hold references to the
	// placeholder; rewrite them so a later revert cannot resurrect it.
	for _, later := range e.layers {
		if later == l {
			continue
		}
		for id, base := range later.recordBase {
			if base.record == nil {
				continue
			}
			if rewritten := rewriteRecordRefs(base.record, oldID, newID); rewritten != nil {
				later.recordBase[id] = &baseRecord{record: rewritten}
			}
		}
		for canonicalID, snap := range later.canonBase {
			changed := false
			for i, nodeID := range snap.Order {
				if nodeID == oldID {
					snap.Order[i] = newID
					changed = true
				}
			}
			if edgeID, ok := snap.EdgeIDs[oldID]; ok {
				delete(snap.EdgeIDs, oldID)
				snap.EdgeIDs[newID] = edgeID
				changed = true
			}
			if changed {
				later.canonBase[canonicalID] = snap
			}
		}
	}
}

// rewriteRecordRefs returns a copy of rec with references to oldID
// pointing at newID, or nil when the record holds none.
func rewriteRecordRefs(rec *graph.Record, oldID, newID string) *graph.Record {
	var patched map[string]graph.Value
	for key, val := range rec.Fields() {
		switch val.Kind() {
		case graph.KindRef:
			ref, _ := val.RefID()
			if ref != oldID {
				continue
			}
			if patched == nil {
				patched = rec.FieldMap()
			}
			patched[key] = graph.Ref(newID)
		case graph.KindRefList:
			refs, _ := val.RefIDs()
			for _, ref := range refs {
				if ref == oldID {
					if patched == nil {
						patched = rec.FieldMap()
					}
					rewritten := make([]string, len(refs))
					for i, r := range refs {
						if r == oldID {
							rewritten[i] = newID
						} else {
							rewritten[i] = r
						}
					}
					patched[key] = graph.RefList(rewritten)
					break
				}
			}
		}
	}
	if patched == nil {
		return nil
	}
	return graph.NewRecord(patched)
}

package optimistic

import (
	"slices"
)

// Scope selects what a Replay rebuilds.
type Scope struct {
	// Entities lists entity record ids to rebuild.
	Entities []string

	// Connections lists canonical connection ids to rebuild.
	Connections []string
}

// ReplayResult reports node membership changes across the scoped
// connections.
type ReplayResult struct {
	Added   []string
	Removed []string
}

// Replay rebuilds the scoped records and connections from the baseline
// plus all active layers, in layer insertion order.
//
// Replay is idempotent for a fixed set of active layers and scope: the
// rebuilt state depends only on the captured baselines and the logged
// operations. The result diffs scoped connection membership before and
// after the rebuild.
func (e *Engine) Replay(scope Scope) ReplayResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	before := make(map[string][]string, len(scope.Connections))
	for _, canonicalID := range scope.Connections {
		before[canonicalID] = e.canon.NodeIDs(canonicalID)
	}

	records := make(map[string]struct{}, len(scope.Entities))
	for _, id := range scope.Entities {
		records[id] = struct{}{}
	}
	canonicals := make(map[string]struct{}, len(scope.Connections))
	for _, id := range scope.Connections {
		canonicals[id] = struct{}{}
	}

	e.graph.Span(func() {
		// Restore each scoped id to the earliest captured baseline among
		// the active layers; untouched ids keep their current state.
		for id := range records {
			for _, l := range e.layers {
				if base, ok := l.recordBase[id]; ok {
					if base.absent {
						e.graph.ReplaceRecord(id, nil)
					} else {
						e.graph.ReplaceRecord(id, base.record)
					}
					break
				}
			}
		}
		for id := range canonicals {
			for _, l := range e.layers {
				if snap, ok := l.canonBase[id]; ok {
					if snap.Virgin() {
						e.canon.Drop(id)
					} else {
						e.canon.Restore(id, snap)
					}
					break
				}
			}
		}

		for _, l := range e.layers {
			e.replayLayerScopedLocked(l, records, canonicals)
		}
	})

	var result ReplayResult
	for _, canonicalID := range scope.Connections {
		after := e.canon.NodeIDs(canonicalID)
		for _, nodeID := range after {
			if !slices.Contains(before[canonicalID], nodeID) {
				result.Added = append(result.Added, nodeID)
			}
		}
		for _, nodeID := range before[canonicalID] {
			if !slices.Contains(after, nodeID) {
				result.Removed = append(result.Removed, nodeID)
			}
		}
	}
	return result
}

// replayLayerScopedLocked re-applies the subset of a layer's operations
// that touch the scoped ids, re-capturing baselines for them.
func (e *Engine) replayLayerScopedLocked(l *layer, records, canonicals map[string]struct{}) {
	var scoped []op
	var rest []op
	for _, o := range l.ops {
		if opInScope(o, records, canonicals) {
			scoped = append(scoped, o)
		} else {
			rest = append(rest, o)
		}
	}
	if len(scoped) == 0 {
		return
	}

	for id := range records {
		delete(l.recordBase, id)
	}
	for id := range canonicals {
		delete(l.canonBase, id)
	}

	ctx := &Context{engine: e, layer: l, phase: PhaseOptimistic, apply: true}
	l.ops = rest
	for _, o := range scoped {
		ctx.applyOp(o)
	}
}

func opInScope(o op, records, canonicals map[string]struct{}) bool {
	switch o.kind {
	case opPatch, opDelete:
		_, ok := records[o.target]
		return ok
	case opAddNode:
		if _, ok := canonicals[o.target]; ok {
			return true
		}
		_, ok := records[o.nodeID]
		return ok
	case opRemoveNode, opConnPatch:
		_, ok := canonicals[o.target]
		return ok
	default:
		return false
	}
}

package cachebay

import (
	"strings"

	"github.com/lockvoid/cachebay/internal/keys"
)

// Inspection is a diagnostic snapshot of the cache's shape.
type Inspection struct {
	// RecordCount is the total number of records in the graph.
	RecordCount int

	// Entities lists entity record ids in lexicographic order.
	Entities []string

	// Connections lists canonical connection record ids.
	Connections []string

	// Pages lists strict-page record ids.
	Pages []string

	// Edges counts edge sub-records.
	Edges int

	// Watchers is the number of registered query and fragment watchers.
	Watchers int

	// Plans is the number of compiled plans in the registry.
	Plans int

	// MemoEntries is the number of live materialization memo slots.
	MemoEntries int

	// ActiveLayers is the number of uncommitted optimistic layers.
	ActiveLayers int
}

// Inspect returns a diagnostic snapshot: record listings by kind,
// watcher counts, plan counts, and optimistic layer depth.
func (c *Client) Inspect() Inspection {
	ids := c.graph.IDs()

	ins := Inspection{
		RecordCount:  len(ids),
		Watchers:     c.watcherCount(),
		Plans:        c.plans.Len(),
		MemoEntries:  c.docs.MemoLen(),
		ActiveLayers: c.engine.ActiveLayers(),
	}

	for _, id := range ids {
		switch {
		case strings.Contains(id, ".edges."):
			ins.Edges++
		case keys.IsCanonicalID(id):
			ins.Connections = append(ins.Connections, id)
		case keys.IsPageID(id):
			ins.Pages = append(ins.Pages, id)
		case id == keys.RootID || strings.HasSuffix(id, ".pageInfo"):
			// Root and pageInfo sub-records are structural.
		case strings.Contains(id, ":"):
			ins.Entities = append(ins.Entities, id)
		}
	}
	return ins
}

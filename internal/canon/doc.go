// Package canon maintains canonical (union) views of cursor-paginated
// connections.
//
// A canonical connection is keyed by parent + connection key + filter
// arguments only; pagination window arguments never contribute. As strict
// pages are written, the manager merges their edges into an ordered,
// deduplicated union and materializes the result as a canonical
// Connection record in the graph, so watchers keyed on the canonical id
// observe every merge.
//
// Merge policy per window direction:
//
//   - forward (after present, or a leader page without last): new nodes
//     append at the tail in page order; endCursor and hasNextPage follow
//     the page. A leader page resets the union to its own order and also
//     updates startCursor and hasPreviousPage.
//   - backward (before present, or a leader page with last): new nodes
//     prepend at the head in page order; startCursor and hasPreviousPage
//     follow the page.
//
// Re-inserting a node keeps its existing position and refreshes the edge
// metadata on the matching canonical edge.
package canon

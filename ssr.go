package cachebay

// SnapshotPayload is the SSR wire format: every record in snapshot
// encoding, ordered by id.
type SnapshotPayload struct {
	Records []RecordEntry `json:"records"`
}

// Extract serializes the graph for SSR transfer.
func (c *Client) Extract() SnapshotPayload {
	ids := c.graph.IDs()
	entries := make([]RecordEntry, 0, len(ids))
	for _, id := range ids {
		rec, ok := c.graph.GetRecord(id)
		if !ok {
			continue
		}
		entries = append(entries, RecordEntry{ID: id, Fields: encodeRecordFields(rec)})
	}
	return SnapshotPayload{Records: entries}
}

// Hydrate clears the cache, loads the snapshot, and opens the hydration
// window: until it closes, every policy serves from cache for data the
// snapshot covers, including network-only and cache-only.
func (c *Client) Hydrate(payload SnapshotPayload) {
	c.graph.Clear()
	c.canon.Forget()

	for _, entry := range payload.Records {
		fields, ok := decodeRecordFields(entry.Fields)
		if !ok {
			continue
		}
		c.graph.PutRecord(entry.ID, fields)
	}
	// Hydration replaces the world; watchers attached before Hydrate see
	// the new state through a regular flush.
	c.graph.Flush()

	c.hydrateMu.Lock()
	c.hydratedAt = c.now()
	c.hydrateMu.Unlock()
}

package cachebay

import (
	"context"
	"log/slog"

	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/trace"
)

// RecordEntry is one persisted record: its id and its encoded fields.
// Field values use the snapshot encoding (see [Client.Extract]).
type RecordEntry struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"record"`
}

// Storage is the optional persistence adapter.
//
// Put and Remove are fire-and-forget: the adapter owns durability and
// the client never blocks on them. Load returns the persisted records at
// startup. SetCallbacks registers the functions the adapter calls when
// it observes changes originating in other client instances; the adapter
// is responsible for polling its journal with monotonic epochs, filtering
// out the local instance id, initializing its cursor past pre-load
// history, and evicting by max age. FlushJournal and EvictJournal expose
// the journal maintenance hooks; Dispose releases adapter resources.
//
// Adapter failures are logged and swallowed; the in-memory cache remains
// authoritative.
type Storage interface {
	Put(entries []RecordEntry)
	Remove(ids []string)
	Load(ctx context.Context) ([]RecordEntry, error)
	SetCallbacks(onUpdate func(entries []RecordEntry), onRemove func(ids []string))
	FlushJournal()
	EvictJournal()
	Dispose()
}

// loadStorage populates the graph from the adapter at startup. Failures
// are logged and swallowed.
func (c *Client) loadStorage(ctx context.Context) {
	entries, err := c.safeLoad(ctx)
	if err != nil {
		trace.Error(ctx, c.logger, "storage load failed", slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		fields, ok := decodeRecordFields(entry.Fields)
		if !ok {
			continue
		}
		c.graph.PutRecord(entry.ID, fields)
	}
	// Startup load happens before any watcher exists; drop the touched
	// set rather than notifying nobody.
	c.graph.Flush()
}

// persistTouched mirrors one flush into the adapter.
func (c *Client) persistTouched(touched map[string]struct{}) {
	if c.storage == nil {
		return
	}
	c.remoteMu.Lock()
	applyingRemote := c.applyingRemote
	c.remoteMu.Unlock()
	if applyingRemote {
		// The change came from another instance via the journal; writing
		// it back would echo it forever.
		return
	}

	var puts []RecordEntry
	var removes []string
	for id := range touched {
		rec, ok := c.graph.GetRecord(id)
		if !ok {
			removes = append(removes, id)
			continue
		}
		puts = append(puts, RecordEntry{ID: id, Fields: encodeRecordFields(rec)})
	}

	defer c.recoverStorage("put")
	if len(puts) > 0 {
		c.storage.Put(puts)
	}
	if len(removes) > 0 {
		c.storage.Remove(removes)
	}
}

// applyRemoteUpdate applies records another instance persisted.
func (c *Client) applyRemoteUpdate(entries []RecordEntry) {
	c.remoteMu.Lock()
	c.applyingRemote = true
	c.remoteMu.Unlock()
	defer func() {
		c.remoteMu.Lock()
		c.applyingRemote = false
		c.remoteMu.Unlock()
	}()

	c.graph.Span(func() {
		for _, entry := range entries {
			fields, ok := decodeRecordFields(entry.Fields)
			if !ok {
				continue
			}
			c.graph.PutRecord(entry.ID, fields)
		}
	})
}

// applyRemoteRemove applies deletions another instance persisted.
func (c *Client) applyRemoteRemove(ids []string) {
	c.remoteMu.Lock()
	c.applyingRemote = true
	c.remoteMu.Unlock()
	defer func() {
		c.remoteMu.Lock()
		c.applyingRemote = false
		c.remoteMu.Unlock()
	}()

	c.graph.Span(func() {
		for _, id := range ids {
			c.graph.DeleteRecord(id)
		}
	})
}

func (c *Client) safeLoad(ctx context.Context) (entries []RecordEntry, err error) {
	defer c.recoverStorage("load")
	return c.storage.Load(ctx)
}

// recoverStorage turns adapter panics into logs; the cache stays
// authoritative.
func (c *Client) recoverStorage(op string) {
	if r := recover(); r != nil {
		trace.Error(context.Background(), c.logger, "storage adapter panic",
			slog.String("adapter_op", op),
			slog.Any("panic", r),
		)
	}
}

// Snapshot encoding: references use reserved marker fields so the
// payload round-trips through JSON.
const (
	refMarker  = "__ref"
	refsMarker = "__refs"
)

// encodeRecordFields renders a record's fields in snapshot encoding.
func encodeRecordFields(rec *graph.Record) map[string]any {
	out := make(map[string]any, rec.Len())
	for key, val := range rec.Fields() {
		switch val.Kind() {
		case graph.KindScalar:
			s, _ := val.ScalarValue()
			out[key] = s
		case graph.KindRef:
			id, _ := val.RefID()
			out[key] = map[string]any{refMarker: id}
		case graph.KindRefList:
			ids, _ := val.RefIDs()
			list := make([]any, len(ids))
			for i, id := range ids {
				list[i] = id
			}
			out[key] = map[string]any{refsMarker: list}
		case graph.KindList:
			list, _ := val.ListValues()
			out[key] = append([]any(nil), list...)
		}
	}
	return out
}

// decodeRecordFields parses snapshot encoding back into stored values.
func decodeRecordFields(fields map[string]any) (map[string]graph.Value, bool) {
	if fields == nil {
		return nil, false
	}
	out := make(map[string]graph.Value, len(fields))
	for key, raw := range fields {
		switch v := raw.(type) {
		case map[string]any:
			if id, ok := v[refMarker].(string); ok && len(v) == 1 {
				out[key] = graph.Ref(id)
				continue
			}
			if list, ok := v[refsMarker].([]any); ok && len(v) == 1 {
				ids := make([]string, 0, len(list))
				for _, e := range list {
					if id, ok := e.(string); ok {
						ids = append(ids, id)
					}
				}
				out[key] = graph.RefList(ids)
				continue
			}
			out[key] = graph.Scalar(v)
		case []any:
			out[key] = graph.List(v)
		default:
			out[key] = graph.Scalar(v)
		}
	}
	return out, true
}

// FlushJournal asks the adapter to flush its replication journal.
func (c *Client) FlushJournal() {
	if c.storage == nil {
		return
	}
	defer c.recoverStorage("flushJournal")
	c.storage.FlushJournal()
}

// EvictJournal asks the adapter to evict aged journal entries.
func (c *Client) EvictJournal() {
	if c.storage == nil {
		return
	}
	defer c.recoverStorage("evictJournal")
	c.storage.EvictJournal()
}

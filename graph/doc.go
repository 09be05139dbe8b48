// Package graph implements the normalized record store at the heart of
// the cache.
//
// The graph maps record ids to flat records. Record fields hold tagged
// values: scalars, references to other records, reference arrays, and
// embedded scalar arrays. Writes are shallow merges that detect which
// fields actually changed; changed record ids accumulate into a touched
// set that is delivered to change listeners as one coalesced notification
// when the surrounding span ends or [Graph.Flush] is called.
//
// Records are immutable snapshots: a *Record obtained from
// [Graph.GetRecord] never changes, because every write installs a fresh
// record value. This makes reads safe to retain across writes without
// copying.
//
// Graph is safe for concurrent use from multiple goroutines.
package graph

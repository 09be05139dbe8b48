// Package cachebay is a normalized, reactive client-side cache for
// GraphQL.
//
// The cache sits between an application and a remote query transport.
// Responses normalize into a flat record graph; queries and fragments
// materialize back out of it according to a cache policy; watchers react
// to the records their last read touched; optimistic mutations stack in
// revertible layers; cursor-paginated connections keep both per-page and
// canonical (union) views; and an optional storage adapter persists
// records with cross-tab replication.
//
// A minimal session:
//
//	client, err := cachebay.New(cachebay.Config{Transport: transport})
//	if err != nil {
//		// ...
//	}
//
//	handle, _ := client.WatchQuery(cachebay.WatchQueryOptions{
//		Query:       `query ($id: ID!) { user(id: $id) { id email } }`,
//		Variables:   map[string]any{"id": "u1"},
//		CachePolicy: cachebay.CacheAndNetwork,
//		OnData: func(data map[string]any) {
//			// render
//		},
//	})
//	defer handle.Unsubscribe()
//
// The heavy lifting lives in the subpackages: graph (record store), plan
// (document compiler), document (normalize and materialize), optimistic
// (layered mutations), and diag (structured diagnostics). This package
// composes them behind the client facade.
package cachebay

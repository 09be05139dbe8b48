// Package diag provides structured diagnostics for cache operations.
//
// The cache separates two failure channels. Programmer errors and
// transport failures travel as Go error values. Data-quality problems —
// a response field dropped during normalization, a missing __typename on
// a type-guarded path, a dangling reference observed while materializing —
// are diagnostics: they never abort the operation that observed them and
// are collected for inspection instead.
//
// Issues carry a stable [Code] that tools can match on, a [Severity], a
// human-readable message, and an optional response path such as
// "$.user.posts[0].node". Construct issues with [NewIssue] and collect
// them with a [Collector]; [Collector.Result] returns an immutable
// snapshot with precomputed severity counts.
package diag

// Package document normalizes transport responses into the record graph
// and materializes result trees back out of it.
//
// Normalization walks a compiled plan alongside response data, writing
// scalars, entity references, embedded sub-records, and connection pages
// into the graph. Malformed fields never abort a write: the offending
// field is dropped and reported as a diagnostic.
//
// Materialization reverses the walk: plan + variables + graph produce a
// result tree, reading connection fields from either the strict page or
// the canonical union. Results are memoized per (plan, mode, variables,
// root): repeated reads with no intervening graph change return the same
// object identity, and the query layer reference-counts entries so
// unwatched results drop out of the memo.
package document

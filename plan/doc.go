// Package plan compiles query and fragment documents into immutable,
// cacheable execution plans.
//
// A [Plan] flattens the document's selections (fragment spreads and
// inline fragments merged, guarded by their type conditions), annotates
// every field with its argument picker and stable selection id, detects
// connection fields via the @connection directive, and derives the
// variable masks and signatures the cache keys on. Plans also carry the
// document rewritten for transport: __typename injected everywhere,
// client-only directives stripped, identical sibling fields merged.
//
// Plans are immutable value objects. [Registry] caches compiled plans by
// source hash so the same document text always yields the same *Plan.
package plan

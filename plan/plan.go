package plan

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/lockvoid/cachebay/internal/keys"
)

// Operation identifies what kind of document a plan executes.
type Operation uint8

const (
	// Query is a read operation.
	Query Operation = iota

	// Mutation is a write operation.
	Mutation

	// Subscription is a streamed operation; each message normalizes as a
	// write.
	Subscription

	// Fragment is a plan rooted at a fragment definition rather than an
	// operation.
	Fragment
)

// String returns the operation's GraphQL keyword.
func (o Operation) String() string {
	switch o {
	case Query:
		return "query"
	case Mutation:
		return "mutation"
	case Subscription:
		return "subscription"
	case Fragment:
		return "fragment"
	default:
		return "unknown"
	}
}

// VarMask holds the variable names a plan depends on.
//
// Canonical excludes variables used only in connection window arguments,
// so two variable vectors differing only in pagination share a canonical
// key.
type VarMask struct {
	Strict    []string
	Canonical []string
}

// Plan is the compiled, immutable representation of a query or fragment.
type Plan struct {
	// Operation is the document kind: query, mutation, subscription, or
	// fragment.
	Operation Operation

	// Name is the operation or fragment name, "" for anonymous operations.
	Name string

	// RootTypename is "Query"/"Mutation"/"Subscription" for operations and
	// the fragment's type condition for fragment plans.
	RootTypename string

	// Root is the flattened, ordered top-level selection.
	Root []*Field

	// ID is the stable hash of the plan's selection shape. Field order
	// within a selection does not affect it; the operation kind does.
	ID string

	// VarMask holds the strict and canonical variable name sets.
	VarMask VarMask

	// WindowArgs is the union of window argument names across all
	// connection fields in the plan.
	WindowArgs []string

	// NetworkQuery is the document rewritten for transport.
	NetworkQuery string
}

// MakeVarsKey returns a stable key for the variables covered by the
// strict or canonical mask.
func (p *Plan) MakeVarsKey(canonical bool, vars map[string]any) string {
	mask := p.VarMask.Strict
	if canonical {
		mask = p.VarMask.Canonical
	}
	encoded := keys.MarshalVars(mask, vars)
	return strconv.FormatUint(xxhash.Sum64String(encoded), 16)
}

// Signature returns the identity used for memoization, coalescing, and
// suspension: plan id, mask mode, and the variables key.
func (p *Plan) Signature(canonical bool, vars map[string]any) string {
	mode := "strict"
	if canonical {
		mode = "canonical"
	}
	return p.ID + "|" + mode + "|" + p.MakeVarsKey(canonical, vars)
}

// Dependencies returns the record ids any result rooted at this plan must
// read at top level: the root record, plus the connection record for
// every root-level connection field (canonical or strict page id per the
// canonical flag).
func (p *Plan) Dependencies(canonical bool, vars map[string]any) map[string]struct{} {
	deps := map[string]struct{}{keys.RootID: {}}
	for _, f := range p.Root {
		if !f.IsConnection {
			continue
		}
		deps[f.ConnectionID(keys.RootID, canonical, vars)] = struct{}{}
	}
	return deps
}

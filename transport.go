package cachebay

import (
	"context"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Operation is one request handed to the transport. Query is the plan's
// network document.
type Operation struct {
	Query         string
	Variables     map[string]any
	OperationType string // "query", "mutation", or "subscription"
}

// OperationResult is one response from the transport. Data may be nil
// when the response carried only errors; Errors may accompany data.
type OperationResult struct {
	Data   map[string]any
	Errors gqlerror.List
}

// Transport executes operations against the remote API.
//
// HTTP returns a transport-level error for connectivity failures; errors
// the server embedded in the response body belong in
// [OperationResult.Errors].
type Transport interface {
	HTTP(ctx context.Context, op Operation) (*OperationResult, error)
}

// SubscriptionTransport is implemented by transports that support
// streamed operations. Each received message is normalized into the
// graph as a write. The channel closes when the subscription ends.
type SubscriptionTransport interface {
	Subscribe(ctx context.Context, op Operation) (<-chan *OperationResult, error)
}

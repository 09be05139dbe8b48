package cachebay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lockvoid/cachebay/document"
	"github.com/lockvoid/cachebay/internal/trace"
)

// MutationRequest describes one mutation execution.
type MutationRequest struct {
	Query     string
	Variables map[string]any
}

// ExecuteMutation runs a mutation over the transport and normalizes the
// response into the graph. The returned data is the cache's
// materialization of the mutation selection, so entity updates the cache
// already knew about are reflected.
func (c *Client) ExecuteMutation(ctx context.Context, req MutationRequest) (*QueryResult, error) {
	p, err := c.plans.Load(req.Query)
	if err != nil {
		return nil, err
	}

	op := trace.Begin(ctx, c.logger, "cachebay.mutation.execute",
		slog.String("plan", p.ID),
	)
	defer op.End(nil)

	res, httpErr := c.transport.HTTP(ctx, Operation{
		Query:         p.NetworkQuery,
		Variables:     req.Variables,
		OperationType: p.Operation.String(),
	})
	if httpErr != nil {
		return nil, &TransportError{Err: httpErr}
	}
	if res == nil {
		return nil, &TransportError{Err: errors.New("transport returned nil result")}
	}
	if res.Data == nil && len(res.Errors) > 0 {
		return nil, &GraphQLError{Errors: res.Errors}
	}

	if res.Data != nil {
		c.docs.Normalize(p, req.Variables, res.Data, document.NormalizeOptions{})
	}

	mat := c.docs.Materialize(p, req.Variables, document.MaterializeOptions{Force: true})
	return &QueryResult{Data: mat.Data, Errors: res.Errors}, nil
}

// SubscriptionRequest describes one subscription.
type SubscriptionRequest struct {
	Query     string
	Variables map[string]any
}

// ExecuteSubscription opens a streamed operation. Every received message
// is normalized into the graph as a write, so watchers react to each
// one; the returned channel delivers the per-message materializations.
//
// The transport must implement [SubscriptionTransport]. The channel
// closes when the transport's stream ends or ctx is cancelled.
func (c *Client) ExecuteSubscription(ctx context.Context, req SubscriptionRequest) (<-chan *QueryResult, error) {
	sub, ok := c.transport.(SubscriptionTransport)
	if !ok {
		return nil, fmt.Errorf("%w: transport does not support subscriptions", ErrClient)
	}

	p, err := c.plans.Load(req.Query)
	if err != nil {
		return nil, err
	}

	messages, err := sub.Subscribe(ctx, Operation{
		Query:         p.NetworkQuery,
		Variables:     req.Variables,
		OperationType: p.Operation.String(),
	})
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	out := make(chan *QueryResult)
	go func() {
		defer close(out)
		for msg := range messages {
			if msg == nil {
				continue
			}
			if msg.Data != nil {
				c.docs.Normalize(p, req.Variables, msg.Data, document.NormalizeOptions{})
			}
			mat := c.docs.Materialize(p, req.Variables, document.MaterializeOptions{Force: true})
			select {
			case out <- &QueryResult{Data: mat.Data, Errors: msg.Errors}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

package cachebay

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Error sentinels for client failures. Data-quality problems inside the
// graph are diagnostics, never errors; see the diag package.
var (
	// ErrClient is the base error for client failures.
	ErrClient = errors.New("cachebay client failure")

	// ErrNilTransport indicates the client was configured without a
	// transport.
	ErrNilTransport = fmt.Errorf("%w: nil transport", ErrClient)

	// ErrCacheOnlyMiss indicates a cache-only execution found no root
	// data. No network side-effect occurred.
	ErrCacheOnlyMiss = fmt.Errorf("%w: cache-only miss", ErrClient)

	// ErrWatcherClosed indicates an operation on an unsubscribed watcher.
	ErrWatcherClosed = fmt.Errorf("%w: watcher is unsubscribed", ErrClient)
)

// TransportError wraps a transport failure. The last successful data
// remains materialized in the graph.
type TransportError struct {
	Err error
}

// Error implements error.
func (e *TransportError) Error() string {
	return "cachebay: transport failure: " + e.Err.Error()
}

// Unwrap returns the underlying transport error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// GraphQLError carries the errors a response delivered alongside (or
// instead of) data. When data was present it has still been normalized.
type GraphQLError struct {
	Errors gqlerror.List
}

// Error implements error.
func (e *GraphQLError) Error() string {
	return "cachebay: graphql errors: " + e.Errors.Error()
}

// Unwrap exposes the underlying error list.
func (e *GraphQLError) Unwrap() error {
	return e.Errors
}

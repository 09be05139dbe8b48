package graph

import (
	"log/slog"
)

// Option configures graph construction behavior.
type Option func(*graphConfig)

// graphConfig holds internal configuration for a Graph.
type graphConfig struct {
	logger *slog.Logger
}

// WithLogger enables debug logging for graph operations.
//
// When set, the graph logs record writes and deletions with the changed
// field counts. Pass nil to disable logging (the default).
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *graphConfig) {
		cfg.logger = logger
	}
}

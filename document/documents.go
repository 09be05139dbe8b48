package document

import (
	"log/slog"
	"sync"

	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/canon"
	"github.com/lockvoid/cachebay/internal/ident"
)

// Config wires a Documents engine to its collaborators.
type Config struct {
	// Graph is the record store all writes and reads go through.
	Graph *graph.Graph

	// Canon maintains canonical connection unions; page writes notify it.
	Canon *canon.Manager

	// Ident derives entity ids and resolves type conditions.
	Ident *ident.Resolver

	// Logger enables debug logging when non-nil.
	Logger *slog.Logger
}

// Documents is the normalization and materialization engine.
//
// Documents is safe for concurrent use. The materialization memo is
// invalidated through [Documents.InvalidateTouched], which the owning
// client wires to the graph's change notifications.
type Documents struct {
	graph  *graph.Graph
	canon  *canon.Manager
	ident  *ident.Resolver
	logger *slog.Logger

	memoMu sync.Mutex
	memo   map[Ref]*memoEntry
}

// New creates a Documents engine.
//
// Panics if cfg.Graph or cfg.Canon is nil (programmer error); a nil
// Ident falls back to default identity rules.
func New(cfg Config) *Documents {
	if cfg.Graph == nil {
		panic("document.New: nil Graph")
	}
	if cfg.Canon == nil {
		panic("document.New: nil Canon")
	}
	if cfg.Ident == nil {
		cfg.Ident = ident.New(nil, nil)
	}
	return &Documents{
		graph:  cfg.Graph,
		canon:  cfg.Canon,
		ident:  cfg.Ident,
		logger: cfg.Logger,
		memo:   make(map[Ref]*memoEntry),
	}
}

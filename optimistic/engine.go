package optimistic

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/lockvoid/cachebay/diag"
	"github.com/lockvoid/cachebay/document"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/canon"
	"github.com/lockvoid/cachebay/internal/ident"
	"github.com/lockvoid/cachebay/plan"
)

// Error sentinels for engine failures. Data-quality issues (unkeyable
// nodes, missing anchors) are diagnostics on the transaction, not errors.
var (
	// ErrInternal is the base error for internal engine failures.
	ErrInternal = errors.New("internal optimistic failure")

	// ErrNilBuilder indicates Modify was called with a nil builder.
	ErrNilBuilder = fmt.Errorf("%w: nil builder", ErrInternal)
)

// Builder populates one transactional layer. It runs synchronously in
// the optimistic phase and may run again in the commit phase with the
// server payload on [Transaction.Commit].
type Builder func(ctx *Context) error

// Config wires an Engine to its collaborators.
type Config struct {
	Graph  *graph.Graph
	Canon  *canon.Manager
	Ident  *ident.Resolver
	Plans  *plan.Registry
	Docs   *document.Documents
	Logger *slog.Logger
}

// Engine owns the layer stack.
//
// Engine is safe for concurrent use; Modify, Commit, Revert, and Replay
// serialize on one mutex, and every mutation runs inside a graph span so
// watchers see a single coalesced notification per operation.
type Engine struct {
	graph  *graph.Graph
	canon  *canon.Manager
	ident  *ident.Resolver
	plans  *plan.Registry
	docs   *document.Documents
	logger *slog.Logger

	mu     sync.Mutex
	layers []*layer
}

// New creates an Engine. Panics on nil Graph or Canon (programmer
// error); Plans and Docs are required only for fragment-driven node
// insertion and may be nil otherwise.
func New(cfg Config) *Engine {
	if cfg.Graph == nil {
		panic("optimistic.New: nil Graph")
	}
	if cfg.Canon == nil {
		panic("optimistic.New: nil Canon")
	}
	if cfg.Ident == nil {
		cfg.Ident = ident.New(nil, nil)
	}
	return &Engine{
		graph:  cfg.Graph,
		canon:  cfg.Canon,
		ident:  cfg.Ident,
		plans:  cfg.Plans,
		docs:   cfg.Docs,
		logger: cfg.Logger,
	}
}

// Modify runs the builder in a new layer above the current stack.
//
// The builder's operations apply immediately. A builder error (or panic)
// reverts the partial layer in place and propagates to the caller.
func (e *Engine) Modify(builder Builder) (*Transaction, error) {
	if builder == nil {
		return nil, ErrNilBuilder
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	l := &layer{
		id:         uuid.NewString(),
		builder:    builder,
		recordBase: make(map[string]*baseRecord),
		canonBase:  make(map[string]canon.State),
		collector:  diag.NewCollector(diag.NoLimit),
	}

	var runErr error
	e.graph.Span(func() {
		defer func() {
			if r := recover(); r != nil {
				e.restoreLayerLocked(l)
				panic(r)
			}
		}()
		ctx := &Context{engine: e, layer: l, phase: PhaseOptimistic, apply: true}
		runErr = builder(ctx)
		if runErr != nil {
			e.restoreLayerLocked(l)
		}
	})
	if runErr != nil {
		return nil, runErr
	}

	e.layers = append(e.layers, l)
	return &Transaction{engine: e, layer: l}, nil
}

// ActiveLayers returns the number of uncommitted, unreverted layers.
func (e *Engine) ActiveLayers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.layers)
}

// baseRecord is a captured baseline for one record: the record snapshot,
// or absent=true when the record did not exist at capture time.
type baseRecord struct {
	record *graph.Record
	absent bool
}

// captureRecord snapshots a record the first time the layer touches it.
func (e *Engine) captureRecord(l *layer, id string) {
	if _, ok := l.recordBase[id]; ok {
		return
	}
	rec, ok := e.graph.GetRecord(id)
	if !ok {
		l.recordBase[id] = &baseRecord{absent: true}
		return
	}
	l.recordBase[id] = &baseRecord{record: rec}
}

// captureCanonical snapshots a connection union the first time the layer
// touches it.
func (e *Engine) captureCanonical(l *layer, canonicalID string) {
	if _, ok := l.canonBase[canonicalID]; ok {
		return
	}
	l.canonBase[canonicalID] = e.canon.Snapshot(canonicalID)
}

// restoreLayerLocked reinstates every baseline the layer captured.
func (e *Engine) restoreLayerLocked(l *layer) {
	for id, base := range l.recordBase {
		if base.absent {
			e.graph.ReplaceRecord(id, nil)
			continue
		}
		e.graph.ReplaceRecord(id, base.record)
	}
	for canonicalID, snap := range l.canonBase {
		if snap.Virgin() {
			e.canon.Drop(canonicalID)
			continue
		}
		e.canon.Restore(canonicalID, snap)
	}
}

// removeLayerLocked drops a layer from the active stack.
func (e *Engine) removeLayerLocked(l *layer) {
	for i, cur := range e.layers {
		if cur == l {
			e.layers = append(e.layers[:i], e.layers[i+1:]...)
			return
		}
	}
}

// replayLayerLocked re-applies a layer's logged operations. Baselines
// for the given ids are re-captured first so the layer's baseline tracks
// the newly restored state beneath it.
func (e *Engine) replayLayerLocked(l *layer, records, canonicals map[string]struct{}) {
	for id := range records {
		delete(l.recordBase, id)
	}
	for id := range canonicals {
		delete(l.canonBase, id)
	}
	ctx := &Context{engine: e, layer: l, phase: PhaseOptimistic, apply: true}
	ops := l.ops
	l.ops = nil
	for _, o := range ops {
		ctx.applyOp(o)
	}
}

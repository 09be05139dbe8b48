package cachebay

import (
	"context"
	"errors"
	"log/slog"
	"maps"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/lockvoid/cachebay/diag"
	"github.com/lockvoid/cachebay/document"
	"github.com/lockvoid/cachebay/internal/trace"
	"github.com/lockvoid/cachebay/plan"
)

// QueryRequest describes one query execution or read.
type QueryRequest struct {
	Query       string
	Variables   map[string]any
	CachePolicy CachePolicy
}

// QueryResult is the outcome of an execution or read. Errors carries any
// GraphQL errors the response delivered alongside data.
type QueryResult struct {
	Data   map[string]any
	Errors gqlerror.List
}

// ExecuteQuery runs one query according to its cache policy.
//
// Concurrent executions sharing a strict signature share one in-flight
// transport request. Within the suspension window a repeated execution
// is served from the cached materialization without network.
func (c *Client) ExecuteQuery(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	p, err := c.plans.Load(req.Query)
	if err != nil {
		return nil, err
	}
	policy := req.CachePolicy
	if policy == "" {
		policy = c.defaultPolicy
	}

	op := trace.Begin(ctx, c.logger, "cachebay.query.execute",
		slog.String("plan", p.ID),
		slog.String("policy", string(policy)),
	)
	result, err := c.executePlan(ctx, p, req.Variables, policy)
	op.End(err)
	return result, err
}

// ReadQuery materializes the query from the canonical cache without any
// network side-effect. Returns nil when the cache has no root data.
func (c *Client) ReadQuery(req QueryRequest) map[string]any {
	p, err := c.plans.Load(req.Query)
	if err != nil {
		return nil
	}
	res := c.docs.Materialize(p, req.Variables, document.MaterializeOptions{Canonical: true})
	if !res.HasData() {
		return nil
	}
	return res.Data
}

// WriteQuery normalizes data into the graph as if it were a response for
// the query.
func (c *Client) WriteQuery(req QueryRequest, data map[string]any) (diag.Result, error) {
	p, err := c.plans.Load(req.Query)
	if err != nil {
		return diag.OK(), err
	}
	return c.docs.Normalize(p, req.Variables, data, document.NormalizeOptions{}), nil
}

// executePlan drives the cache-policy state machine for one execution.
func (c *Client) executePlan(ctx context.Context, p *plan.Plan, vars map[string]any, policy CachePolicy) (*QueryResult, error) {
	cached := c.docs.Materialize(p, vars, document.MaterializeOptions{Canonical: true})

	if policy == CacheOnly {
		if cached.HasData() {
			return &QueryResult{Data: cached.Data}, nil
		}
		return nil, ErrCacheOnlyMiss
	}

	if policy == CacheFirst && cached.HasData() {
		return &QueryResult{Data: cached.Data}, nil
	}

	// Hydration window: the hydrated cache is authoritative for every
	// policy whose data it covers.
	if c.hydratingNow() && cached.HasData() {
		return &QueryResult{Data: cached.Data}, nil
	}

	// Suspension window: a recent successful fetch for the same strict
	// signature short-circuits to the cached materialization.
	strictSig := p.Signature(false, vars)
	if c.suspendedNow(strictSig) {
		return &QueryResult{Data: cached.Data}, nil
	}

	mat, gqlErrs, err := c.fetch(ctx, p, vars)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Data: mat.Data, Errors: gqlErrs}, nil
}

// fetch performs the network round-trip for a plan, sharing in-flight
// requests by strict signature, normalizing the response, and returning
// the fresh canonical materialization.
func (c *Client) fetch(ctx context.Context, p *plan.Plan, vars map[string]any) (*document.Result, gqlerror.List, error) {
	strictSig := p.Signature(false, vars)

	v, err, _ := c.flights.Do(strictSig, func() (any, error) {
		res, httpErr := c.transport.HTTP(ctx, Operation{
			Query:         p.NetworkQuery,
			Variables:     vars,
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
			c.docs.Normalize(p, vars, res.Data, document.NormalizeOptions{})
			c.markFetched(strictSig)
		}
		return res, nil
	})
	if err != nil {
		return nil, nil, err
	}

	res := v.(*OperationResult)
	mat := c.docs.Materialize(p, vars, document.MaterializeOptions{Canonical: true})
	return mat, res.Errors, nil
}

// WatchQueryOptions configures a reactive query watcher.
type WatchQueryOptions struct {
	Query       string
	Variables   map[string]any
	CachePolicy CachePolicy

	// Enabled gates the watcher; nil means enabled. A disabled watcher
	// holds no cache references, never fetches, and ignores Refetch.
	Enabled *bool

	OnData  func(data map[string]any)
	OnError func(err error)
}

// UpdateOptions reconfigures a watcher atomically.
type UpdateOptions struct {
	// Variables, when non-nil, replaces the watcher's variables.
	Variables map[string]any

	// CachePolicy, when set, replaces the watcher's policy.
	CachePolicy CachePolicy

	// Enabled, when non-nil, transitions the watcher's gate; enabling
	// recreates the underlying watcher state, disabling destroys it.
	Enabled *bool
}

// RefetchOptions overrides one refetch.
type RefetchOptions struct {
	// Variables shallow-merges over the watcher's current variables.
	Variables map[string]any

	// CachePolicy overrides the refetch policy; defaults to network-only.
	CachePolicy CachePolicy
}

// QueryHandle is a reactive watcher over a whole plan.
//
// Callbacks are invoked outside the client's internal locks, so they may
// freely read from and write to the cache.
type QueryHandle struct {
	client *Client
	id     int
	plan   *plan.Plan

	vars    map[string]any
	policy  CachePolicy
	enabled bool
	onData  func(map[string]any)
	onError func(error)

	ref      document.Ref
	held     bool
	deps     map[string]struct{}
	lastHash uint64
	emitted  bool
	fetching bool
	closed   bool
}

// WatchQuery registers a reactive watcher over the query.
//
// The watcher increments the reference count of its canonical memo slot;
// Unsubscribe releases it. Initial behavior follows the cache policy:
// cached data emits synchronously where the policy allows, and a network
// fetch starts when the policy requires one.
func (c *Client) WatchQuery(opts WatchQueryOptions) (*QueryHandle, error) {
	p, err := c.plans.Load(opts.Query)
	if err != nil {
		return nil, err
	}

	policy := opts.CachePolicy
	if policy == "" {
		policy = c.defaultPolicy
	}

	h := &QueryHandle{
		client:  c,
		id:      c.nextWatcherID(),
		plan:    p,
		vars:    maps.Clone(opts.Variables),
		policy:  policy,
		enabled: opts.Enabled == nil || *opts.Enabled,
		onData:  opts.OnData,
		onError: opts.OnError,
	}

	c.addWatcher(h)

	var emits []func()
	if h.enabled {
		c.watcherMu.Lock()
		emits = h.activateLocked()
		c.watcherMu.Unlock()
	}
	runAll(emits)
	return h, nil
}

// watcherID implements watcher.
func (h *QueryHandle) watcherID() int {
	return h.id
}

// activateLocked binds the handle to its memo slot and performs the
// policy's initial read/fetch. Returns staged callbacks to run after the
// lock is released.
func (h *QueryHandle) activateLocked() []func() {
	c := h.client

	h.ref = document.NewRef(h.plan.ID, true, h.plan.MakeVarsKey(true, h.vars), "", true)
	c.docs.Retain(h.ref)
	h.held = true

	return h.policyPassLocked()
}

// policyPassLocked runs the policy's read/fetch sequence.
func (h *QueryHandle) policyPassLocked() []func() {
	c := h.client
	var emits []func()

	cached := c.docs.Materialize(h.plan, h.vars, document.MaterializeOptions{Canonical: true, Fingerprint: true})
	h.watchDepsLocked(cached)

	switch h.policy {
	case CacheOnly:
		if cached.HasData() {
			emits = append(emits, h.stageEmitLocked(cached))
		} else if h.onError != nil {
			emits = append(emits, h.stageErrorLocked(ErrCacheOnlyMiss))
		}
	case CacheFirst:
		if cached.HasData() {
			emits = append(emits, h.stageEmitLocked(cached))
			return emits
		}
		emits = append(emits, h.startFetchLocked(cached)...)
	case CacheAndNetwork:
		if cached.HasData() {
			emits = append(emits, h.stageEmitLocked(cached))
		}
		emits = append(emits, h.startFetchLocked(cached)...)
	default: // NetworkOnly
		emits = append(emits, h.startFetchLocked(cached)...)
	}
	return emits
}

// watchDepsLocked installs the result's dependency set plus the plan's
// structural dependencies, so an empty watcher wakes when data lands.
func (h *QueryHandle) watchDepsLocked(res *document.Result) {
	h.deps = make(map[string]struct{}, len(res.Deps)+2)
	maps.Copy(h.deps, res.Deps)
	for id := range h.plan.Dependencies(true, h.vars) {
		h.deps[id] = struct{}{}
	}
}

// startFetchLocked launches the network leg unless a window suppresses
// it, in which case the cached snapshot is served.
func (h *QueryHandle) startFetchLocked(cached *document.Result) []func() {
	c := h.client

	if c.hydratingNow() && cached.HasData() {
		if !h.emitted {
			return []func(){h.stageEmitLocked(cached)}
		}
		return nil
	}
	if c.suspendedNow(h.plan.Signature(false, h.vars)) {
		if !h.emitted && cached.HasData() {
			return []func(){h.stageEmitLocked(cached)}
		}
		return nil
	}

	h.fetching = true
	p, vars, boundRef := h.plan, maps.Clone(h.vars), h.ref
	go func() {
		_, gqlErrs, err := c.fetch(context.Background(), p, vars)

		c.watcherMu.Lock()
		var emits []func()
		if h.closed || !h.enabled || h.ref != boundRef {
			// The result has still been normalized into the graph; it is
			// just not delivered to this watcher.
			c.watcherMu.Unlock()
			return
		}
		h.fetching = false
		switch {
		case err != nil:
			if h.onError != nil {
				emits = append(emits, h.stageErrorLocked(err))
			}
		default:
			if len(gqlErrs) > 0 && h.onError != nil {
				emits = append(emits, h.stageErrorLocked(&GraphQLError{Errors: gqlErrs}))
			}
			fresh := c.docs.Materialize(p, vars, document.MaterializeOptions{Canonical: true, Fingerprint: true})
			h.watchDepsLocked(fresh)
			if fresh.HasData() && (!h.emitted || fresh.Hash != h.lastHash) {
				emits = append(emits, h.stageEmitLocked(fresh))
			}
		}
		c.watcherMu.Unlock()
		runAll(emits)
	}()
	return nil
}

// stageEmitLocked records the snapshot's identity and returns the
// deferred data callback.
func (h *QueryHandle) stageEmitLocked(res *document.Result) func() {
	h.lastHash = res.Hash
	h.emitted = true
	h.watchDepsLocked(res)
	cb, data := h.onData, res.Data
	if cb == nil {
		return func() {}
	}
	return func() { cb(data) }
}

// stageErrorLocked returns the deferred error callback.
func (h *QueryHandle) stageErrorLocked(err error) func() {
	cb := h.onError
	if cb == nil {
		return func() {}
	}
	return func() { cb(err) }
}

// notify implements watcher: re-materializes when the touched set
// overlaps the handle's dependencies and emits on structural change.
func (h *QueryHandle) notify(touched map[string]struct{}) {
	c := h.client
	c.watcherMu.Lock()

	if h.closed || !h.enabled || !depsOverlap(h.deps, touched) {
		c.watcherMu.Unlock()
		return
	}

	var emits []func()
	fresh := c.docs.Materialize(h.plan, h.vars, document.MaterializeOptions{Canonical: true, Fingerprint: true})
	h.watchDepsLocked(fresh)
	if fresh.HasData() && (!h.emitted || fresh.Hash != h.lastHash) {
		emits = append(emits, h.stageEmitLocked(fresh))
	}
	c.watcherMu.Unlock()
	runAll(emits)
}

// IsFetching reports whether a network leg is outstanding.
func (h *QueryHandle) IsFetching() bool {
	h.client.watcherMu.Lock()
	defer h.client.watcherMu.Unlock()
	return h.fetching
}

// Refetch re-runs the query over the network, shallow-merging variables
// over the current ones. It is a no-op while the watcher is disabled.
func (h *QueryHandle) Refetch(opts ...RefetchOptions) {
	c := h.client
	c.watcherMu.Lock()

	if h.closed || !h.enabled {
		c.watcherMu.Unlock()
		return
	}

	var o RefetchOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	if len(o.Variables) > 0 {
		merged := maps.Clone(h.vars)
		if merged == nil {
			merged = make(map[string]any, len(o.Variables))
		}
		maps.Copy(merged, o.Variables)
		h.rebindLocked(merged)
	}

	policy := o.CachePolicy
	if policy == "" {
		policy = NetworkOnly
	}

	var emits []func()
	cached := c.docs.Materialize(h.plan, h.vars, document.MaterializeOptions{Canonical: true, Fingerprint: true})
	h.watchDepsLocked(cached)
	switch policy {
	case CacheOnly:
		if cached.HasData() {
			emits = append(emits, h.stageEmitLocked(cached))
		} else if h.onError != nil {
			emits = append(emits, h.stageErrorLocked(ErrCacheOnlyMiss))
		}
	case CacheFirst:
		if cached.HasData() {
			emits = append(emits, h.stageEmitLocked(cached))
		} else {
			emits = append(emits, h.startFetchLocked(cached)...)
		}
	default:
		emits = append(emits, h.startFetchLocked(cached)...)
	}
	c.watcherMu.Unlock()
	runAll(emits)
}

// Update atomically reconfigures the watcher. Variable or policy changes
// re-evaluate the subscription and re-fetch subject to suspension;
// enabled transitions destroy or recreate the underlying watcher state.
func (h *QueryHandle) Update(opts UpdateOptions) {
	c := h.client
	c.watcherMu.Lock()

	if h.closed {
		c.watcherMu.Unlock()
		return
	}

	var emits []func()

	if opts.Enabled != nil && *opts.Enabled != h.enabled {
		if opts.Variables != nil {
			h.vars = maps.Clone(opts.Variables)
		}
		if opts.CachePolicy != "" {
			h.policy = opts.CachePolicy
		}
		if *opts.Enabled {
			h.enabled = true
			emits = h.activateLocked()
		} else {
			h.enabled = false
			h.deactivateLocked()
		}
		c.watcherMu.Unlock()
		runAll(emits)
		return
	}

	changed := false
	if opts.Variables != nil {
		h.rebindLocked(maps.Clone(opts.Variables))
		changed = true
	}
	if opts.CachePolicy != "" && opts.CachePolicy != h.policy {
		h.policy = opts.CachePolicy
		changed = true
	}
	if changed && h.enabled {
		emits = h.policyPassLocked()
	}
	c.watcherMu.Unlock()
	runAll(emits)
}

// rebindLocked swaps the handle onto the memo slot for new variables.
func (h *QueryHandle) rebindLocked(vars map[string]any) {
	c := h.client
	newRef := document.NewRef(h.plan.ID, true, h.plan.MakeVarsKey(true, vars), "", true)
	if h.held && newRef == h.ref {
		h.vars = vars
		return
	}
	if h.held {
		c.docs.Release(h.ref)
	}
	h.vars = vars
	h.ref = newRef
	c.docs.Retain(h.ref)
	h.held = true
	h.emitted = false
	h.lastHash = 0
}

// deactivateLocked releases the memo slot and stops emissions.
func (h *QueryHandle) deactivateLocked() {
	if h.held {
		h.client.docs.Release(h.ref)
		h.held = false
	}
	h.deps = nil
	h.emitted = false
	h.lastHash = 0
}

// Unsubscribe detaches the watcher and releases its memo reference. An
// in-flight fetch continues to completion and still normalizes into the
// graph, but is not delivered here.
func (h *QueryHandle) Unsubscribe() {
	c := h.client
	c.watcherMu.Lock()
	if h.closed {
		c.watcherMu.Unlock()
		return
	}
	h.closed = true
	h.deactivateLocked()
	c.watcherMu.Unlock()

	c.removeWatcher(h)
}

func depsOverlap(deps, touched map[string]struct{}) bool {
	if len(deps) > len(touched) {
		deps, touched = touched, deps
	}
	for id := range deps {
		if _, ok := touched[id]; ok {
			return true
		}
	}
	return false
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

package cachebay

import (
	"maps"

	"github.com/lockvoid/cachebay/diag"
	"github.com/lockvoid/cachebay/document"
	"github.com/lockvoid/cachebay/plan"
)

// FragmentRequest describes a fragment read or write rooted at an
// entity.
type FragmentRequest struct {
	// ID is the root entity's record id, e.g. "User:u1".
	ID string

	// Fragment is the fragment document source.
	Fragment string

	// FragmentName selects a definition when the document holds several.
	FragmentName string

	Variables map[string]any
}

// ReadFragment materializes the fragment rooted at the entity. Each
// entity snapshot carries a __version token for cheap equality checks.
// Returns nil when the root entity record is absent.
func (c *Client) ReadFragment(req FragmentRequest) map[string]any {
	p, err := c.plans.Load(req.Fragment, plan.WithFragmentName(req.FragmentName))
	if err != nil {
		return nil
	}
	res := c.docs.Materialize(p, req.Variables, document.MaterializeOptions{
		RootID:      req.ID,
		Canonical:   true,
		Fingerprint: true,
	})
	if res.Data == nil {
		return nil
	}
	return res.Data
}

// WriteFragment normalizes data into the graph as if it were the
// response for the fragment rooted at the entity. Writes shallow-merge
// onto the root entity record.
func (c *Client) WriteFragment(req FragmentRequest, data map[string]any) (diag.Result, error) {
	p, err := c.plans.Load(req.Fragment, plan.WithFragmentName(req.FragmentName))
	if err != nil {
		return diag.OK(), err
	}
	return c.docs.Normalize(p, req.Variables, data, document.NormalizeOptions{RootID: req.ID}), nil
}

// WatchFragmentOptions configures a reactive fragment watcher.
type WatchFragmentOptions struct {
	ID           string
	Fragment     string
	FragmentName string
	Variables    map[string]any

	OnData func(data map[string]any)
}

// FragmentUpdateOptions rebinds a fragment watcher.
type FragmentUpdateOptions struct {
	// ID, when non-empty, rebinds the watcher to a new root entity.
	ID string

	// Variables, when non-nil, replaces the watcher's variables.
	Variables map[string]any

	// Immediate emits synchronously from the new binding when data is
	// present.
	Immediate bool
}

// FragmentHandle is a reactive watcher over a fragment rooted at an
// entity.
type FragmentHandle struct {
	client *Client
	id     int
	plan   *plan.Plan

	rootID string
	vars   map[string]any
	onData func(map[string]any)

	ref      document.Ref
	held     bool
	deps     map[string]struct{}
	lastHash uint64
	emitted  bool
	closed   bool
}

// WatchFragment registers a reactive watcher on the fragment.
//
// The first snapshot emits synchronously when the root entity exists;
// otherwise the watcher stays silent until data arrives. Snapshots carry
// __version tokens, and a re-emit happens only when the fingerprinted
// snapshot actually changed.
func (c *Client) WatchFragment(opts WatchFragmentOptions) (*FragmentHandle, error) {
	p, err := c.plans.Load(opts.Fragment, plan.WithFragmentName(opts.FragmentName))
	if err != nil {
		return nil, err
	}

	h := &FragmentHandle{
		client: c,
		id:     c.nextWatcherID(),
		plan:   p,
		rootID: opts.ID,
		vars:   maps.Clone(opts.Variables),
		onData: opts.OnData,
	}

	c.addWatcher(h)

	c.watcherMu.Lock()
	emit := h.bindLocked(true)
	c.watcherMu.Unlock()
	if emit != nil {
		emit()
	}
	return h, nil
}

// watcherID implements watcher.
func (h *FragmentHandle) watcherID() int {
	return h.id
}

// bindLocked retains the memo slot for the current root and variables
// and optionally stages an immediate emit.
func (h *FragmentHandle) bindLocked(immediate bool) func() {
	c := h.client

	newRef := document.NewRef(h.plan.ID, true, h.plan.MakeVarsKey(true, h.vars), h.rootID, true)
	if !h.held || newRef != h.ref {
		if h.held {
			c.docs.Release(h.ref)
		}
		h.ref = newRef
		c.docs.Retain(h.ref)
		h.held = true
		h.emitted = false
		h.lastHash = 0
	}

	res := c.docs.Materialize(h.plan, h.vars, document.MaterializeOptions{
		RootID:      h.rootID,
		Canonical:   true,
		Fingerprint: true,
	})
	h.deps = res.Deps

	if immediate && res.Data != nil {
		return h.stageEmitLocked(res)
	}
	return nil
}

// stageEmitLocked records the snapshot and returns the deferred
// callback.
func (h *FragmentHandle) stageEmitLocked(res *document.Result) func() {
	h.lastHash = res.Hash
	h.emitted = true
	h.deps = res.Deps
	cb, data := h.onData, res.Data
	if cb == nil {
		return func() {}
	}
	return func() { cb(data) }
}

// notify implements watcher.
func (h *FragmentHandle) notify(touched map[string]struct{}) {
	c := h.client
	c.watcherMu.Lock()

	if h.closed || !depsOverlap(h.deps, touched) {
		c.watcherMu.Unlock()
		return
	}

	var emit func()
	res := c.docs.Materialize(h.plan, h.vars, document.MaterializeOptions{
		RootID:      h.rootID,
		Canonical:   true,
		Fingerprint: true,
	})
	h.deps = res.Deps
	if res.Data != nil && (!h.emitted || res.Hash != h.lastHash) {
		emit = h.stageEmitLocked(res)
	}
	c.watcherMu.Unlock()
	if emit != nil {
		emit()
	}
}

// Update rebinds the watcher to a new root entity or variables. With
// Immediate set, the new binding emits synchronously when data is
// present.
func (h *FragmentHandle) Update(opts FragmentUpdateOptions) {
	c := h.client
	c.watcherMu.Lock()

	if h.closed {
		c.watcherMu.Unlock()
		return
	}

	if opts.ID != "" {
		h.rootID = opts.ID
	}
	if opts.Variables != nil {
		h.vars = maps.Clone(opts.Variables)
	}
	emit := h.bindLocked(opts.Immediate)
	c.watcherMu.Unlock()
	if emit != nil {
		emit()
	}
}

// Unsubscribe detaches the watcher and releases its memo reference.
func (h *FragmentHandle) Unsubscribe() {
	c := h.client
	c.watcherMu.Lock()
	if h.closed {
		c.watcherMu.Unlock()
		return
	}
	h.closed = true
	if h.held {
		c.docs.Release(h.ref)
		h.held = false
	}
	h.deps = nil
	c.watcherMu.Unlock()

	c.removeWatcher(h)
}

package cachebay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/lockvoid/cachebay/document"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/canon"
	"github.com/lockvoid/cachebay/internal/ident"
	"github.com/lockvoid/cachebay/optimistic"
	"github.com/lockvoid/cachebay/plan"
)

// KeyFunc derives the cache key for an object of one typename. The
// fall-through default reads the object's "id" field.
type KeyFunc = ident.KeyFunc

// Default windows, used when the corresponding Config field is zero.
const (
	// DefaultSuspensionTimeout suppresses duplicate network requests for
	// the same strict signature.
	DefaultSuspensionTimeout = time.Second

	// DefaultHydrationTimeout serves all policies from cache after an SSR
	// hydrate.
	DefaultHydrationTimeout = time.Second
)

// Config configures a Client.
type Config struct {
	// Transport is required; it executes network operations.
	Transport Transport

	// Keys maps typename to a key-deriving function. Typenames absent
	// from the map fall through to the "id" field.
	Keys map[string]KeyFunc

	// Interfaces maps interface name to its implementing typenames, used
	// for type-condition matching.
	Interfaces map[string][]string

	// CachePolicy is the default policy when an execution or watcher does
	// not set one. Defaults to network-only.
	CachePolicy CachePolicy

	// SuspensionTimeout is the window during which repeated fetches for
	// one strict signature are served from cache.
	SuspensionTimeout time.Duration

	// HydrationTimeout is the window after Hydrate during which all
	// policies serve cache when the hydrated data covers them.
	HydrationTimeout time.Duration

	// Storage is the optional persistence adapter.
	Storage Storage

	// Logger enables debug logging when non-nil.
	Logger *slog.Logger
}

// Client composes the cache: the record graph, the plan registry, the
// normalization and materialization engine, the canonical connection
// manager, the optimistic layer engine, and the watcher registry.
//
// Client is safe for concurrent use. All operations are synchronous
// except those that reach the transport.
type Client struct {
	transport Transport
	storage   Storage
	logger    *slog.Logger

	graph  *graph.Graph
	canon  *canon.Manager
	ident  *ident.Resolver
	plans  *plan.Registry
	docs   *document.Documents
	engine *optimistic.Engine

	defaultPolicy     CachePolicy
	suspensionTimeout time.Duration
	hydrationTimeout  time.Duration

	flights singleflight.Group

	suspMu    sync.Mutex
	suspended map[string]time.Time // strict signature → last success

	hydrateMu  sync.Mutex
	hydratedAt time.Time

	watcherMu sync.Mutex
	watchers  []watcher
	nextWatch int

	remoteMu       sync.Mutex
	applyingRemote bool

	instanceID string
	now        func() time.Time
}

// watcher is the dispatch-facing view of a query or fragment handle.
type watcher interface {
	notify(touched map[string]struct{})
	watcherID() int
}

// New creates a Client.
//
// The storage adapter, when configured, is loaded synchronously before
// New returns, so the first reads see persisted records.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, ErrNilTransport
	}

	policy := cfg.CachePolicy
	if policy == "" {
		policy = NetworkOnly
	}
	if !policy.valid() {
		policy = NetworkOnly
	}

	suspension := cfg.SuspensionTimeout
	if suspension == 0 {
		suspension = DefaultSuspensionTimeout
	}
	hydration := cfg.HydrationTimeout
	if hydration == 0 {
		hydration = DefaultHydrationTimeout
	}

	g := graph.New(graph.WithLogger(cfg.Logger))
	cm := canon.New(g, cfg.Logger)
	resolver := ident.New(cfg.Keys, cfg.Interfaces)
	plans := plan.NewRegistry()
	docs := document.New(document.Config{
		Graph:  g,
		Canon:  cm,
		Ident:  resolver,
		Logger: cfg.Logger,
	})
	engine := optimistic.New(optimistic.Config{
		Graph:  g,
		Canon:  cm,
		Ident:  resolver,
		Plans:  plans,
		Docs:   docs,
		Logger: cfg.Logger,
	})

	c := &Client{
		transport:         cfg.Transport,
		storage:           cfg.Storage,
		logger:            cfg.Logger,
		graph:             g,
		canon:             cm,
		ident:             resolver,
		plans:             plans,
		docs:              docs,
		engine:            engine,
		defaultPolicy:     policy,
		suspensionTimeout: suspension,
		hydrationTimeout:  hydration,
		suspended:         make(map[string]time.Time),
		instanceID:        uuid.NewString(),
		now:               time.Now,
	}

	// The startup load runs before the change listener attaches, so the
	// loaded records do not echo straight back into the adapter.
	if c.storage != nil {
		c.loadStorage(context.Background())
	}

	g.OnChange(func(touched map[string]struct{}) {
		c.docs.InvalidateTouched(touched)
		c.dispatch(touched)
		c.persistTouched(touched)
	})

	if c.storage != nil {
		c.storage.SetCallbacks(c.applyRemoteUpdate, c.applyRemoteRemove)
	}

	return c, nil
}

// InstanceID returns the client's unique instance id, used by storage
// adapters to filter their own journal entries.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Identify derives the record id for an object carrying __typename and
// key fields, using the configured key functions.
func (c *Client) Identify(obj map[string]any) (string, bool) {
	return c.ident.EntityID(obj)
}

// ModifyOptimistic runs a builder in a new optimistic layer. See the
// optimistic package for the builder surface.
func (c *Client) ModifyOptimistic(builder optimistic.Builder) (*optimistic.Transaction, error) {
	return c.engine.Modify(builder)
}

// ReplayOptimistic rebuilds the scoped records and connections from the
// baseline plus all active layers.
func (c *Client) ReplayOptimistic(scope optimistic.Scope) optimistic.ReplayResult {
	return c.engine.Replay(scope)
}

// Dispose releases the storage adapter. The in-memory cache remains
// usable.
func (c *Client) Dispose() {
	if c.storage == nil {
		return
	}
	defer c.recoverStorage("dispose")
	c.storage.Dispose()
}

// dispatch fans one flushed touched set out to watchers in registration
// order; each watcher runs to completion before the next.
func (c *Client) dispatch(touched map[string]struct{}) {
	c.watcherMu.Lock()
	active := make([]watcher, len(c.watchers))
	copy(active, c.watchers)
	c.watcherMu.Unlock()

	for _, w := range active {
		w.notify(touched)
	}
}

// addWatcher registers a watcher.
func (c *Client) addWatcher(w watcher) {
	c.watcherMu.Lock()
	defer c.watcherMu.Unlock()
	c.watchers = append(c.watchers, w)
}

// removeWatcher unregisters a watcher.
func (c *Client) removeWatcher(w watcher) {
	c.watcherMu.Lock()
	defer c.watcherMu.Unlock()
	for i, cur := range c.watchers {
		if cur.watcherID() == w.watcherID() {
			c.watchers = append(c.watchers[:i], c.watchers[i+1:]...)
			return
		}
	}
}

// watcherCount returns the number of registered watchers.
func (c *Client) watcherCount() int {
	c.watcherMu.Lock()
	defer c.watcherMu.Unlock()
	return len(c.watchers)
}

// nextWatcherID allocates a registration id.
func (c *Client) nextWatcherID() int {
	c.watcherMu.Lock()
	defer c.watcherMu.Unlock()
	c.nextWatch++
	return c.nextWatch
}

// markFetched stamps a strict signature's last successful fetch.
func (c *Client) markFetched(signature string) {
	c.suspMu.Lock()
	defer c.suspMu.Unlock()
	c.suspended[signature] = c.now()
}

// suspendedNow reports whether the suspension window is open for a
// strict signature.
func (c *Client) suspendedNow(signature string) bool {
	c.suspMu.Lock()
	defer c.suspMu.Unlock()
	at, ok := c.suspended[signature]
	if !ok {
		return false
	}
	return c.now().Sub(at) <= c.suspensionTimeout
}

// hydratingNow reports whether the hydration window is open.
func (c *Client) hydratingNow() bool {
	c.hydrateMu.Lock()
	defer c.hydrateMu.Unlock()
	if c.hydratedAt.IsZero() {
		return false
	}
	return c.now().Sub(c.hydratedAt) <= c.hydrationTimeout
}

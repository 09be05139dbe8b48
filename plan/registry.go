package plan

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Registry is a thread-safe cache of compiled plans keyed by document
// source.
//
// The registry is append-only by design: once a plan is cached it is
// never evicted, so a given document text always resolves to the same
// *Plan pointer. Plans are immutable, which makes the shared pointer the
// identity the memoization and refcounting layers key on.
type Registry struct {
	mu    sync.RWMutex
	plans map[uint64]*Plan
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plans: make(map[uint64]*Plan)}
}

// Load returns the compiled plan for source, compiling and caching it on
// first use. The fragment name participates in the cache key, so the
// same document compiled as different fragments yields distinct plans.
func (r *Registry) Load(source string, opts ...CompileOption) (*Plan, error) {
	cfg := compileConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	key := xxhash.Sum64String(source + "\x00" + cfg.fragmentName)

	r.mu.RLock()
	p, ok := r.plans[key]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	compiled, err := Compile(source, opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.plans[key]; ok {
		return existing, nil
	}
	r.plans[key] = compiled
	return compiled, nil
}

// Len returns the number of cached plans.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plans)
}

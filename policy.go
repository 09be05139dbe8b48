package cachebay

// CachePolicy selects how an execution balances the cache against the
// network.
type CachePolicy string

const (
	// CacheFirst serves from cache on a hit and fetches only on a miss.
	CacheFirst CachePolicy = "cache-first"

	// CacheAndNetwork emits cached data immediately when present and
	// always revalidates over the network, suppressing the second emit
	// when the network result is structurally identical.
	CacheAndNetwork CachePolicy = "cache-and-network"

	// NetworkOnly always fetches, subject to the suspension and
	// hydration windows.
	NetworkOnly CachePolicy = "network-only"

	// CacheOnly never fetches; a miss resolves with [ErrCacheOnlyMiss].
	CacheOnly CachePolicy = "cache-only"
)

// valid reports whether p is a recognized policy.
func (p CachePolicy) valid() bool {
	switch p {
	case CacheFirst, CacheAndNetwork, NetworkOnly, CacheOnly:
		return true
	default:
		return false
	}
}

package transport

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// TODO: a time-indexed cache would serve this engine's access pattern
// better than an entry-capped LRU, since recently-fetched hosts dominate
// a crawl far more than aging ones.

// newCachingDialer wraps dial with an LRU-bounded DNS resolution cache so a
// long-running crawl over many hosts doesn't pay a fresh lookup (and, on
// Dial failure, the same backoff penalty) for every single fetch. Lookup
// failures are cached too, so a host that is currently unreachable doesn't
// get re-resolved on every retry within the cache window. If dial is nil,
// net.Dial is used.
func newCachingDialer(dial func(network, addr string) (net.Conn, error), maxEntries int) (func(network, addr string) (net.Conn, error), error) {
	if dial == nil {
		dial = net.Dial
	}
	cache, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	r := &resolverCache{dial: dial, cache: cache}
	return r.dialCached, nil
}

// resolverCache caches resolved (or failed) dial attempts per network+addr
// key so repeat fetches to the same host skip DNS resolution.
type resolverCache struct {
	dial  func(network, address string) (net.Conn, error)
	cache *lru.Cache
	mu    sync.RWMutex
}

type resolverEntry struct {
	remoteAddr string
	failed     bool
	err        error
	resolvedAt time.Time
}

const resolverEntryTTL = 5 * time.Minute

func (r *resolverCache) dialCached(network, addr string) (net.Conn, error) {
	key := network + addr
	r.mu.RLock()
	if v, ok := r.cache.Get(key); ok {
		entry := v.(resolverEntry)
		if time.Since(entry.resolvedAt) > resolverEntryTTL {
			r.mu.RUnlock()
			return r.resolve(network, addr)
		}
		r.mu.RUnlock()
		if entry.failed {
			return nil, entry.err
		}
		return r.dial(network, entry.remoteAddr)
	}
	r.mu.RUnlock()
	return r.resolve(network, addr)
}

// resolve performs (or re-performs) the dial, caching its outcome for
// resolverEntryTTL before returning the connection or error to the caller.
func (r *resolverCache) resolve(network, addr string) (net.Conn, error) {
	key := network + addr
	conn, err := r.dial(network, addr)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.cache.Add(key, resolverEntry{failed: true, err: err, resolvedAt: now})
		return nil, err
	}
	r.cache.Add(key, resolverEntry{remoteAddr: conn.RemoteAddr().String(), resolvedAt: now})
	return conn, nil
}

package agentrt

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedClient holds a client along with the timestamp it was stored.
type cachedClient struct {
	client   *Client
	storedAt time.Time
}

// ClientCache is a bounded LRU of agent server clients keyed by
// (baseURL, workspace). Entries expire after the TTL so a sandbox that
// was terminated and reprovisioned at the same address doesn't keep
// serving a stale client forever.
type ClientCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, cachedClient]
	ttl   time.Duration
}

// NewClientCache creates a cache holding at most size clients.
func NewClientCache(size int, ttl time.Duration) (*ClientCache, error) {
	cache, err := lru.New[string, cachedClient](size)
	if err != nil {
		return nil, fmt.Errorf("create client cache: %w", err)
	}
	return &ClientCache{cache: cache, ttl: ttl}, nil
}

// Get returns the cached client for the address, creating one on miss
// or after expiry.
func (cc *ClientCache) Get(baseURL, workspace string) *Client {
	key := baseURL + "|" + workspace

	cc.mu.Lock()
	defer cc.mu.Unlock()

	if entry, ok := cc.cache.Get(key); ok {
		if time.Since(entry.storedAt) < cc.ttl {
			return entry.client
		}
		// Expired; evict so the LRU bookkeeping stays clean.
		cc.cache.Remove(key)
	}

	client := NewClient(baseURL, workspace)
	cc.cache.Add(key, cachedClient{client: client, storedAt: time.Now()})
	return client
}

// Invalidate drops the cached client for one address.
func (cc *ClientCache) Invalidate(baseURL, workspace string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache.Remove(baseURL + "|" + workspace)
}

// Reset drops every cached client.
func (cc *ClientCache) Reset() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache.Purge()
}

// Len returns the number of live entries.
func (cc *ClientCache) Len() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.cache.Len()
}

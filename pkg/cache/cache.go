// Package cache implements the proxy pipeline's response cache: an LRU
// bounded by entry count and total bytes, keyed by request fingerprint,
// with single-flight coalescing so concurrent requesters for the same
// in-flight fingerprint share one upstream call.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrOverloaded is returned by GetOrCompute when a fingerprint already has
// maxWaiters goroutines coalesced on its single-flight compute and another
// one tries to join; the caller should surface this as backpressure rather
// than piling an unbounded number of waiters onto one upstream call.
var ErrOverloaded = errors.New("cache: too many waiters for fingerprint")

// Entry is a cached response.
type Entry struct {
	Bytes      []byte
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// Stats reports cache occupancy for the metrics gauge.
type Stats struct {
	Entries   int
	TotalBytes int64
}

type node struct {
	key   string
	entry Entry
}

// Cache is an LRU bounded by both entry count and total byte size, with
// lazy expiry on access and a low-rate sweeper for entries nobody reads
// again.
type Cache struct {
	mu sync.Mutex

	maxEntries int
	maxBytes   int64

	order      *list.List // front = most recently used
	items      map[string]*list.Element
	totalBytes int64

	group singleflight.Group
	clock func() time.Time

	maxWaiters int
	waitersMu  sync.Mutex
	waiters    map[string]int
}

func New(maxEntries int, maxBytes int64) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		clock:      time.Now,
		waiters:    make(map[string]int),
	}
}

// WithClock overrides the clock, for deterministic tests.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// WithMaxWaiters bounds the number of goroutines that may coalesce on a
// single fingerprint's in-flight compute. Zero (the default) imposes no
// bound.
func (c *Cache) WithMaxWaiters(n int) *Cache {
	c.maxWaiters = n
	return c
}

// ComputeFunc produces the bytes for a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// GetOrCompute returns the cached bytes for fingerprint if present and
// unexpired; otherwise it calls compute exactly once per fingerprint
// across all concurrent callers (single-flight), caches the result for
// ttl on success, and never caches a failure.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, ttl time.Duration, compute ComputeFunc) (bytes []byte, hit bool, err error) {
	if b, ok := c.get(fingerprint); ok {
		return b, true, nil
	}

	if !c.acquireWaiter(fingerprint) {
		return nil, false, ErrOverloaded
	}
	defer c.releaseWaiter(fingerprint)

	v, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		// Re-check under the singleflight key: another goroutine may have
		// populated the cache between our miss above and acquiring the
		// flight slot.
		if b, ok := c.get(fingerprint); ok {
			return b, nil
		}
		b, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.put(fingerprint, b, ttl)
		return b, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// acquireWaiter registers the caller as a waiter on fingerprint's
// single-flight compute, refusing once maxWaiters (if set) is reached.
func (c *Cache) acquireWaiter(fingerprint string) bool {
	if c.maxWaiters <= 0 {
		return true
	}
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	if c.waiters[fingerprint] >= c.maxWaiters {
		return false
	}
	c.waiters[fingerprint]++
	return true
}

func (c *Cache) releaseWaiter(fingerprint string) {
	if c.maxWaiters <= 0 {
		return
	}
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	c.waiters[fingerprint]--
	if c.waiters[fingerprint] <= 0 {
		delete(c.waiters, fingerprint)
	}
}

func (c *Cache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	n := el.Value.(*node)
	if c.clock().After(n.entry.ExpiresAt) {
		c.removeElement(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return n.entry.Bytes, true
}

func (c *Cache) put(key string, b []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}

	now := c.clock()
	entry := Entry{Bytes: b, InsertedAt: now, ExpiresAt: now.Add(ttl)}
	el := c.order.PushFront(&node{key: key, entry: entry})
	c.items[key] = el
	c.totalBytes += int64(len(b))

	c.evictLocked()
}

func (c *Cache) evictLocked() {
	for (c.maxEntries > 0 && c.order.Len() > c.maxEntries) || (c.maxBytes > 0 && c.totalBytes > c.maxBytes) {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	n := el.Value.(*node)
	c.order.Remove(el)
	delete(c.items, n.key)
	c.totalBytes -= int64(len(n.entry.Bytes))
}

// Sweep removes every expired entry, regardless of recency. Intended to
// be called at a low rate (e.g. once a minute) so entries that are never
// read again don't linger until capacity pressure evicts them.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	var expired []*list.Element
	for el := c.order.Front(); el != nil; el = el.Next() {
		if now.After(el.Value.(*node).entry.ExpiresAt) {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		c.removeElement(el)
	}
}

// Stats reports current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.order.Len(), TotalBytes: c.totalBytes}
}

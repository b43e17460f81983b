// Package cache provides LRU caching for parsed content documents.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/singleflight"

	"github.com/FocuswithJustin/epubcfi/core/xml"
)

// Cache is a generic LRU cache interface.
type Cache[K comparable, V any] interface {
	// Get retrieves a value from the cache.
	Get(key K) (V, bool)

	// Put stores a value in the cache.
	Put(key K, value V)

	// Remove removes a value from the cache.
	Remove(key K)

	// Clear removes all entries from the cache.
	Clear()

	// Len returns the number of entries in the cache.
	Len() int

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats contains cache statistics.
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Size       int
	MaxSize    int
	TotalBytes int64
}

// Config contains cache configuration options.
type Config struct {
	// MaxSize is the maximum number of entries (0 = unlimited).
	MaxSize int

	// MaxBytes bounds the summed entry size (0 = unlimited).
	MaxBytes int64

	// TTL is the time-to-live for entries (0 = no expiration).
	TTL time.Duration

	// OnEvict is called when an entry is removed.
	OnEvict func(key, value interface{})
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize: 64,
	}
}

// entry represents a cache entry.
type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// lruCache is a thread-safe LRU cache implementation.
type lruCache[K comparable, V any] struct {
	mu        sync.Mutex
	config    Config
	entries   map[K]*list.Element
	evictList *list.List
	stats     Stats
}

// NewLRUCache creates a new LRU cache with the given configuration.
// Config.MaxBytes is ignored; see NewBoundedCache.
func NewLRUCache[K comparable, V any](config Config) Cache[K, V] {
	return newLRUCache[K, V](config)
}

func newLRUCache[K comparable, V any](config Config) *lruCache[K, V] {
	if config.MaxSize < 0 {
		config.MaxSize = 0
	}

	return &lruCache[K, V]{
		config:    config,
		entries:   make(map[K]*list.Element),
		evictList: list.New(),
	}
}

// Get retrieves a value from the cache.
func (c *lruCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}

	e := ent.Value.(*entry[K, V])
	if c.config.TTL > 0 && time.Now().After(e.expiresAt) {
		c.removeElement(ent)
		c.stats.Misses++
		var zero V
		return zero, false
	}

	c.evictList.MoveToFront(ent)
	c.stats.Hits++
	return e.value, true
}

// peek returns a value without touching recency or statistics.
func (c *lruCache[K, V]) peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.entries[key]; ok {
		return ent.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put stores a value in the cache.
func (c *lruCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.entries[key]; ok {
		c.evictList.MoveToFront(ent)
		e := ent.Value.(*entry[K, V])
		e.value = value
		if c.config.TTL > 0 {
			e.expiresAt = time.Now().Add(c.config.TTL)
		}
		return
	}

	e := &entry[K, V]{
		key:   key,
		value: value,
	}
	if c.config.TTL > 0 {
		e.expiresAt = time.Now().Add(c.config.TTL)
	}

	ent := c.evictList.PushFront(e)
	c.entries[key] = ent

	if c.config.MaxSize > 0 && c.evictList.Len() > c.config.MaxSize {
		c.removeOldest()
	}
}

// Remove removes a value from the cache.
func (c *lruCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.entries[key]; ok {
		c.removeElement(ent)
	}
}

// Clear removes all entries from the cache.
func (c *lruCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.evictList.Len() > 0 {
		c.removeElement(c.evictList.Back())
	}
}

// Len returns the number of entries in the cache.
func (c *lruCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Stats returns cache statistics.
func (c *lruCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = c.evictList.Len()
	s.MaxSize = c.config.MaxSize
	return s
}

// evictOldest removes the least recently used entry, reporting whether
// there was one.
func (c *lruCache[K, V]) evictOldest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.evictList.Len() == 0 {
		return false
	}
	c.removeOldest()
	return true
}

// removeOldest removes the oldest entry from the cache.
func (c *lruCache[K, V]) removeOldest() {
	ent := c.evictList.Back()
	if ent != nil {
		c.removeElement(ent)
		c.stats.Evictions++
	}
}

// removeElement removes an element from the cache.
func (c *lruCache[K, V]) removeElement(ent *list.Element) {
	c.evictList.Remove(ent)
	e := ent.Value.(*entry[K, V])
	delete(c.entries, e.key)

	if c.config.OnEvict != nil {
		c.config.OnEvict(e.key, e.value)
	}
}

// BoundedCache is an LRU cache with byte size limits.
type BoundedCache[K comparable, V any] struct {
	cache       *lruCache[K, V]
	mu          sync.Mutex
	maxBytes    int64
	currentSize atomic.Int64
	sizes       sync.Map // K -> int64
	sizeFunc    func(V) int64
}

// NewBoundedCache creates a new cache with both entry count and byte size limits.
func NewBoundedCache[K comparable, V any](config Config, maxBytes int64, sizeFunc func(V) int64) *BoundedCache[K, V] {
	b := &BoundedCache[K, V]{
		maxBytes: maxBytes,
		sizeFunc: sizeFunc,
	}

	onEvict := config.OnEvict
	config.OnEvict = func(key, value interface{}) {
		if size, ok := b.sizes.LoadAndDelete(key); ok {
			b.currentSize.Add(-size.(int64))
		}
		if onEvict != nil {
			onEvict(key, value)
		}
	}
	b.cache = newLRUCache[K, V](config)
	return b
}

// Get retrieves a value from the cache.
func (c *BoundedCache[K, V]) Get(key K) (V, bool) {
	return c.cache.Get(key)
}

// Put stores a value in the cache, evicting least recently used entries
// until it fits. Values larger than the byte limit are not cached.
func (c *BoundedCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := c.sizeFunc(value)
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}

	if _, ok := c.cache.peek(key); ok {
		c.cache.Remove(key)
	}
	if c.maxBytes > 0 {
		for c.currentSize.Load()+size > c.maxBytes {
			if !c.cache.evictOldest() {
				break
			}
		}
	}

	c.sizes.Store(key, size)
	c.currentSize.Add(size)
	c.cache.Put(key, value)
}

// Remove removes a value from the cache.
func (c *BoundedCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Clear removes all entries from the cache.
func (c *BoundedCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Clear()
}

// Len returns the number of entries in the cache.
func (c *BoundedCache[K, V]) Len() int {
	return c.cache.Len()
}

// Stats returns cache statistics including byte size information.
func (c *BoundedCache[K, V]) Stats() Stats {
	stats := c.cache.Stats()
	stats.TotalBytes = c.currentSize.Load()
	return stats
}

// DocumentCache is a specialized cache for parsed content documents.
// Concurrent loads of the same key are collapsed into one.
type DocumentCache struct {
	cache Cache[string, *xml.Document]
	group singleflight.Group
}

// NewDocumentCache creates a new document cache. When config.MaxBytes is
// set, entries are bounded by their serialized size as well as by count.
func NewDocumentCache(config Config) *DocumentCache {
	var c Cache[string, *xml.Document]
	if config.MaxBytes > 0 {
		c = NewBoundedCache[string, *xml.Document](config, config.MaxBytes, documentBytes)
	} else {
		c = NewLRUCache[string, *xml.Document](config)
	}
	return &DocumentCache{cache: c}
}

// NewDefaultDocumentCache creates a new document cache with default configuration.
func NewDefaultDocumentCache() *DocumentCache {
	return NewDocumentCache(DefaultConfig())
}

// Key builds the cache key for href within a namespace, typically the
// digest of the book the document belongs to.
func Key(namespace, href string) string {
	return namespace + "\x00" + href
}

// Get retrieves a document from the cache.
func (c *DocumentCache) Get(key string) (*xml.Document, bool) {
	return c.cache.Get(key)
}

// Put stores a document in the cache.
func (c *DocumentCache) Put(key string, doc *xml.Document) {
	c.cache.Put(key, doc)
}

// Load returns the cached document for key, calling load on a miss. Only
// one load runs per key at a time; failures are not cached.
//
// The shared load runs on a context detached from ctx cancellation, so a
// caller that gives up does not fail the others waiting on the same key.
// Each caller stops waiting when its own ctx is done.
func (c *DocumentCache) Load(ctx context.Context, key string, load func(context.Context) (*xml.Document, error)) (*xml.Document, error) {
	if doc, ok := c.cache.Get(key); ok {
		return doc, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shared := context.WithoutCancel(ctx)
	done := make(chan loadResult, 1)
	go func() {
		v, err := c.group.Do(key, func() (interface{}, error) {
			doc, err := load(shared)
			if err != nil {
				return nil, err
			}
			c.cache.Put(key, doc)
			return doc, nil
		})
		done <- loadResult{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.v.(*xml.Document), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type loadResult struct {
	v   interface{}
	err error
}

// Remove removes a document from the cache.
func (c *DocumentCache) Remove(key string) {
	c.cache.Remove(key)
}

// Clear removes all documents from the cache.
func (c *DocumentCache) Clear() {
	c.cache.Clear()
}

// Len returns the number of cached documents.
func (c *DocumentCache) Len() int {
	return c.cache.Len()
}

// Stats returns cache statistics.
func (c *DocumentCache) Stats() Stats {
	return c.cache.Stats()
}

// documentBytes estimates the byte size of a document.
func documentBytes(doc *xml.Document) int64 {
	if doc == nil {
		return 0
	}
	return int64(len(doc.Serialize()))
}

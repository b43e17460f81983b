package source

import (
	"context"

	"github.com/FocuswithJustin/epubcfi/core/cache"
	"github.com/FocuswithJustin/epubcfi/core/xml"
	"github.com/FocuswithJustin/epubcfi/internal/logging"
)

// Cached wraps a Fetcher with an LRU document cache. Documents are keyed
// by namespace and href, so one cache can serve several books.
//
// Cached documents are shared between callers and must be treated as
// read-only; the interpreter marks a private copy.
type Cached struct {
	next      Fetcher
	namespace string
	cache     *cache.DocumentCache
}

// NewCached wraps next. A nil c gets a cache with cache.DefaultConfig.
func NewCached(next Fetcher, namespace string, c *cache.DocumentCache) *Cached {
	if c == nil {
		c = cache.NewDefaultDocumentCache()
	}
	return &Cached{next: next, namespace: namespace, cache: c}
}

// Fetch returns the cached document for href, fetching it from the
// wrapped Fetcher on a miss. Failed fetches are not cached. Concurrent
// misses share one fetch, which outlives the cancellation of any single
// caller's ctx.
func (s *Cached) Fetch(ctx context.Context, href string) (*xml.Document, error) {
	return s.cache.Load(ctx, cache.Key(s.namespace, href), func(ctx context.Context) (*xml.Document, error) {
		return s.next.Fetch(ctx, href)
	})
}

// Stats returns statistics of the underlying cache.
func (s *Cached) Stats() cache.Stats {
	return s.cache.Stats()
}

// LogStats writes the cache statistics at debug level.
func (s *Cached) LogStats() {
	st := s.cache.Stats()
	logging.CacheStats("documents", st.Hits, st.Misses, st.Evictions, st.Size, "namespace", s.namespace)
}

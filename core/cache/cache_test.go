package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FocuswithJustin/epubcfi/core/xml"
)

func TestLRUCache_Eviction(t *testing.T) {
	cache := NewLRUCache[string, int](Config{MaxSize: 2})

	cache.Put("a", 1)
	cache.Put("b", 2)
	cache.Get("a")    // "b" is now least recently used
	cache.Put("c", 3) // evicts "b"

	if _, ok := cache.Get("b"); ok {
		t.Error("Get(b) should return false after eviction")
	}
	for key, want := range map[string]int{"a": 1, "c": 3} {
		if v, ok := cache.Get(key); !ok || v != want {
			t.Errorf("Get(%s) = %d, %v; want %d, true", key, v, ok, want)
		}
	}
	if n := cache.Len(); n != 2 {
		t.Errorf("Len() = %d; want 2", n)
	}
}

func TestLRUCache_UpdateRemoveClear(t *testing.T) {
	var evicted []string
	cache := NewLRUCache[string, int](Config{
		MaxSize: 3,
		OnEvict: func(key, value interface{}) {
			evicted = append(evicted, fmt.Sprintf("%s=%d", key, value))
		},
	})

	cache.Put("a", 1)
	cache.Put("a", 2)
	if v, ok := cache.Get("a"); !ok || v != 2 {
		t.Errorf("Get(a) = %d, %v; want 2, true", v, ok)
	}
	if n := cache.Len(); n != 1 {
		t.Errorf("Len() = %d; want 1", n)
	}

	cache.Put("b", 3)
	cache.Remove("b")
	cache.Remove("missing")
	if _, ok := cache.Get("b"); ok {
		t.Error("Get(b) should return false after Remove")
	}

	cache.Clear()
	if n := cache.Len(); n != 0 {
		t.Errorf("Len() = %d; want 0", n)
	}

	want := []string{"b=3", "a=2"}
	if fmt.Sprint(evicted) != fmt.Sprint(want) {
		t.Errorf("evicted = %v; want %v", evicted, want)
	}
}

func TestLRUCache_TTL(t *testing.T) {
	cache := NewLRUCache[string, int](Config{MaxSize: 3, TTL: 50 * time.Millisecond})

	cache.Put("a", 1)
	if v, ok := cache.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v; want 1, true", v, ok)
	}

	time.Sleep(100 * time.Millisecond)

	if _, ok := cache.Get("a"); ok {
		t.Error("Get(a) should return false after TTL expiration")
	}
}

func TestLRUCache_Stats(t *testing.T) {
	cache := NewLRUCache[string, int](Config{MaxSize: 2})

	cache.Put("a", 1)
	cache.Put("b", 2)
	cache.Get("a")
	cache.Get("b")
	cache.Get("c")
	cache.Get("d")
	cache.Put("c", 3)

	got := cache.Stats()
	want := Stats{Hits: 2, Misses: 2, Evictions: 1, Size: 2, MaxSize: 2}
	if got != want {
		t.Errorf("Stats() = %+v; want %+v", got, want)
	}
}

func TestLRUCache_NegativeMaxSize(t *testing.T) {
	cache := NewLRUCache[int, int](Config{MaxSize: -1})
	for i := 0; i < 500; i++ {
		cache.Put(i, i)
	}
	if n := cache.Len(); n != 500 {
		t.Errorf("Len() = %d; want 500 (unlimited)", n)
	}
}

func TestLRUCache_Concurrency(t *testing.T) {
	config := Config{MaxSize: 100}
	cache := NewLRUCache[int, int](config)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.Put(id*100+j, j)
			}
		}(i)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.Get(id*100 + j)
			}
		}(i)
	}
	wg.Wait()

	if n := cache.Len(); n > config.MaxSize {
		t.Errorf("Len() = %d; want <= %d", n, config.MaxSize)
	}
}

func TestBoundedCache_ByteLimit(t *testing.T) {
	cache := NewBoundedCache[string, string](Config{}, 10, func(s string) int64 { return int64(len(s)) })

	cache.Put("a", "aaaa")
	cache.Put("b", "bbbb")
	if got := cache.Stats().TotalBytes; got != 8 {
		t.Errorf("TotalBytes = %d; want 8", got)
	}

	cache.Put("c", "cccc") // evicts "a"
	if _, ok := cache.Get("a"); ok {
		t.Error("Get(a) should return false after byte eviction")
	}
	if got := cache.Stats().TotalBytes; got != 8 {
		t.Errorf("TotalBytes = %d; want 8", got)
	}

	cache.Put("huge", "0123456789ab")
	if _, ok := cache.Get("huge"); ok {
		t.Error("value larger than the limit should not be cached")
	}

	cache.Put("b", "bb")
	if got := cache.Stats().TotalBytes; got != 6 {
		t.Errorf("TotalBytes after replace = %d; want 6", got)
	}

	cache.Remove("c")
	if got := cache.Stats().TotalBytes; got != 2 {
		t.Errorf("TotalBytes after Remove = %d; want 2", got)
	}

	cache.Clear()
	if got := cache.Stats().TotalBytes; got != 0 || cache.Len() != 0 {
		t.Errorf("after Clear: TotalBytes = %d, Len = %d", got, cache.Len())
	}
}

func TestBoundedCache_CountLimit(t *testing.T) {
	var evictions int
	cache := NewBoundedCache[int, string](Config{
		MaxSize: 2,
		OnEvict: func(key, value interface{}) { evictions++ },
	}, 0, func(s string) int64 { return int64(len(s)) })

	cache.Put(1, "x")
	cache.Put(2, "yy")
	cache.Put(3, "zzz")

	if cache.Len() != 2 {
		t.Errorf("Len() = %d; want 2", cache.Len())
	}
	if evictions != 1 {
		t.Errorf("evictions = %d; want 1", evictions)
	}
	if got := cache.Stats().TotalBytes; got != 5 {
		t.Errorf("TotalBytes = %d; want 5", got)
	}
}

func mustParse(t *testing.T, s string) *xml.Document {
	t.Helper()
	doc, err := xml.Parse([]byte(s))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return doc
}

func TestDocumentCache_Load(t *testing.T) {
	cache := NewDefaultDocumentCache()
	doc := mustParse(t, `<html><body/></html>`)
	key := Key("book", "chapter_001.xhtml")

	var loads int
	load := func(context.Context) (*xml.Document, error) {
		loads++
		return doc, nil
	}

	for i := 0; i < 3; i++ {
		got, err := cache.Load(context.Background(), key, load)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got != doc {
			t.Error("Load returned a different document")
		}
	}
	if loads != 1 {
		t.Errorf("loads = %d; want 1", loads)
	}

	stats := cache.Stats()
	if stats.Hits != 2 || stats.Size != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestDocumentCache_LoadError(t *testing.T) {
	cache := NewDefaultDocumentCache()
	boom := errors.New("boom")

	_, err := cache.Load(context.Background(), "k", func(context.Context) (*xml.Document, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("Load error = %v; want %v", err, boom)
	}
	if cache.Len() != 0 {
		t.Error("failed load was cached")
	}
}

func TestDocumentCache_LoadCollapsesConcurrentMisses(t *testing.T) {
	cache := NewDefaultDocumentCache()
	doc := mustParse(t, `<html/>`)

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (*xml.Document, error) {
		loads.Add(1)
		<-release
		return doc, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Load(context.Background(), "k", load); err != nil {
				t.Errorf("Load failed: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := loads.Load(); n < 1 || n > 8 {
		t.Errorf("loads = %d", n)
	}
	if got, ok := cache.Get("k"); !ok || got != doc {
		t.Error("document not cached after load")
	}
}

func TestDocumentCache_LoadCancelIsPerCaller(t *testing.T) {
	cache := NewDefaultDocumentCache()
	doc := mustParse(t, `<html/>`)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	load := func(ctx context.Context) (*xml.Document, error) {
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return doc, nil
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := cache.Load(ctxA, "k", load)
		errA <- err
	}()
	<-started

	type result struct {
		doc *xml.Document
		err error
	}
	resB := make(chan result, 1)
	go func() {
		got, err := cache.Load(context.Background(), "k", load)
		resB <- result{got, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("canceled caller error = %v; want context.Canceled", err)
	}

	close(release)
	b := <-resB
	if b.err != nil {
		t.Fatalf("waiting caller failed: %v", b.err)
	}
	if b.doc != doc {
		t.Error("waiting caller got a different document")
	}
	if got, ok := cache.Get("k"); !ok || got != doc {
		t.Error("document not cached after the first caller gave up")
	}
}

func TestDocumentCache_LoadCanceledBeforeStart(t *testing.T) {
	cache := NewDefaultDocumentCache()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := cache.Load(ctx, "k", func(context.Context) (*xml.Document, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Load error = %v; want context.Canceled", err)
	}
	if called {
		t.Error("load ran for a canceled caller")
	}
}

func TestDocumentCache_MaxBytes(t *testing.T) {
	small := mustParse(t, `<a/>`)
	size := documentBytes(small)

	cache := NewDocumentCache(Config{MaxBytes: size * 2})
	cache.Put("one", small)
	cache.Put("two", mustParse(t, `<b/>`))
	cache.Put("three", mustParse(t, `<c/>`))

	if cache.Len() != 2 {
		t.Errorf("Len() = %d; want 2", cache.Len())
	}
	if _, ok := cache.Get("one"); ok {
		t.Error("oldest document should have been evicted")
	}
	if got := cache.Stats().TotalBytes; got != size*2 {
		t.Errorf("TotalBytes = %d; want %d", got, size*2)
	}

	cache.Remove("two")
	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Len() = %d after Clear", cache.Len())
	}
}

func TestKey(t *testing.T) {
	if Key("a", "b/c") == Key("a/b", "c") {
		t.Error("keys from different namespaces collide")
	}
}

func TestDocumentBytesNil(t *testing.T) {
	if got := documentBytes(nil); got != 0 {
		t.Errorf("documentBytes(nil) = %d; want 0", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.MaxSize != 64 || config.MaxBytes != 0 || config.TTL != 0 || config.OnEvict != nil {
		t.Errorf("DefaultConfig() = %+v", config)
	}
}

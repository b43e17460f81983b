package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FocuswithJustin/epubcfi/core/cache"
	cfierrors "github.com/FocuswithJustin/epubcfi/core/errors"
	"github.com/FocuswithJustin/epubcfi/core/xml"
)

const chapterXHTML = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml"><head><title>Loomings</title></head>
<body><p id="c01p0000">Call me Ishmael.&nbsp;</p></body></html>`

func parseChapter(t *testing.T) *xml.Document {
	t.Helper()
	doc, err := xml.ParseXHTML([]byte(chapterXHTML))
	if err != nil {
		t.Fatalf("ParseXHTML failed: %v", err)
	}
	return doc
}

func TestFunc(t *testing.T) {
	doc := parseChapter(t)
	var got string
	src := Func(func(ctx context.Context, href string) (*xml.Document, error) {
		got = href
		return doc, nil
	})

	res, err := src.Fetch(context.Background(), "chapter_001.xhtml")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res != doc || got != "chapter_001.xhtml" {
		t.Errorf("Fetch returned %v for %q", res, got)
	}
}

func TestCallback(t *testing.T) {
	doc := parseChapter(t)
	boom := errors.New("boom")

	tests := []struct {
		name    string
		loader  Callback
		wantDoc bool
		wantErr error
	}{
		{
			name: "synchronous success",
			loader: func(href string, ok func(*xml.Document), fail func(error)) {
				ok(doc)
			},
			wantDoc: true,
		},
		{
			name: "asynchronous success",
			loader: func(href string, ok func(*xml.Document), fail func(error)) {
				go func() {
					time.Sleep(5 * time.Millisecond)
					ok(doc)
				}()
			},
			wantDoc: true,
		},
		{
			name: "failure",
			loader: func(href string, ok func(*xml.Document), fail func(error)) {
				go fail(boom)
			},
			wantErr: boom,
		},
		{
			name: "second continuation ignored",
			loader: func(href string, ok func(*xml.Document), fail func(error)) {
				fail(boom)
				ok(doc)
			},
			wantErr: boom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.loader.Fetch(context.Background(), "chapter_001.xhtml")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Fetch error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch failed: %v", err)
			}
			if tt.wantDoc && res != doc {
				t.Error("Fetch returned the wrong document")
			}
		})
	}
}

func TestCallbackContext(t *testing.T) {
	never := Callback(func(href string, ok func(*xml.Document), fail func(error)) {})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := never.Fetch(ctx, "chapter_001.xhtml"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch error = %v, want deadline exceeded", err)
	}

	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	called := false
	loader := Callback(func(href string, ok func(*xml.Document), fail func(error)) { called = true })
	if _, err := loader.Fetch(canceled, "x.xhtml"); !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch error = %v, want canceled", err)
	}
	if called {
		t.Error("loader started with a canceled context")
	}
}

func TestCached(t *testing.T) {
	doc := parseChapter(t)
	var fetches atomic.Int32
	next := Func(func(ctx context.Context, href string) (*xml.Document, error) {
		fetches.Add(1)
		if href == "missing.xhtml" {
			return nil, cfierrors.NewNotFound("document", href)
		}
		return doc, nil
	})

	shared := cache.NewDocumentCache(cache.Config{MaxSize: 8})
	a := NewCached(next, "book-a", shared)
	b := NewCached(next, "book-b", shared)

	for i := 0; i < 3; i++ {
		if _, err := a.Fetch(context.Background(), "chapter_001.xhtml"); err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
	}
	if _, err := b.Fetch(context.Background(), "chapter_001.xhtml"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if n := fetches.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2 (one per namespace)", n)
	}

	for i := 0; i < 2; i++ {
		if _, err := a.Fetch(context.Background(), "missing.xhtml"); !errors.Is(err, cfierrors.ErrNotFound) {
			t.Errorf("Fetch error = %v, want not found", err)
		}
	}
	if n := fetches.Load(); n != 4 {
		t.Errorf("fetches = %d, want 4 (failures are not cached)", n)
	}

	stats := a.Stats()
	if stats.Hits != 2 || stats.Size != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
	a.LogStats()
}

func TestCachedCancelIsPerCaller(t *testing.T) {
	doc := parseChapter(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var fetches atomic.Int32
	next := Func(func(ctx context.Context, href string) (*xml.Document, error) {
		if fetches.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return doc, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s := NewCached(next, "book", nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.Fetch(ctxA, "chapter_001.xhtml")
		errA <- err
	}()
	<-started

	errB := make(chan error, 1)
	go func() {
		got, err := s.Fetch(context.Background(), "chapter_001.xhtml")
		if err == nil && got != doc {
			err = errors.New("different document")
		}
		errB <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("canceled caller error = %v, want context.Canceled", err)
	}
	close(release)
	if err := <-errB; err != nil {
		t.Errorf("waiting caller error = %v, want nil", err)
	}
}

func TestNewCachedDefaultCache(t *testing.T) {
	s := NewCached(Func(func(ctx context.Context, href string) (*xml.Document, error) {
		return parseChapter(t), nil
	}), "", nil)
	if _, err := s.Fetch(context.Background(), "a.xhtml"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if s.Stats().MaxSize != cache.DefaultConfig().MaxSize {
		t.Errorf("MaxSize = %d", s.Stats().MaxSize)
	}
}

func TestHTTP(t *testing.T) {
	var userAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/books/moby/OPS/chapter_001.xhtml":
			w.Header().Set("Content-Type", "application/xhtml+xml")
			w.Write([]byte(chapterXHTML))
		case "/books/moby/OPS/Text/chapter two.xhtml":
			w.Write([]byte(`<html><body/></html>`))
		case "/books/moby/OPS/broken.xhtml":
			w.Write([]byte(`<html><body>`))
		case "/books/moby/OPS/error.xhtml":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	cfg := DefaultHTTPConfig()
	cfg.BaseURL = server.URL + "/books/moby/OPS"
	src, err := NewHTTP(cfg)
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}

	doc, err := src.Fetch(context.Background(), "chapter_001.xhtml#c01p0000")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	p, err := doc.XPathFirst("//*[@id='c01p0000']")
	if err != nil || p == nil {
		t.Fatalf("paragraph not found: %v", err)
	}
	if ua := userAgent.Load(); ua != "epubcfi/1.0" {
		t.Errorf("User-Agent = %v", ua)
	}

	if _, err := src.Fetch(context.Background(), "Text/chapter%20two.xhtml"); err != nil {
		t.Errorf("Fetch with escaped href failed: %v", err)
	}

	tests := []struct {
		href    string
		wantErr error
	}{
		{"missing.xhtml", cfierrors.ErrNotFound},
		{"error.xhtml", nil},
		{"broken.xhtml", nil},
		{"../../secret.xhtml", cfierrors.ErrInvalidInput},
		{"https://elsewhere.example/x.xhtml", cfierrors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.href, func(t *testing.T) {
			_, err := src.Fetch(context.Background(), tt.href)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Fetch error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	var ioErr *cfierrors.IOError
	if _, err := src.Fetch(context.Background(), "error.xhtml"); !errors.As(err, &ioErr) {
		t.Errorf("expected IOError for HTTP 500, got %v", err)
	}
	var parseErr *cfierrors.ParseError
	if _, err := src.Fetch(context.Background(), "broken.xhtml"); !errors.As(err, &parseErr) {
		t.Errorf("expected ParseError for malformed XHTML, got %v", err)
	}
}

func TestHTTPMaxBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chapterXHTML))
	}))
	defer server.Close()

	src, err := NewHTTP(HTTPConfig{BaseURL: server.URL, MaxBytes: 16})
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}
	var ioErr *cfierrors.IOError
	if _, err := src.Fetch(context.Background(), "chapter.xhtml"); !errors.As(err, &ioErr) {
		t.Errorf("expected IOError for oversized document, got %v", err)
	}
}

func TestHTTPContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chapterXHTML))
	}))
	defer server.Close()

	src, err := NewHTTP(HTTPConfig{BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Fetch(ctx, "chapter.xhtml"); !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch error = %v, want canceled", err)
	}
}

func TestNewHTTPInvalid(t *testing.T) {
	for _, base := range []string{"", "ftp://example.com/book/", "file:///srv/book", "://bad"} {
		if _, err := NewHTTP(HTTPConfig{BaseURL: base}); err == nil {
			t.Errorf("NewHTTP(%q) succeeded, want error", base)
		}
	}
}

func TestHTTPURL(t *testing.T) {
	src, err := NewHTTP(HTTPConfig{BaseURL: "https://books.example/moby/OPS"})
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}
	got, err := src.URL("Text/ch%201.xhtml#frag")
	if err != nil {
		t.Fatalf("URL failed: %v", err)
	}
	if want := "https://books.example/moby/OPS/Text/ch%201.xhtml"; got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}

	tests := []struct {
		href string
		want string
	}{
		{"../Text/c1.xhtml", "https://books.example/moby/Text/c1.xhtml"},
		{"../../../../c1.xhtml", "https://books.example/c1.xhtml"},
	}
	for _, tt := range tests {
		got, err := src.URL(tt.href)
		if err != nil {
			t.Errorf("URL(%q) failed: %v", tt.href, err)
			continue
		}
		if got != tt.want {
			t.Errorf("URL(%q) = %q, want %q", tt.href, got, tt.want)
		}
	}

	for _, href := range []string{"https://evil.example/x.xhtml", "//evil.example/x.xhtml", "/etc/passwd", ""} {
		if _, err := src.URL(href); err == nil {
			t.Errorf("URL(%q) succeeded, want error", href)
		}
	}
}

// Package source provides content document sources for the CFI
// interpreter: function and callback adapters, an LRU-caching wrapper,
// and an HTTP fetcher.
package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/FocuswithJustin/epubcfi/core/xml"
)

// Fetcher supplies a parsed content document for a manifest href.
type Fetcher interface {
	Fetch(ctx context.Context, href string) (*xml.Document, error)
}

// Func adapts an ordinary function to a Fetcher.
type Func func(ctx context.Context, href string) (*xml.Document, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, href string) (*xml.Document, error) {
	return f(ctx, href)
}

// Callback adapts a continuation-style loader. The loader must eventually
// call exactly one of onSuccess or onFailure, from any goroutine; later
// calls are ignored.
type Callback func(href string, onSuccess func(*xml.Document), onFailure func(error))

type callbackResult struct {
	doc *xml.Document
	err error
}

// Fetch starts the loader and waits for its continuation or for ctx to end.
func (c Callback) Fetch(ctx context.Context, href string) (*xml.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan callbackResult, 1)
	var once sync.Once
	deliver := func(r callbackResult) {
		once.Do(func() { done <- r })
	}

	c(href,
		func(doc *xml.Document) { deliver(callbackResult{doc: doc}) },
		func(err error) {
			if err == nil {
				err = fmt.Errorf("loading %s failed", href)
			}
			deliver(callbackResult{err: err})
		},
	)

	select {
	case r := <-done:
		return r.doc, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Package interpreter resolves a parsed EPUB CFI against the package
// document and the content documents it references.
//
// Resolution walks the steps in order. Index steps select a child element
// by its CFI virtual index; an indirection step dereferences the current
// itemref through the package manifest, fetches the referenced document
// from a Source and continues inside it; a terminus marks a character
// offset in the final element's text. Marking always happens on a private
// clone of the target document, so documents handed out by a shared cache
// are never mutated.
package interpreter

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/epubcfi/core/cfi"
	"github.com/FocuswithJustin/epubcfi/core/xml"
	"github.com/FocuswithJustin/epubcfi/internal/logging"
)

// Descriptions carried in NodeTypeError.Expected.
const (
	expectCFIString   = "expected CFI string node"
	expectIndexStep   = "expected index step node"
	expectIndirection = "expected indirection step node"
	expectTerminus    = "expected text terminus node"
	expectEvenIndex   = "expected step index addressing a child element"
	expectItemref     = "expected itemref with a manifest entry"
	expectDocument    = "expected referenced content document"
	expectTarget      = "expected element to mark"
	expectTextGap     = "expected text position within the parent"
	expectOffset      = "expected offset within the text content"
	expectPackage     = "expected package document with a root element"
)

// Source supplies content documents referenced from the package manifest.
// Fetch may block on I/O; it must honor ctx cancellation. Retry policy, if
// any, belongs to the implementation.
type Source interface {
	Fetch(ctx context.Context, href string) (*xml.Document, error)
}

// Options controls the marker element injected at a terminus.
type Options struct {
	// MarkerName is the marker element name.
	MarkerName string

	// MarkerClass is the value of the marker's class attribute.
	MarkerClass string

	// MarkerNamespace is declared on the marker with xmlns when non-empty.
	MarkerNamespace string
}

// DefaultOptions returns the options producing
// <span xmlns="http://www.w3.org/1999/xhtml" class="cfi_marker"/>.
func DefaultOptions() Options {
	return Options{
		MarkerName:      "span",
		MarkerClass:     "cfi_marker",
		MarkerNamespace: "http://www.w3.org/1999/xhtml",
	}
}

// Interpreter resolves CFIs. It holds no per-resolution state and is safe
// for concurrent use.
type Interpreter struct {
	src  Source
	opts Options
}

// New creates an Interpreter fetching content documents from src. Empty
// option fields take their DefaultOptions values, except MarkerNamespace.
func New(src Source, opts Options) *Interpreter {
	def := DefaultOptions()
	if opts.MarkerName == "" {
		opts.MarkerName = def.MarkerName
	}
	if opts.MarkerClass == "" {
		opts.MarkerClass = def.MarkerClass
	}
	return &Interpreter{src: src, opts: opts}
}

// Frame is one (document, element) pair visited during resolution.
type Frame struct {
	// Href is the content document href, "" for the package document.
	Href     string
	Document *xml.Document
	Element  *xml.Node
}

// Location is a resolved CFI.
type Location struct {
	// Href is the content document holding Element, "" for the package document.
	Href string

	// Document holds Element. When a terminus was resolved it is the
	// resolution's private working copy carrying the marker.
	Document *xml.Document

	// Element is the element addressed by the last step.
	Element *xml.Node

	// Marker is the injected marker, nil without a terminus.
	Marker *xml.Node

	// Chain lists the elements visited, package document root first.
	Chain []Frame
}

// Digest returns a BLAKE3 digest of the resolved element's markup, marker
// included. Equal inputs produce equal digests.
func (l *Location) Digest() string {
	sum := blake3.Sum256([]byte(l.Href + "\x00" + l.Element.OutputXML()))
	return hex.EncodeToString(sum[:])
}

// Interpret resolves node, which must be a *cfi.CFIString, against the
// package document pkg. Content documents are fetched from the
// Interpreter's Source.
func (i *Interpreter) Interpret(ctx context.Context, node cfi.Node, pkg *xml.Document) (*Location, error) {
	ctx = logging.WithResolutionID(ctx, uuid.NewString())
	start := time.Now()
	logging.ResolutionStart(ctx, describe(node))

	loc, err := i.interpret(ctx, node, pkg)
	if err != nil {
		logging.ResolutionFailed(ctx, err, "cfi", describe(node))
		return nil, err
	}

	logging.ResolutionDone(ctx, loc.Href, loc.Element.Name(), time.Since(start))
	return loc, nil
}

func (i *Interpreter) interpret(ctx context.Context, node cfi.Node, pkg *xml.Document) (*Location, error) {
	r, err := i.Begin(node, pkg)
	if err != nil {
		return nil, err
	}

	for !r.Done() {
		href := r.Pending()
		fetchStart := time.Now()
		doc, err := fetch(ctx, i.src, href)
		if err != nil {
			r.fail(err)
			return nil, err
		}
		logging.DocumentFetched(ctx, href, time.Since(fetchStart))

		if err := r.Resume(doc); err != nil {
			return nil, err
		}
	}
	return r.Result()
}

func describe(node cfi.Node) string {
	if c, ok := node.(*cfi.CFIString); ok && c != nil {
		return c.String()
	}
	return cfi.TagOf(node)
}

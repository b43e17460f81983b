package interpreter

import (
	"fmt"

	"github.com/FocuswithJustin/epubcfi/core/cfi"
	cfierrors "github.com/FocuswithJustin/epubcfi/core/errors"
	"github.com/FocuswithJustin/epubcfi/core/xml"
)

// Resolution is a CFI resolution in progress. It suspends at every
// indirection step until the referenced document is supplied with Resume,
// which lets callers fetch documents however they like (callbacks, event
// loops, goroutines). A Resolution is not safe for concurrent use.
type Resolution struct {
	interp *Interpreter
	root   *cfi.CFIString
	pkg    *xml.Document
	steps  []cfi.Step
	next   int

	href    string
	doc     *xml.Document
	current *xml.Node
	chain   []Frame

	// gap is the final odd-index step whose text run the terminus marks.
	gap *cfi.IndexStep

	pending     *cfi.IndirectionStep
	pendingHref string

	result *Location
	err    error
}

// Begin starts resolving node against pkg and runs until the first
// indirection step or the end of the path. The returned error is the
// resolution's failure, if it failed before suspending.
func (i *Interpreter) Begin(node cfi.Node, pkg *xml.Document) (*Resolution, error) {
	root, ok := node.(*cfi.CFIString)
	if !ok || root == nil {
		return nil, cfierrors.NewNodeType(cfi.TagOf(node), expectCFIString)
	}
	if pkg.Root() == nil {
		return nil, cfierrors.NewStructural(root.Tag(), expectPackage, cfierrors.NewNotFound("package document", ""))
	}
	steps := root.Steps()
	if len(steps) == 0 {
		return nil, cfierrors.NewStructural(root.Tag(), expectEvenIndex,
			fmt.Errorf("%w: empty path", cfierrors.ErrStepIndex))
	}

	r := &Resolution{
		interp:  i,
		root:    root,
		pkg:     pkg,
		steps:   steps,
		doc:     pkg,
		current: pkg.Root(),
	}
	r.chain = append(r.chain, Frame{Document: pkg, Element: r.current})
	if err := r.advance(); err != nil {
		return r, err
	}
	return r, nil
}

// Pending returns the href of the document the resolution is waiting for,
// or "" when it is not suspended.
func (r *Resolution) Pending() string {
	if r.pending == nil {
		return ""
	}
	return r.pendingHref
}

// Done reports whether the resolution has finished, successfully or not.
func (r *Resolution) Done() bool {
	return r.result != nil || r.err != nil
}

// Resume supplies the document awaited at the pending indirection step and
// continues the walk until the next suspension or the end.
func (r *Resolution) Resume(doc *xml.Document) error {
	if r.err != nil {
		return r.err
	}
	if r.pending == nil {
		return fmt.Errorf("resolution is not waiting for a document")
	}
	step := r.pending
	r.pending = nil

	el, err := ResumeIndirection(step, doc)
	if err != nil {
		return r.fail(err)
	}

	r.href, r.pendingHref = r.pendingHref, ""
	r.doc = doc
	r.current = el
	r.chain = append(r.chain, Frame{Href: r.href, Document: doc, Element: el})
	r.next++
	return r.advance()
}

// Fail aborts a suspended resolution because the pending document could
// not be obtained. The returned error is a structural NodeTypeError
// wrapping err.
func (r *Resolution) Fail(err error) error {
	if r.err != nil {
		return r.err
	}
	if r.pending == nil {
		return fmt.Errorf("resolution is not waiting for a document")
	}
	return r.fail(fetchFailed(r.pendingHref, err))
}

// Result returns the resolved location or the failure that aborted the
// resolution.
func (r *Resolution) Result() (*Location, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.result == nil {
		return nil, fmt.Errorf("resolution is waiting for document %q", r.pendingHref)
	}
	return r.result, nil
}

func (r *Resolution) fail(err error) error {
	r.pending = nil
	r.err = err
	return err
}

// advance resolves steps until an indirection suspends the walk or the
// path is exhausted.
func (r *Resolution) advance() error {
	for ; r.next < len(r.steps); r.next++ {
		last := r.next == len(r.steps)-1

		switch step := r.steps[r.next].(type) {
		case *cfi.IndirectionStep:
			href, err := BeginIndirection(step, r.current, r.pkg)
			if err != nil {
				return r.fail(err)
			}
			r.pending = step
			r.pendingHref = href
			return nil

		case *cfi.IndexStep:
			if last && r.root.Terminus != nil && step != nil && step.StepIndex%2 == 1 {
				r.gap = step
				continue
			}
			el, err := ResolveIndexStep(step, r.current)
			if err != nil {
				return r.fail(err)
			}
			r.current = el
			r.chain = append(r.chain, Frame{Href: r.href, Document: r.doc, Element: el})

		default:
			return r.fail(cfierrors.NewNodeType(cfi.TagOf(step), expectIndexStep))
		}
	}
	return r.finish()
}

// finish resolves the terminus, if any, on a private copy of the current
// document.
func (r *Resolution) finish() error {
	loc := &Location{
		Href:     r.href,
		Document: r.doc,
		Element:  r.current,
		Chain:    r.chain,
	}

	term := r.root.Terminus
	if term == nil {
		r.result = loc
		return nil
	}

	path, ok := r.doc.PathTo(r.current)
	if !ok {
		return r.fail(cfierrors.NewStructural(term.Tag(), expectTarget,
			fmt.Errorf("%w: resolved element is detached from its document", cfierrors.ErrStepIndex)))
	}
	working := r.doc.Clone()
	target := working.NodeAt(path)

	var marked *Marked
	var err error
	if r.gap != nil {
		marked, err = r.interp.resolveGapTerminus(term, target, r.gap.StepIndex)
	} else {
		marked, err = r.interp.ResolveTerminus(term, target)
	}
	if err != nil {
		return r.fail(err)
	}

	loc.Document = working
	loc.Element = marked.Element
	loc.Marker = marked.Marker
	r.result = loc
	return nil
}

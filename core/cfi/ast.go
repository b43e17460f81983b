// Package cfi defines the EPUB Canonical Fragment Identifier AST and a
// parser that produces it.
//
// The AST is a closed set of node variants: *CFIString, *IndexStep,
// *IndirectionStep and *Terminus. Consumers switch on the concrete type.
package cfi

import "encoding/json"

// Node tags, as reported by Tag and used in error messages.
const (
	TagCFIString   = "cfiString"
	TagIndexStep   = "indexStep"
	TagIndirection = "indirectionStep"
	TagTerminus    = "textTerminus"
	TagNone        = "none"
)

// Node is implemented by every AST node. The unexported method keeps the
// variant set closed to this package.
type Node interface {
	Tag() string
	isNode()
}

// Step is a path component: *IndexStep or *IndirectionStep.
type Step interface {
	Node
	// Index returns the CFI-encoded child position.
	Index() int
	// Assertion returns the asserted id, or "" when the step carries none.
	Assertion() string
}

// CFIString is the root of a parsed CFI.
type CFIString struct {
	// LocalPaths holds the path segments. Every path after the first
	// begins with an *IndirectionStep.
	LocalPaths []LocalPath `json:"localPaths"`

	// Terminus is the optional character offset at the end of the last path.
	Terminus *Terminus `json:"terminus,omitempty"`
}

// LocalPath is a run of steps resolved within one document.
type LocalPath struct {
	Steps []Step `json:"steps"`
}

// IndexStep selects a child within the current document.
type IndexStep struct {
	StepIndex   int    `json:"stepIndex"`
	IDAssertion string `json:"idAssertion,omitempty"`
}

// IndirectionStep selects a child of the document referenced by the
// previous step's element.
type IndirectionStep struct {
	StepIndex   int    `json:"stepIndex"`
	IDAssertion string `json:"idAssertion,omitempty"`
}

// Terminus addresses a character offset inside the text content of the
// element resolved by the last step.
type Terminus struct {
	Offset      int    `json:"offset"`
	IDAssertion string `json:"idAssertion,omitempty"`

	// TextAssertion is the raw text location assertion (e.g. "Ther,e now"),
	// carried for callers; resolution does not check it.
	TextAssertion string `json:"textAssertion,omitempty"`
}

func (*CFIString) Tag() string { return TagCFIString }
func (*IndexStep) Tag() string { return TagIndexStep }
func (*IndirectionStep) Tag() string { return TagIndirection }
func (*Terminus) Tag() string { return TagTerminus }

func (*CFIString) isNode() {}
func (*IndexStep) isNode() {}
func (*IndirectionStep) isNode() {}
func (*Terminus) isNode() {}

func (s *IndexStep) Index() int { return s.StepIndex }
func (s *IndexStep) Assertion() string { return s.IDAssertion }
func (s *IndirectionStep) Index() int { return s.StepIndex }
func (s *IndirectionStep) Assertion() string { return s.IDAssertion }

// TagOf returns the tag of n, or TagNone for a nil node (including a typed
// nil pointer).
func TagOf(n Node) string {
	switch v := n.(type) {
	case nil:
		return TagNone
	case *CFIString:
		if v == nil {
			return TagNone
		}
	case *IndexStep:
		if v == nil {
			return TagNone
		}
	case *IndirectionStep:
		if v == nil {
			return TagNone
		}
	case *Terminus:
		if v == nil {
			return TagNone
		}
	}
	return n.Tag()
}

// Steps returns every step of every local path, in resolution order.
func (c *CFIString) Steps() []Step {
	var steps []Step
	for _, p := range c.LocalPaths {
		steps = append(steps, p.Steps...)
	}
	return steps
}

// MarshalJSON includes the node tag so serialized steps keep their variant.
func (s *IndexStep) MarshalJSON() ([]byte, error) {
	type plain IndexStep
	return json.Marshal(struct {
		Type string `json:"type"`
		*plain
	}{TagIndexStep, (*plain)(s)})
}

// MarshalJSON includes the node tag so serialized steps keep their variant.
func (s *IndirectionStep) MarshalJSON() ([]byte, error) {
	type plain IndirectionStep
	return json.Marshal(struct {
		Type string `json:"type"`
		*plain
	}{TagIndirection, (*plain)(s)})
}

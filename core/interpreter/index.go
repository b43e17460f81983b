package interpreter

import (
	"fmt"

	"github.com/FocuswithJustin/epubcfi/core/cfi"
	cfierrors "github.com/FocuswithJustin/epubcfi/core/errors"
	"github.com/FocuswithJustin/epubcfi/core/xml"
)

// position is one slot of the CFI virtual numbering of a parent's children:
// an element at an even index, or the (possibly empty) run of text nodes in
// the gap at an odd index.
type position struct {
	index   int
	element *xml.Node
	texts   []*xml.Node
}

// enumerate assigns CFI indices to the children of parent. Elements get
// 2, 4, 6, ...; the text before the first element is 1, the text after the
// k-th element is 2k+1. Comments and processing instructions take no slot.
func enumerate(parent *xml.Node) []position {
	var out []position
	var run []*xml.Node
	gap := 1
	for _, child := range parent.ChildNodes() {
		switch child.Kind() {
		case xml.KindElement:
			out = append(out, position{index: gap, texts: run})
			out = append(out, position{index: gap + 1, element: child})
			gap += 2
			run = nil
		case xml.KindText:
			run = append(run, child)
		}
	}
	return append(out, position{index: gap, texts: run})
}

// lookup returns the slot with the given CFI index under parent.
func lookup(parent *xml.Node, index int) (position, bool) {
	slots := enumerate(parent)
	if index < 1 || index > len(slots) {
		return position{}, false
	}
	// slots are numbered 1..n in order
	return slots[index-1], true
}

// childElement returns the element addressed by an even CFI index.
func childElement(parent *xml.Node, index int, tag string) (*xml.Node, error) {
	if index%2 != 0 {
		return nil, cfierrors.NewStructural(tag, expectEvenIndex,
			fmt.Errorf("%w: /%d is a text position under <%s>", cfierrors.ErrStepIndex, index, parent.Name()))
	}
	slot, ok := lookup(parent, index)
	if !ok || slot.element == nil {
		return nil, cfierrors.NewStructural(tag, expectEvenIndex,
			fmt.Errorf("%w: /%d under <%s> with %d element children", cfierrors.ErrStepIndex, index, parent.Name(), len(parent.Children())))
	}
	return slot.element, nil
}

// ResolveIndexStep resolves one step within the current document. Both
// *cfi.IndexStep and *cfi.IndirectionStep are accepted; the latter is
// treated as a plain index step for its local numbering.
func ResolveIndexStep(node cfi.Node, current *xml.Node) (*xml.Node, error) {
	var step cfi.Step
	switch n := node.(type) {
	case *cfi.IndexStep:
		if n != nil {
			step = n
		}
	case *cfi.IndirectionStep:
		if n != nil {
			step = n
		}
	}
	if step == nil {
		return nil, cfierrors.NewNodeType(cfi.TagOf(node), expectIndexStep)
	}
	if current == nil || current.Kind() != xml.KindElement {
		return nil, cfierrors.NewStructural(step.Tag(), expectEvenIndex,
			fmt.Errorf("%w: no element to step from", cfierrors.ErrStepIndex))
	}

	el, err := childElement(current, step.Index(), step.Tag())
	if err != nil {
		return nil, err
	}
	if err := checkID(step.Assertion(), el, "index step id assertion failed"); err != nil {
		return nil, err
	}
	return el, nil
}

// checkID compares an asserted id with the element's id attribute. An
// empty assertion always passes.
func checkID(asserted string, el *xml.Node, message string) error {
	if asserted == "" {
		return nil
	}
	if actual := el.ID(); actual != asserted {
		return cfierrors.NewAssertion(asserted, actual, message)
	}
	return nil
}

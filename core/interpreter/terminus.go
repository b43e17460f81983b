package interpreter

import (
	"fmt"

	"github.com/FocuswithJustin/epubcfi/core/cfi"
	cfierrors "github.com/FocuswithJustin/epubcfi/core/errors"
	"github.com/FocuswithJustin/epubcfi/core/xml"
)

// Marked is the result of terminus resolution: the element whose text was
// split and the marker spliced into it.
type Marked struct {
	Element *xml.Node
	Marker  *xml.Node
}

// ResolveTerminus locates the terminus offset inside target's concatenated
// text content, splits the owning text node there and inserts a marker
// element between the fragments. target is mutated in place; callers
// resolving against a shared document must pass a private copy.
func (i *Interpreter) ResolveTerminus(node cfi.Node, target *xml.Node) (*Marked, error) {
	term, ok := node.(*cfi.Terminus)
	if !ok || term == nil {
		return nil, cfierrors.NewNodeType(cfi.TagOf(node), expectTerminus)
	}
	if target == nil || target.Kind() != xml.KindElement {
		return nil, cfierrors.NewStructural(term.Tag(), expectTarget,
			fmt.Errorf("%w: no element to mark", cfierrors.ErrStepIndex))
	}
	if err := checkID(term.IDAssertion, target, "terminus id assertion failed"); err != nil {
		return nil, err
	}

	var first *xml.Node
	if children := target.ChildNodes(); len(children) > 0 {
		first = children[0]
	}
	marker, err := i.mark(target.TextNodes(), term.Offset, target, first)
	if err != nil {
		return nil, err
	}
	return &Marked{Element: target, Marker: marker}, nil
}

// resolveGapTerminus marks an offset inside the text run at an odd CFI
// index of parent. Only the text nodes of that run count toward the offset.
func (i *Interpreter) resolveGapTerminus(term *cfi.Terminus, parent *xml.Node, index int) (*Marked, error) {
	if err := checkID(term.IDAssertion, parent, "terminus id assertion failed"); err != nil {
		return nil, err
	}
	slot, ok := lookup(parent, index)
	if !ok {
		return nil, cfierrors.NewStructural(cfi.TagIndexStep, expectTextGap,
			fmt.Errorf("%w: /%d under <%s>", cfierrors.ErrStepIndex, index, parent.Name()))
	}

	// an empty gap is marked right before the element that follows it
	var before *xml.Node
	if next, ok := lookup(parent, index+1); ok {
		before = next.element
	}
	marker, err := i.mark(slot.texts, term.Offset, parent, before)
	if err != nil {
		return nil, err
	}
	return &Marked{Element: parent, Marker: marker}, nil
}

// mark inserts a marker at offset within texts. When texts is empty the
// marker goes under emptyParent before emptyBefore (appended when nil).
func (i *Interpreter) mark(texts []*xml.Node, offset int, emptyParent, emptyBefore *xml.Node) (*xml.Node, error) {
	total := 0
	for _, t := range texts {
		total += t.TextLen()
	}
	if offset < 0 || offset > total {
		return nil, cfierrors.NewStructural(cfi.TagTerminus, expectOffset,
			fmt.Errorf("%w: offset %d, text length %d", cfierrors.ErrOffsetRange, offset, total))
	}

	marker := i.newMarker()
	if len(texts) == 0 {
		emptyParent.InsertBefore(marker, emptyBefore)
		return marker, nil
	}

	remaining := offset
	for idx, t := range texts {
		length := t.TextLen()
		if remaining > length && idx < len(texts)-1 {
			remaining -= length
			continue
		}

		parent := t.Parent()
		switch remaining {
		case 0:
			parent.InsertBefore(marker, t)
		case length:
			parent.InsertBefore(marker, t.NextSibling())
		default:
			rest, err := t.SplitText(remaining)
			if err != nil {
				return nil, cfierrors.NewStructural(cfi.TagTerminus, expectOffset,
					fmt.Errorf("%w: %v", cfierrors.ErrOffsetRange, err))
			}
			parent.InsertBefore(marker, rest)
		}
		return marker, nil
	}
	return nil, cfierrors.NewStructural(cfi.TagTerminus, expectOffset, cfierrors.ErrOffsetRange)
}

func (i *Interpreter) newMarker() *xml.Node {
	attrs := make([]xml.Attr, 0, 2)
	if i.opts.MarkerNamespace != "" {
		attrs = append(attrs, xml.Attr{Name: "xmlns", Value: i.opts.MarkerNamespace})
	}
	attrs = append(attrs, xml.Attr{Name: "class", Value: i.opts.MarkerClass})
	return xml.NewElement(i.opts.MarkerName, attrs...)
}

package interpreter

import (
	"context"
	"fmt"
	"strings"

	"github.com/FocuswithJustin/epubcfi/core/cfi"
	cfierrors "github.com/FocuswithJustin/epubcfi/core/errors"
	"github.com/FocuswithJustin/epubcfi/core/xml"
	"github.com/FocuswithJustin/epubcfi/internal/validation"
)

// BeginIndirection validates an indirection step against the itemref it
// dereferences and returns the href of the referenced content document.
// The step's id assertion is checked against current's own id.
func BeginIndirection(node cfi.Node, current *xml.Node, pkg *xml.Document) (string, error) {
	step, ok := node.(*cfi.IndirectionStep)
	if !ok || step == nil {
		return "", cfierrors.NewNodeType(cfi.TagOf(node), expectIndirection)
	}
	if current == nil || current.Kind() != xml.KindElement {
		return "", cfierrors.NewStructural(step.Tag(), expectItemref,
			fmt.Errorf("%w: no element to dereference", cfierrors.ErrManifest))
	}
	if err := checkID(step.IDAssertion, current, "indirection id assertion failed"); err != nil {
		return "", err
	}

	idref, _ := current.Attr("idref")
	if idref == "" {
		return "", cfierrors.NewStructural(step.Tag(), expectItemref,
			fmt.Errorf("%w: <%s> has no idref", cfierrors.ErrManifest, current.Name()))
	}
	if pkg == nil {
		return "", cfierrors.NewStructural(step.Tag(), expectItemref,
			fmt.Errorf("%w: no package document", cfierrors.ErrManifest))
	}

	item, err := pkg.XPathFirst(manifestItemQuery(idref))
	if err != nil {
		return "", cfierrors.NewStructural(step.Tag(), expectItemref,
			fmt.Errorf("%w: %v", cfierrors.ErrManifest, err))
	}
	if item == nil {
		return "", cfierrors.NewStructural(step.Tag(), expectItemref,
			fmt.Errorf("%w: no manifest item with id %q", cfierrors.ErrManifest, idref))
	}

	// The href is relative to the package document; the source resolves it
	// against that directory and keeps it inside the container.
	href, _ := item.Attr("href")
	if err := validation.ValidateHref(href); err != nil {
		return "", cfierrors.NewStructural(step.Tag(), expectItemref,
			fmt.Errorf("%w: manifest item %q: %v", cfierrors.ErrManifest, idref, err))
	}
	return href, nil
}

// ResumeIndirection applies the indirection step's own index to the root
// element of the fetched document. For XHTML content documents /4 is body.
func ResumeIndirection(node cfi.Node, doc *xml.Document) (*xml.Node, error) {
	step, ok := node.(*cfi.IndirectionStep)
	if !ok || step == nil {
		return nil, cfierrors.NewNodeType(cfi.TagOf(node), expectIndirection)
	}
	root := doc.Root()
	if root == nil {
		return nil, cfierrors.NewStructural(step.Tag(), expectDocument,
			fmt.Errorf("%w: referenced document has no root element", cfierrors.ErrManifest))
	}
	return childElement(root, step.StepIndex, step.Tag())
}

// ResolveIndirectionStep resolves an indirection step in one call: it looks
// up the referenced document, fetches it from src, and returns the element
// the step addresses inside it.
func ResolveIndirectionStep(ctx context.Context, node cfi.Node, current *xml.Node, pkg *xml.Document, src Source) (*xml.Node, error) {
	href, err := BeginIndirection(node, current, pkg)
	if err != nil {
		return nil, err
	}
	doc, err := fetch(ctx, src, href)
	if err != nil {
		return nil, err
	}
	return ResumeIndirection(node, doc)
}

// fetch obtains a document from src, reporting any failure as a structural
// error. Retrying is left to the source.
func fetch(ctx context.Context, src Source, href string) (*xml.Document, error) {
	if src == nil {
		return nil, fetchFailed(href, fmt.Errorf("no document source configured"))
	}
	if err := ctx.Err(); err != nil {
		return nil, fetchFailed(href, err)
	}
	doc, err := src.Fetch(ctx, href)
	if err != nil {
		return nil, fetchFailed(href, err)
	}
	if doc == nil {
		return nil, fetchFailed(href, cfierrors.NewNotFound("document", href))
	}
	return doc, nil
}

func fetchFailed(href string, err error) error {
	return cfierrors.NewStructural(cfi.TagIndirection, expectDocument, fmt.Errorf("fetch %s: %w", href, err))
}

// manifestItemQuery builds an XPath selecting the manifest item with the
// given id regardless of the OPF namespace prefix.
func manifestItemQuery(id string) string {
	return "//*[local-name()='manifest']/*[local-name()='item'][@id=" + xpathLiteral(id) + "]"
}

// xpathLiteral quotes s as an XPath 1.0 string literal.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	for i, p := range parts {
		parts[i] = "'" + p + "'"
	}
	return "concat(" + strings.Join(parts, `, "'", `) + ")"
}

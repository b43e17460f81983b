// Package epub opens EPUB publications for CFI resolution. A Book locates
// the package document through META-INF/container.xml and serves the
// content documents its manifest references.
//
// Books can be read from a zipped .epub, an exploded directory, a
// compressed tarball of an exploded book, or any fs.FS.
package epub

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	cfierrors "github.com/FocuswithJustin/epubcfi/core/errors"
	"github.com/FocuswithJustin/epubcfi/core/xml"
	"github.com/FocuswithJustin/epubcfi/internal/archive"
	"github.com/FocuswithJustin/epubcfi/internal/logging"
	"github.com/FocuswithJustin/epubcfi/internal/validation"
)

const (
	// ContainerPath is the location of the OCF container document.
	ContainerPath = "META-INF/container.xml"

	// PackageMediaType identifies the package document in container.xml.
	PackageMediaType = "application/oebps-package+xml"
)

// Metadata holds the Dublin Core fields of the package document.
type Metadata struct {
	Title      string
	Creator    string
	Language   string
	Identifier string
}

// SpineItem is one itemref of the spine, in reading order.
type SpineItem struct {
	// CFI is the package-level CFI addressing the itemref, e.g. "/6/14".
	CFI    string
	IDRef  string
	Href   string
	Linear bool
}

// Book is an opened EPUB publication.
type Book struct {
	fsys    fs.FS
	closer  io.Closer
	opfPath string
	baseDir string
	pkg     *xml.Document
	digest  string
}

// Open reads the container and package documents from fsys.
func Open(fsys fs.FS) (*Book, error) {
	data, err := fs.ReadFile(fsys, ContainerPath)
	if err != nil {
		if cfierrors.Is(err, fs.ErrNotExist) {
			return nil, cfierrors.NewNotFound("container document", ContainerPath)
		}
		return nil, cfierrors.NewIO("read", ContainerPath, err)
	}

	container, err := xml.Parse(data)
	if err != nil {
		return nil, &cfierrors.ParseError{Format: "container", Path: ContainerPath, Message: err.Error(), Err: err}
	}

	opfPath, err := rootfilePath(container)
	if err != nil {
		return nil, err
	}
	return openPackage(fsys, opfPath)
}

// rootfilePath returns the full-path of the package rootfile, preferring
// the one declared with the package media type.
func rootfilePath(container *xml.Document) (string, error) {
	rootfiles, err := container.XPath("//*[local-name()='rootfile'][@full-path]")
	if err != nil {
		return "", err
	}
	if len(rootfiles) == 0 {
		return "", cfierrors.NewParse("container", ContainerPath, "no rootfile declared")
	}

	chosen := rootfiles[0]
	for _, rf := range rootfiles {
		if mt, _ := rf.Attr("media-type"); mt == PackageMediaType {
			chosen = rf
			break
		}
	}

	full, _ := chosen.Attr("full-path")
	cleaned, err := validation.CleanEntryName(full)
	if err != nil {
		return "", cfierrors.NewParse("container", ContainerPath, fmt.Sprintf("invalid rootfile path %q: %v", full, err))
	}
	return cleaned, nil
}

func openPackage(fsys fs.FS, opfPath string) (*Book, error) {
	data, err := fs.ReadFile(fsys, opfPath)
	if err != nil {
		if cfierrors.Is(err, fs.ErrNotExist) {
			return nil, cfierrors.NewNotFound("package document", opfPath)
		}
		return nil, cfierrors.NewIO("read", opfPath, err)
	}

	pkg, err := xml.Parse(data)
	if err != nil {
		return nil, &cfierrors.ParseError{Format: "package", Path: opfPath, Message: err.Error(), Err: err}
	}
	if pkg.Root() == nil {
		return nil, cfierrors.NewParse("package", opfPath, "no root element")
	}

	sum := blake3.Sum256(data)
	baseDir := path.Dir(opfPath)
	if baseDir == "." {
		baseDir = ""
	}

	logging.Debug("opened package document", "path", opfPath, "bytes", len(data))
	return &Book{
		fsys:    fsys,
		opfPath: opfPath,
		baseDir: baseDir,
		pkg:     pkg,
		digest:  hex.EncodeToString(sum[:]),
	}, nil
}

// OpenBytes opens a zipped EPUB held in memory.
func OpenBytes(data []byte) (*Book, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &cfierrors.ParseError{Format: "EPUB", Message: err.Error(), Err: err}
	}
	return Open(zr)
}

// OpenFile opens the book at p: a .epub (or .zip) file, a directory
// holding an exploded book, a .tar.gz or .tar.xz of an exploded book, or
// a loose package document (.opf) whose content documents sit next to it.
// The returned Book must be closed.
func OpenFile(p string) (*Book, error) {
	if err := validation.ValidatePath(p); err != nil {
		return nil, fmt.Errorf("%w: %v", cfierrors.ErrInvalidInput, err)
	}

	info, err := os.Stat(p)
	if err != nil {
		if cfierrors.Is(err, fs.ErrNotExist) {
			return nil, cfierrors.NewNotFound("book", p)
		}
		return nil, cfierrors.NewIO("stat", p, err)
	}
	if info.IsDir() {
		return Open(os.DirFS(p))
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, cfierrors.NewIO("open", p, err)
	}
	kind, err := validation.DetectFileType(f, p)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cfierrors.ErrInvalidInput, err)
	}

	switch kind {
	case validation.FileTypeEPUB, validation.FileTypeZip:
		zr, err := zip.OpenReader(p)
		if err != nil {
			return nil, &cfierrors.ParseError{Format: "EPUB", Path: p, Message: err.Error(), Err: err}
		}
		book, err := Open(zr)
		if err != nil {
			zr.Close()
			return nil, err
		}
		book.closer = zr
		return book, nil

	case validation.FileTypeTarGZ, validation.FileTypeTarXZ:
		files, err := archive.Load(p)
		if err != nil {
			return nil, cfierrors.NewIO("read", p, err)
		}
		root, err := bookRoot(files)
		if err != nil {
			return nil, err
		}
		return Open(root)

	case validation.FileTypeXML:
		return openPackage(os.DirFS(filepath.Dir(p)), filepath.Base(p))
	}

	return nil, fmt.Errorf("%w: unsupported book format %s", cfierrors.ErrInvalidInput, kind)
}

// bookRoot returns the directory of an unpacked archive that holds the
// container document: the archive root or its single top-level folder.
func bookRoot(files archive.MemFS) (fs.FS, error) {
	if _, ok := files[ContainerPath]; ok {
		return files, nil
	}
	matches, err := fs.Glob(files, "*/"+ContainerPath)
	if err != nil {
		return nil, err
	}
	if len(matches) != 1 {
		return nil, cfierrors.NewNotFound("container document", ContainerPath)
	}
	return fs.Sub(files, strings.SplitN(matches[0], "/", 2)[0])
}

// Close releases the underlying file, if any.
func (b *Book) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// Package returns the parsed package document. It must not be mutated.
func (b *Book) Package() *xml.Document {
	return b.pkg
}

// PackagePath returns the container path of the package document.
func (b *Book) PackagePath() string {
	return b.opfPath
}

// Digest returns the hex BLAKE3 digest of the package document bytes.
// It identifies the book, e.g. as a cache namespace.
func (b *Book) Digest() string {
	return b.digest
}

// Resolve maps a manifest href to its container path.
func (b *Book) Resolve(href string) (string, error) {
	return validation.ResolveHref(b.baseDir, href)
}

// Fetch reads and parses the content document at href, which is
// interpreted relative to the package document.
func (b *Book) Fetch(ctx context.Context, href string) (*xml.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := b.Resolve(href)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cfierrors.ErrInvalidInput, err)
	}

	data, err := fs.ReadFile(b.fsys, p)
	if err != nil {
		if cfierrors.Is(err, fs.ErrNotExist) {
			return nil, cfierrors.NewNotFound("document", href)
		}
		return nil, cfierrors.NewIO("read", p, err)
	}

	doc, err := xml.ParseXHTML(data)
	if err != nil {
		return nil, &cfierrors.ParseError{Format: "XHTML", Path: p, Message: err.Error(), Err: err}
	}
	return doc, nil
}

// Metadata returns the title, creator, language and identifier.
func (b *Book) Metadata() Metadata {
	return Metadata{
		Title:      b.dcText("title"),
		Creator:    b.dcText("creator"),
		Language:   b.dcText("language"),
		Identifier: b.dcText("identifier"),
	}
}

func (b *Book) dcText(field string) string {
	n, err := b.pkg.XPathFirst("//*[local-name()='metadata']/*[local-name()='" + field + "']")
	if err != nil || n == nil {
		return ""
	}
	return strings.TrimSpace(n.InnerText())
}

// Spine lists the spine itemrefs with the package-level CFI of each and
// the href of the manifest item it references ("" when unresolved).
func (b *Book) Spine() ([]SpineItem, error) {
	root := b.pkg.Root()
	spineIndex := 0
	var spine *xml.Node
	for i, child := range root.Children() {
		if child.Name() == "spine" {
			spineIndex = 2 * (i + 1)
			spine = child
			break
		}
	}
	if spine == nil {
		return nil, cfierrors.NewParse("package", b.opfPath, "no spine")
	}

	hrefs := map[string]string{}
	items, err := b.pkg.XPath("//*[local-name()='manifest']/*[local-name()='item'][@id]")
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		href, _ := item.Attr("href")
		hrefs[item.ID()] = href
	}

	var out []SpineItem
	for i, ref := range spine.Children() {
		idref, _ := ref.Attr("idref")
		linear, _ := ref.Attr("linear")
		out = append(out, SpineItem{
			CFI:    fmt.Sprintf("/%d/%d", spineIndex, 2*(i+1)),
			IDRef:  idref,
			Href:   hrefs[idref],
			Linear: linear != "no",
		})
	}
	return out, nil
}

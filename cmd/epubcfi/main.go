// Command epubcfi resolves EPUB Canonical Fragment Identifiers against a
// book and prints the addressed element with a marker at the terminus.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/epubcfi/core/cache"
	"github.com/FocuswithJustin/epubcfi/core/cfi"
	"github.com/FocuswithJustin/epubcfi/core/epub"
	cfierrors "github.com/FocuswithJustin/epubcfi/core/errors"
	"github.com/FocuswithJustin/epubcfi/core/interpreter"
	"github.com/FocuswithJustin/epubcfi/core/source"
	"github.com/FocuswithJustin/epubcfi/core/xml"
	"github.com/FocuswithJustin/epubcfi/internal/logging"
)

const version = "0.1.0"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string        `name:"log-level" default:"warn" env:"EPUBCFI_LOG_LEVEL" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`
	LogFormat string        `name:"log-format" default:"text" env:"EPUBCFI_LOG_FORMAT" enum:"json,text" help:"Log format (json, text)"`
	CacheSize  int           `name:"cache-size" default:"64" env:"EPUBCFI_CACHE_SIZE" help:"Maximum number of content documents kept in memory"`
	CacheBytes int64         `name:"cache-bytes" default:"0" env:"EPUBCFI_CACHE_BYTES" help:"Approximate byte budget for cached documents (0 disables)"`
	CacheTTL   time.Duration `name:"cache-ttl" default:"0s" env:"EPUBCFI_CACHE_TTL" help:"Lifetime of a cached document (0 keeps it until evicted)"`
	Timeout    time.Duration `default:"30s" env:"EPUBCFI_TIMEOUT" help:"Timeout for books served over HTTP"`
}

// CLI defines the command-line interface for epubcfi.
type CLI struct {
	Globals

	Resolve ResolveCmd `cmd:"" help:"Resolve CFIs against a book"`
	Parse   ParseCmd   `cmd:"" help:"Print the AST of a CFI as JSON"`
	Spine   SpineCmd   `cmd:"" help:"List the spine items of a book with their CFIs"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// env is bound to every command's Run method.
type env struct {
	*Globals
	out io.Writer
}

// ResolveCmd resolves one or more CFIs against a book.
type ResolveCmd struct {
	Book        string   `arg:"" help:"Book: .epub file, exploded directory, .tar.gz/.tar.xz, .opf file, or http(s) URL of the package document"`
	CFIs        []string `arg:"" name:"cfi" help:"CFIs to resolve, e.g. 'epubcfi(/6/14!/4/2/14:4)'"`
	JSON        bool     `help:"Print results as JSON lines"`
	MarkerClass string   `name:"marker-class" default:"cfi_marker" help:"Class attribute of the injected marker"`
}

// resolved is the JSON form of a resolved CFI.
type resolved struct {
	CFI     string   `json:"cfi"`
	Href    string   `json:"href"`
	Element string   `json:"element"`
	ID      string   `json:"id,omitempty"`
	Chain   []string `json:"chain"`
	Digest  string   `json:"digest"`
	XML     string   `json:"xml"`
}

func (c *ResolveCmd) Run(e *env) error {
	ctx := context.Background()

	b, err := openBook(ctx, c.Book, e.Timeout)
	if err != nil {
		return err
	}
	defer b.close()

	cfg := cache.DefaultConfig()
	cfg.MaxSize = e.CacheSize
	cfg.MaxBytes = e.CacheBytes
	cfg.TTL = e.CacheTTL
	cached := source.NewCached(b.src, b.namespace, cache.NewDocumentCache(cfg))
	defer cached.LogStats()

	opts := interpreter.DefaultOptions()
	opts.MarkerClass = c.MarkerClass
	interp := interpreter.New(cached, opts)

	enc := json.NewEncoder(e.out)
	for _, s := range c.CFIs {
		node, err := cfi.Parse(s)
		if err != nil {
			return err
		}
		loc, err := interp.Interpret(ctx, node, b.pkg)
		if err != nil {
			var ae *cfierrors.AssertionError
			if cfierrors.As(err, &ae) {
				logging.Warn("id assertion failed", "cfi", s, "expected", ae.Expected, "actual", ae.Actual)
			}
			return cfierrors.Wrap(err, s)
		}

		r := resolved{
			CFI:     s,
			Href:    loc.Href,
			Element: loc.Element.Name(),
			ID:      loc.Element.ID(),
			Digest:  loc.Digest(),
			XML:     loc.Element.OutputXML(),
		}
		for _, f := range loc.Chain {
			r.Chain = append(r.Chain, describe(f.Element))
		}

		if c.JSON {
			if err := enc.Encode(r); err != nil {
				return err
			}
			continue
		}
		printResolved(e.out, r)
	}
	return nil
}

func printResolved(w io.Writer, r resolved) {
	href := r.Href
	if href == "" {
		href = "(package document)"
	}
	fmt.Fprintf(w, "%s\n", r.CFI)
	fmt.Fprintf(w, "  Href:    %s\n", href)
	fmt.Fprintf(w, "  Element: %s\n", r.Chain[len(r.Chain)-1])
	fmt.Fprintf(w, "  Chain:   %s\n", strings.Join(r.Chain, " > "))
	fmt.Fprintf(w, "  Digest:  %s\n", r.Digest)
	fmt.Fprintf(w, "  %s\n", r.XML)
}

// describe renders an element as name or name#id.
func describe(n *xml.Node) string {
	if id := n.ID(); id != "" {
		return n.Name() + "#" + id
	}
	return n.Name()
}

// book is an opened publication: its package document and a source for
// its content documents.
type book struct {
	pkg       *xml.Document
	src       source.Fetcher
	namespace string
	close     func() error
}

func openBook(ctx context.Context, location string, timeout time.Duration) (*book, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return openRemoteBook(ctx, location, timeout)
	}

	b, err := epub.OpenFile(location)
	if err != nil {
		return nil, cfierrors.Wrap(err, "failed to open book")
	}
	logging.Debug("opened book", "path", location, "package", b.PackagePath(), "digest", b.Digest())
	return &book{pkg: b.Package(), src: b, namespace: b.Digest(), close: b.Close}, nil
}

// openRemoteBook fetches the package document at pkgURL and serves content
// documents relative to its directory.
func openRemoteBook(ctx context.Context, pkgURL string, timeout time.Duration) (*book, error) {
	u, err := url.Parse(pkgURL)
	if err != nil {
		return nil, cfierrors.Wrapf(err, "invalid book URL %q", pkgURL)
	}
	name := path.Base(u.Path)
	base := *u
	base.Path = path.Dir(u.Path)
	base.RawQuery, base.Fragment = "", ""

	cfg := source.DefaultHTTPConfig()
	cfg.BaseURL = base.String()
	cfg.Timeout = timeout
	cfg.UserAgent = "epubcfi/" + version
	h, err := source.NewHTTP(cfg)
	if err != nil {
		return nil, err
	}

	pkg, err := h.Fetch(ctx, name)
	if err != nil {
		return nil, cfierrors.Wrap(err, "failed to fetch package document")
	}
	return &book{pkg: pkg, src: h, namespace: pkgURL, close: func() error { return nil }}, nil
}

// ParseCmd prints the AST of a CFI.
type ParseCmd struct {
	CFI string `arg:"" name:"cfi" help:"CFI to parse"`
}

func (c *ParseCmd) Run(e *env) error {
	node, err := cfi.Parse(c.CFI)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(node, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s\n", data)
	return nil
}

// SpineCmd lists spine items and the CFI addressing each.
type SpineCmd struct {
	Book string `arg:"" help:"Book: .epub file, exploded directory, .tar.gz/.tar.xz or .opf file"`
}

func (c *SpineCmd) Run(e *env) error {
	b, err := epub.OpenFile(c.Book)
	if err != nil {
		return cfierrors.Wrap(err, "failed to open book")
	}
	defer b.Close()

	items, err := b.Spine()
	if err != nil {
		return err
	}

	md := b.Metadata()
	if md.Title != "" {
		fmt.Fprintf(e.out, "%s\n", md.Title)
	}
	for _, it := range items {
		linear := ""
		if !it.Linear {
			linear = " (non-linear)"
		}
		fmt.Fprintf(e.out, "  epubcfi(%s)  %-20s %s%s\n", it.CFI, it.IDRef, it.Href, linear)
	}
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(e *env) error {
	fmt.Fprintf(e.out, "epubcfi version %s\n", version)
	return nil
}

// run parses args and executes the selected command. Logs go to stderr.
func run(args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("epubcfi"),
		kong.Description("EPUB Canonical Fragment Identifier resolver"),
		kong.Writers(stdout, stderr),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if err != nil {
		return err
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cli.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cli.LogFormat)
	if err != nil {
		return err
	}
	logging.InitLoggerWithWriter(stderr, level, format)

	return kctx.Run(&env{Globals: &cli.Globals, out: stdout})
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "epubcfi: %v\n", err)
		os.Exit(1)
	}
}

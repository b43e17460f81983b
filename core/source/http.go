package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cfierrors "github.com/FocuswithJustin/epubcfi/core/errors"
	"github.com/FocuswithJustin/epubcfi/core/xml"
	"github.com/FocuswithJustin/epubcfi/internal/validation"
)

// HTTPConfig configures an HTTP source.
type HTTPConfig struct {
	// BaseURL is the URL of the directory holding the package document.
	BaseURL string

	// Timeout bounds each request (0 = no timeout beyond the context).
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// MaxBytes caps the size of a fetched document.
	MaxBytes int64

	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client
}

// DefaultHTTPConfig returns the default HTTP source configuration.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:   30 * time.Second,
		UserAgent: "epubcfi/1.0",
		MaxBytes:  validation.MaxFileSize,
	}
}

// HTTP fetches content documents relative to a base URL, for books served
// exploded by a web server.
type HTTP struct {
	base       *url.URL
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
}

// NewHTTP creates an HTTP source. Only http and https base URLs are
// supported.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("empty base URL")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = validation.MaxFileSize
	}

	return &HTTP{
		base:       base,
		httpClient: client,
		userAgent:  cfg.UserAgent,
		maxBytes:   cfg.MaxBytes,
	}, nil
}

// URL returns the absolute URL href resolves to. href is relative to the
// base URL and may climb out of it with "../"; it never leaves its host.
func (h *HTTP) URL(href string) (string, error) {
	if err := validation.ValidateHref(href); err != nil {
		return "", err
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return h.base.ResolveReference(&url.URL{Path: u.Path}).String(), nil
}

// Fetch downloads and parses the content document at href.
func (h *HTTP) Fetch(ctx context.Context, href string) (*xml.Document, error) {
	target, err := h.URL(href)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cfierrors.ErrInvalidInput, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, cfierrors.NewIO("fetch", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, cfierrors.NewNotFound("document", href)
	}
	if resp.StatusCode >= 400 {
		return nil, cfierrors.NewIO("fetch", target, fmt.Errorf("HTTP error: %s", resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, cfierrors.NewIO("read", target, err)
	}
	if int64(len(data)) > h.maxBytes {
		return nil, cfierrors.NewIO("read", target, fmt.Errorf("document exceeds %d bytes", h.maxBytes))
	}

	doc, err := xml.ParseXHTML(data)
	if err != nil {
		return nil, &cfierrors.ParseError{Format: "XHTML", Path: href, Message: err.Error(), Err: err}
	}
	return doc, nil
}

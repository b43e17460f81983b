// Package validation provides input validation for manifest hrefs and book
// files to prevent path traversal, injection attacks, and resource
// exhaustion.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

// Security limits to prevent DoS attacks (CWE-400).
const (
	// MaxFileSize is the maximum allowed size of a single archive entry (256 MB).
	MaxFileSize = 256 << 20
	// MaxPathLength is the maximum allowed path or href length.
	MaxPathLength = 4096
)

// Common validation errors.
var (
	ErrPathTraversal    = errors.New("path traversal detected")
	ErrPathTooLong      = errors.New("path too long")
	ErrInvalidCharacter = errors.New("invalid character in path")
	ErrEmptyPath        = errors.New("path cannot be empty")
	ErrExternalHref     = errors.New("href points outside the publication")
)

// ValidateHref checks that a manifest href is a relative reference into
// the publication: not empty, no scheme or host, not absolute, no control
// characters. Whether a "../" reference stays inside the container depends
// on the package document's directory and is checked by ResolveHref.
func ValidateHref(href string) error {
	_, err := parseHref(href)
	return err
}

// parseHref validates href and returns its percent-decoded path.
func parseHref(href string) (string, error) {
	if href == "" {
		return "", ErrEmptyPath
	}
	if len(href) > MaxPathLength {
		return "", ErrPathTooLong
	}
	if err := checkCharacters(href); err != nil {
		return "", err
	}

	u, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCharacter, err)
	}
	if u.Scheme != "" || u.Host != "" || strings.HasPrefix(href, "//") {
		return "", fmt.Errorf("%w: %s", ErrExternalHref, href)
	}

	decoded := u.Path
	if decoded == "" {
		return "", ErrEmptyPath
	}
	if strings.HasPrefix(decoded, "/") {
		return "", fmt.Errorf("%w: absolute href not allowed", ErrPathTraversal)
	}
	if err := checkCharacters(decoded); err != nil {
		return "", err
	}
	return decoded, nil
}

// ResolveHref resolves a manifest href against baseDir, the directory of
// the package document inside the container, and returns the cleaned
// container path. The href is percent-decoded; its fragment and query are
// dropped. References leaving the container root are rejected.
func ResolveHref(baseDir, href string) (string, error) {
	decoded, err := parseHref(href)
	if err != nil {
		return "", err
	}

	resolved := path.Join(baseDir, decoded)
	if resolved == ".." || strings.HasPrefix(resolved, "../") || strings.HasPrefix(resolved, "/") {
		return "", ErrPathTraversal
	}
	if resolved == "." {
		return "", ErrEmptyPath
	}
	return resolved, nil
}

// CleanEntryName validates a path stored inside an archive and returns it
// cleaned. Unlike hrefs, entry names are not percent-decoded.
func CleanEntryName(name string) (string, error) {
	if err := ValidatePath(name); err != nil {
		return "", err
	}
	if strings.Contains(name, `\`) {
		return "", fmt.Errorf("%w: backslash not allowed", ErrInvalidCharacter)
	}
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: absolute path not allowed", ErrPathTraversal)
	}

	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrPathTraversal
	}
	if cleaned == "." {
		return "", ErrEmptyPath
	}
	return cleaned, nil
}

func checkCharacters(s string) error {
	if strings.Contains(s, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidCharacter)
	}
	if strings.Contains(s, `\`) {
		return fmt.Errorf("%w: backslash not allowed", ErrInvalidCharacter)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidCharacter)
		}
	}
	return nil
}

// ValidatePath performs path validation for a book file given on the
// command line. It checks length limits and invalid characters.
func ValidatePath(p string) error {
	if p == "" {
		return ErrEmptyPath
	}

	if len(p) > MaxPathLength {
		return ErrPathTooLong
	}

	if strings.Contains(p, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidCharacter)
	}

	for _, r := range p {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidCharacter)
		}
	}

	return nil
}

// FileType represents a detected book container type.
type FileType string

const (
	// Archive formats
	FileTypeEPUB  FileType = "epub"
	FileTypeZip   FileType = "zip"
	FileTypeTarXZ FileType = "tar.xz"
	FileTypeTarGZ FileType = "tar.gz"
	FileTypeTar   FileType = "tar"
	FileTypeGzip  FileType = "gzip"
	FileTypeXZ    FileType = "xz"

	// Loose documents
	FileTypeXML FileType = "xml"

	// Unknown
	FileTypeUnknown FileType = "unknown"
)

// magicBytes defines magic byte signatures for file type detection.
var magicBytes = []struct {
	fileType FileType
	magic    []byte
	offset   int
}{
	{FileTypeTar, []byte("ustar"), 257},                          // POSIX tar
	{FileTypeGzip, []byte{0x1f, 0x8b}, 0},                        // Gzip
	{FileTypeXZ, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}, 0}, // XZ
	{FileTypeZip, []byte{0x50, 0x4b, 0x03, 0x04}, 0},             // ZIP
}

// DetectFileType reads a file's magic bytes and checks them against the
// type its name suggests. EPUB files are ZIP archives; compressed tarballs
// are recognized by their compression wrapper.
func DetectFileType(reader io.Reader, filename string) (FileType, error) {
	// 512 bytes covers the tar ustar magic at offset 257
	buf := make([]byte, 512)
	n, err := io.ReadFull(reader, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FileTypeUnknown, fmt.Errorf("failed to read file header: %w", err)
	}
	buf = buf[:n]

	detected := detectFileTypeFromMagic(buf)
	expected := detectFileTypeFromExtension(filename)

	switch {
	case expected == FileTypeEPUB && detected == FileTypeZip:
		return FileTypeEPUB, nil
	case expected == FileTypeTarXZ && detected == FileTypeXZ:
		return FileTypeTarXZ, nil
	case expected == FileTypeTarGZ && detected == FileTypeGzip:
		return FileTypeTarGZ, nil
	case detected == expected:
		return detected, nil
	case detected == FileTypeUnknown && expected == FileTypeXML && isLikelyText(buf):
		return FileTypeXML, nil
	case detected != FileTypeUnknown && expected != FileTypeUnknown:
		return FileTypeUnknown, fmt.Errorf("file type mismatch: extension suggests %s but content is %s", expected, detected)
	case detected == FileTypeUnknown:
		return expected, nil
	}
	return detected, nil
}

// detectFileTypeFromMagic detects file type from magic bytes.
func detectFileTypeFromMagic(buf []byte) FileType {
	for _, sig := range magicBytes {
		if sig.offset+len(sig.magic) <= len(buf) {
			if bytes.Equal(buf[sig.offset:sig.offset+len(sig.magic)], sig.magic) {
				return sig.fileType
			}
		}
	}
	return FileTypeUnknown
}

// detectFileTypeFromExtension determines expected file type from filename extension.
func detectFileTypeFromExtension(filename string) FileType {
	lower := strings.ToLower(filename)

	// Multi-extension formats (check these first)
	if strings.HasSuffix(lower, ".tar.xz") || strings.HasSuffix(lower, ".txz") {
		return FileTypeTarXZ
	}
	if strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz") {
		return FileTypeTarGZ
	}

	switch filepath.Ext(lower) {
	case ".epub":
		return FileTypeEPUB
	case ".zip":
		return FileTypeZip
	case ".tar":
		return FileTypeTar
	case ".xz":
		return FileTypeXZ
	case ".gz":
		return FileTypeGzip
	case ".opf", ".xhtml", ".html", ".htm", ".xml":
		return FileTypeXML
	default:
		return FileTypeUnknown
	}
}

// isLikelyText checks if the buffer contains likely text content.
func isLikelyText(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}

	// null bytes are a strong indicator of binary content
	if bytes.IndexByte(buf, 0) != -1 {
		return false
	}

	printable := 0
	control := 0
	for _, b := range buf {
		if b >= 0x20 && b <= 0x7e || b == '\t' || b == '\n' || b == '\r' {
			printable++
		} else if b < 0x20 {
			control++
		}
		// UTF-8 lead and continuation bytes are neutral
	}

	return printable > 0 && float64(printable)/float64(printable+control) > 0.95
}

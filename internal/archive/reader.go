// Package archive reads exploded EPUB books packed as compressed tar
// archives. It supports tar.gz and tar.xz.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/epubcfi/internal/validation"
)

// Reader wraps a tar.Reader with automatic decompression handling.
type Reader struct {
	*tar.Reader
	file         *os.File
	decompressor io.Closer
}

// IsArchive reports whether path names a supported compressed tarball.
func IsArchive(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range []string{".tar.xz", ".txz", ".tar.gz", ".tgz"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// NewReader creates a new archive reader for the given path.
// The compression is chosen from the file extension.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	r, err := newReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

func newReader(src io.Reader, name string) (*Reader, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		xzr, err := xz.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("xz reader: %w", err)
		}
		return &Reader{Reader: tar.NewReader(xzr)}, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		gzr, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return &Reader{Reader: tar.NewReader(gzr), decompressor: gzr}, nil
	default:
		return nil, fmt.Errorf("unsupported archive format: %s", name)
	}
}

// Close closes the archive reader and any underlying decompressors.
func (r *Reader) Close() error {
	var first error
	if r.decompressor != nil {
		first = r.decompressor.Close()
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Visitor is a callback function for iterating archive entries.
// Return true to stop iteration, false to continue.
type Visitor func(header *tar.Header, content io.Reader) (stop bool, err error)

// Iterate walks through all entries in the archive, calling the visitor for each.
func (r *Reader) Iterate(visitor Visitor) error {
	for {
		header, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read header: %w", err)
		}

		stop, err := visitor(header, r)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// Load reads every regular file of the archive at path into memory.
func Load(path string) (MemFS, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Load()
}

// LoadFrom is like Load for an archive already opened as src; name
// selects the decompression.
func LoadFrom(src io.Reader, name string) (MemFS, error) {
	r, err := newReader(src, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Load()
}

// Load reads the remaining regular files into memory. Entry names are
// validated so that no entry escapes the archive root, and each entry is
// limited to validation.MaxFileSize bytes.
func (r *Reader) Load() (MemFS, error) {
	files := MemFS{}
	err := r.Iterate(func(header *tar.Header, content io.Reader) (bool, error) {
		if header.Typeflag != tar.TypeReg {
			return false, nil
		}
		name, err := validation.CleanEntryName(header.Name)
		if err != nil {
			return false, fmt.Errorf("archive entry %q: %w", header.Name, err)
		}
		if header.Size > validation.MaxFileSize {
			return false, fmt.Errorf("archive entry %q: %d bytes exceeds limit", header.Name, header.Size)
		}
		data, err := io.ReadAll(io.LimitReader(content, validation.MaxFileSize))
		if err != nil {
			return false, fmt.Errorf("read %s: %w", header.Name, err)
		}
		files[name] = data
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

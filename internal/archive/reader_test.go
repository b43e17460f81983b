package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/epubcfi/internal/validation"
)

type entry struct {
	name string
	body string
	dir  bool
}

var bookEntries = []entry{
	{name: "moby/", dir: true},
	{name: "moby/mimetype", body: "application/epub+zip"},
	{name: "moby/META-INF/container.xml", body: "<container/>"},
	{name: "moby/OPS/package.opf", body: "<package/>"},
	{name: "moby/OPS/chapter_001.xhtml", body: "<html/>"},
}

func writeTar(t *testing.T, w io.Writer, entries []entry) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.dir {
			hdr = &tar.Header{Name: e.name, Mode: 0755, Typeflag: tar.TypeDir}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if !e.dir {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write content: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
}

func createTarGz(t *testing.T, dir string, entries []entry) string {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	writeTar(t, gw, entries)
	if err := gw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	path := filepath.Join(dir, "moby.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func createTarXz(t *testing.T, dir string, entries []entry) string {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("xz writer: %v", err)
	}
	writeTar(t, xw, entries)
	if err := xw.Close(); err != nil {
		t.Fatalf("close xz: %v", err)
	}
	path := filepath.Join(dir, "moby.tar.xz")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	for name, path := range map[string]string{
		"tar.gz": createTarGz(t, dir, bookEntries),
		"tar.xz": createTarXz(t, dir, bookEntries),
	} {
		t.Run(name, func(t *testing.T) {
			files, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if len(files) != 4 {
				t.Errorf("loaded %d files, want 4", len(files))
			}
			data, err := fs.ReadFile(files, "moby/OPS/package.opf")
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			if string(data) != "<package/>" {
				t.Errorf("package.opf = %q", data)
			}
		})
	}
}

func TestLoadFrom(t *testing.T) {
	path := createTarGz(t, t.TempDir(), bookEntries)
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	files, err := LoadFrom(f, "moby.TGZ")
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if _, ok := files["moby/mimetype"]; !ok {
		t.Error("mimetype entry missing")
	}
}

func TestLoadRejectsTraversal(t *testing.T) {
	path := createTarGz(t, t.TempDir(), []entry{
		{name: "moby/OPS/ok.xhtml", body: "<html/>"},
		{name: "../../evil.xhtml", body: "<html/>"},
	})
	if _, err := Load(path); !errors.Is(err, validation.ErrPathTraversal) {
		t.Errorf("Load error = %v, want path traversal", err)
	}
}

func TestNewReaderErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := NewReader(filepath.Join(dir, "missing.tar.gz")); err == nil {
		t.Error("expected error for missing file")
	}

	plain := filepath.Join(dir, "book.zip")
	if err := os.WriteFile(plain, []byte("PK"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(plain); err == nil {
		t.Error("expected error for unsupported format")
	}

	bogus := filepath.Join(dir, "bogus.tar.gz")
	if err := os.WriteFile(bogus, []byte("not gzip"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(bogus); err == nil {
		t.Error("expected error for corrupt gzip")
	}

	bogusXz := filepath.Join(dir, "bogus.tar.xz")
	if err := os.WriteFile(bogusXz, []byte("not xz"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(bogusXz); err == nil {
		t.Error("expected error for corrupt xz")
	}
}

func TestIterateStops(t *testing.T) {
	path := createTarXz(t, t.TempDir(), bookEntries)
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	var seen []string
	err = r.Iterate(func(h *tar.Header, _ io.Reader) (bool, error) {
		seen = append(seen, h.Name)
		return h.Name == "moby/mimetype", nil
	})
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("visited %v, want to stop after mimetype", seen)
	}
}

func TestIsArchive(t *testing.T) {
	tests := map[string]bool{
		"moby.tar.gz": true,
		"moby.TGZ":    true,
		"moby.tar.xz": true,
		"moby.txz":    true,
		"moby.epub":   false,
		"moby":        false,
	}
	for path, want := range tests {
		if got := IsArchive(path); got != want {
			t.Errorf("IsArchive(%q) = %v, want %v", path, got, want)
		}
	}
}

package export

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Bundle receives the manifest files. Close finalises the bundle; nothing is
// complete until it returns nil.
type Bundle interface {
	Add(name string, data []byte) error
	Close() error
}

// ZipBundle writes entries into a zip archive.
type ZipBundle struct {
	zw      *zip.Writer
	modTime time.Time
}

func NewZipBundle(w io.Writer) *ZipBundle {
	return &ZipBundle{zw: zip.NewWriter(w), modTime: time.Now()}
}

func (b *ZipBundle) Add(name string, data []byte) error {
	method := zip.Deflate
	if strings.EqualFold(path.Ext(name), ".jpg") {
		method = zip.Store
	}
	w, err := b.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: b.modTime,
	})
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("zip write %s: %w", name, err)
	}
	return nil
}

func (b *ZipBundle) Close() error {
	return b.zw.Close()
}

// DirBundle writes entries under a root directory.
type DirBundle struct {
	root string
}

// NewDirBundle validates root before any file is written.
func NewDirBundle(root string) (*DirBundle, error) {
	if err := ValidateOutputDir(root); err != nil {
		return nil, err
	}
	return &DirBundle{root: root}, nil
}

func (b *DirBundle) Add(name string, data []byte) error {
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("entry %q escapes the output directory", name)
	}
	dst := filepath.Join(b.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create folder for %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (b *DirBundle) Close() error { return nil }

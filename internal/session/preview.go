package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"image-compressor-go/internal/uploader"
)

// PreviewStore allocates preview resources for uploaded files. Every
// preview must be released once it is no longer displayed.
type PreviewStore interface {
	Create(f uploader.File) (string, error)
	Release(url string) error
}

// TempPreviewStore keeps previews as temporary files and hands out file URLs.
type TempPreviewStore struct {
	dir string

	mu    sync.Mutex
	files map[string]string
}

// NewTempPreviewStore stores previews under dir, the system temp dir when empty.
func NewTempPreviewStore(dir string) *TempPreviewStore {
	return &TempPreviewStore{dir: dir, files: make(map[string]string)}
}

func (p *TempPreviewStore) Create(f uploader.File) (string, error) {
	ext := filepath.Ext(f.Name)
	if ext == "" {
		ext = "." + strings.TrimPrefix(f.Type, "image/")
	}
	tmp, err := os.CreateTemp(p.dir, "preview-*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(f.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	url := "file://" + filepath.ToSlash(tmp.Name())
	p.mu.Lock()
	p.files[url] = tmp.Name()
	p.mu.Unlock()
	return url, nil
}

func (p *TempPreviewStore) Release(url string) error {
	p.mu.Lock()
	path, ok := p.files[url]
	delete(p.files, url)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown preview %s", url)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Outstanding returns the number of previews not yet released.
func (p *TempPreviewStore) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.files)
}

// Path returns the file behind a preview URL.
func (p *TempPreviewStore) Path(url string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path, ok := p.files[url]
	return path, ok
}

// Package fs implements blob.Provider on the local filesystem. Objects are
// written to <root>/<path> and served by the HTTP server under /media/<path>.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/friendlyfeed/friendlyfeed/internal/blob"
)

// MediaRoute is the URL prefix under which objects are served.
const MediaRoute = "/media/"

// Provider stores objects below a root directory.
type Provider struct {
	root string
}

// New creates a filesystem provider rooted at root, creating it if needed.
func New(root string) (*Provider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Provider{root: abs}, nil
}

// Put writes data to <root>/<path>. The file appears atomically.
func (p *Provider) Put(_ context.Context, key string, reader io.Reader) error {
	dest, err := p.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, reader); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit file: %w", err)
	}
	return nil
}

// Open reads the object at key.
func (p *Provider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	dest, err := p.hostPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if errors.Is(err, os.ErrNotExist) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes the object at key.
func (p *Provider) Delete(_ context.Context, key string) error {
	dest, err := p.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// AccessPath returns the URL path of key.
func (p *Provider) AccessPath(key string) string {
	return MediaRoute + blob.EscapePath(key)
}

// hostPath converts an object path into a file path below root.
func (p *Provider) hostPath(key string) (string, error) {
	clean, err := blob.CleanPath(key)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, key)
	}
	joined := filepath.Join(p.root, filepath.FromSlash(clean))
	if !strings.HasPrefix(joined, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", blob.ErrPathTraversal, key)
	}
	return joined, nil
}

// Package memory implements blob.Provider in process memory. Tests use it,
// and so does the server when no media directory is configured.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/friendlyfeed/friendlyfeed/internal/blob"
)

// Provider keeps objects in a map.
type Provider struct {
	mu      sync.RWMutex
	objects map[string][]byte
	prefix  string
	// PutHook, when set, runs before every Put and can fail it.
	PutHook func(path string) error
}

// New creates an empty provider. prefix is the URL path objects are served under.
func New(prefix string) *Provider {
	if prefix == "" {
		prefix = "/media/"
	}
	return &Provider{objects: map[string][]byte{}, prefix: prefix}
}

// Put stores a copy of the reader's bytes.
func (p *Provider) Put(_ context.Context, path string, reader io.Reader) error {
	if p.PutHook != nil {
		if err := p.PutHook(path); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.objects[path] = data
	p.mu.Unlock()
	return nil
}

// Open returns the bytes stored at path.
func (p *Provider) Open(_ context.Context, path string) (io.ReadCloser, error) {
	p.mu.RLock()
	data, ok := p.objects[path]
	p.mu.RUnlock()
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the object at path.
func (p *Provider) Delete(_ context.Context, path string) error {
	p.mu.Lock()
	delete(p.objects, path)
	p.mu.Unlock()
	return nil
}

// AccessPath returns the URL path of path.
func (p *Provider) AccessPath(path string) string {
	return p.prefix + blob.EscapePath(path)
}

// Len returns the number of stored objects.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.objects)
}

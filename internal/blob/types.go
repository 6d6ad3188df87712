// Package blob stores attachment bytes and resolves them to retrieval URLs.
package blob

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
)

// Handle identifies an uploaded object. It is opaque to callers other than
// the Store that produced it.
type Handle struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	SHA256      string `json:"sha256"`
}

// Store is the attachment store boundary: upload bytes under a path, then
// resolve the resulting handle into a durable URL.
type Store interface {
	Upload(ctx context.Context, path string, r io.Reader) (Handle, error)
	ResolveURL(ctx context.Context, h Handle) (string, error)
}

// Provider abstracts object storage operations.
type Provider interface {
	// Put writes data to storage under the given path.
	Put(ctx context.Context, path string, reader io.Reader) error
	// Open returns a reader for the given path.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes the object at path.
	Delete(ctx context.Context, path string) error
	// AccessPath returns the URL path under which the object is served.
	AccessPath(path string) string
}

// CleanPath normalises an object path and rejects absolute or escaping ones.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrPathTraversal
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") || strings.ContainsRune(p, 0) {
		return "", ErrPathTraversal
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", ErrPathTraversal
	}
	return clean, nil
}

// EscapePath escapes each segment of an object path for use in a URL.
func EscapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

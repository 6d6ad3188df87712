package attachment

import (
	"bytes"
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// Resource is a local handle to the bytes of an attachment.
type Resource interface {
	// Name is the original file-like reference; its last path segment names
	// the stored object.
	Name() string
	// ContentType is the declared media type, if known.
	ContentType() string
	// Open returns the bytes. The caller closes the reader.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// FileResource reads an attachment from a file on disk.
type FileResource struct {
	Path string
	// Filename overrides the name derived from Path.
	Filename string
	Type     string
}

// Name returns Filename, or Path when Filename is empty.
func (r FileResource) Name() string {
	if r.Filename != "" {
		return r.Filename
	}
	return r.Path
}

// ContentType returns Type, or the type implied by the file extension.
func (r FileResource) ContentType() string {
	if r.Type != "" {
		return r.Type
	}
	return mime.TypeByExtension(filepath.Ext(r.Name()))
}

// Open opens the file.
func (r FileResource) Open(context.Context) (io.ReadCloser, error) {
	return os.Open(r.Path)
}

// BytesResource is an attachment held in memory.
type BytesResource struct {
	Filename string
	Type     string
	Data     []byte
}

// Name returns Filename.
func (r BytesResource) Name() string { return r.Filename }

// ContentType returns Type.
func (r BytesResource) ContentType() string { return r.Type }

// Open returns a reader over Data.
func (r BytesResource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(r.Data)), nil
}

// ObjectPath is where an attachment is stored: <userID>/<messageKey>/<name>,
// where name is the last path segment of the resource reference.
func ObjectPath(userID, key, ref string) string {
	return userID + "/" + key + "/" + lastPathSegment(ref)
}

func lastPathSegment(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.TrimRight(strings.ReplaceAll(ref, "\\", "/"), "/")
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		ref = ref[i+1:]
	}
	if ref == "" || ref == "." || ref == ".." {
		return "attachment"
	}
	return ref
}

package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
)

// DefaultMaxBytes is the upload limit used when none is configured.
const DefaultMaxBytes int64 = 10 * 1024 * 1024

// Service implements Store on top of a Provider. Uploads are spooled to a
// temporary file first, so the size limit is enforced before anything
// reaches the provider.
type Service struct {
	provider Provider
	baseURL  string
	maxBytes int64
	logger   *slog.Logger
}

// NewService creates a blob service. baseURL is prefixed to provider access
// paths when resolving URLs; it may be empty for relative URLs.
func NewService(log *slog.Logger, provider Provider, baseURL string, maxBytes int64) *Service {
	if log == nil {
		log = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{
		provider: provider,
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		maxBytes: maxBytes,
		logger:   log.With(slog.String("service", "blob")),
	}
}

// Upload stores the bytes of r under p.
func (s *Service) Upload(ctx context.Context, p string, r io.Reader) (Handle, error) {
	if s.provider == nil {
		return Handle{}, ErrProviderUnavailable
	}
	clean, err := CleanPath(p)
	if err != nil {
		return Handle{}, err
	}
	digest, size, tempPath, sniffed, err := spoolWithLimit(r, s.maxBytes)
	if err != nil {
		return Handle{}, err
	}
	defer func() { _ = os.Remove(tempPath) }()

	f, err := os.Open(tempPath)
	if err != nil {
		return Handle{}, fmt.Errorf("open spooled upload: %w", err)
	}
	defer f.Close()
	if err := s.provider.Put(ctx, clean, f); err != nil {
		return Handle{}, fmt.Errorf("store blob: %w", err)
	}

	contentType := mime.TypeByExtension(path.Ext(clean))
	if contentType == "" {
		contentType = sniffed
	}
	s.logger.Info("blob stored",
		slog.String("path", clean),
		slog.String("size", humanize.IBytes(uint64(size))),
		slog.String("content_type", contentType),
	)
	return Handle{Path: clean, Size: size, ContentType: contentType, SHA256: digest}, nil
}

// ResolveURL returns the retrieval URL of h.
func (s *Service) ResolveURL(_ context.Context, h Handle) (string, error) {
	if s.provider == nil {
		return "", ErrProviderUnavailable
	}
	clean, err := CleanPath(h.Path)
	if err != nil {
		return "", err
	}
	return s.baseURL + s.provider.AccessPath(clean), nil
}

// Open returns a reader for the object at p.
func (s *Service) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if s.provider == nil {
		return nil, ErrProviderUnavailable
	}
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	return s.provider.Open(ctx, clean)
}

// MaxBytes returns the upload limit.
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

func spoolWithLimit(reader io.Reader, maxBytes int64) (digest string, size int64, tempPath, contentType string, err error) {
	if reader == nil {
		return "", 0, "", "", fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return "", 0, "", "", fmt.Errorf("max bytes must be greater than 0")
	}
	tempFile, err := os.CreateTemp("", "friendlyfeed-blob-*")
	if err != nil {
		return "", 0, "", "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath = tempFile.Name()
	keepFile := false
	defer func() {
		_ = tempFile.Close()
		if !keepFile {
			_ = os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	head := &headBuffer{limit: 512}
	limited := &io.LimitedReader{R: reader, N: maxBytes + 1}
	written, err := io.Copy(io.MultiWriter(tempFile, hasher, head), limited)
	if err != nil {
		return "", 0, "", "", fmt.Errorf("copy to temp file: %w", err)
	}
	if written > maxBytes {
		return "", 0, "", "", fmt.Errorf("%w: max %s", ErrTooLarge, humanize.IBytes(uint64(maxBytes)))
	}
	if written == 0 {
		return "", 0, "", "", ErrEmpty
	}
	keepFile = true
	return hex.EncodeToString(hasher.Sum(nil)), written, tempPath, http.DetectContentType(head.buf), nil
}

// headBuffer keeps the first bytes written to it for content sniffing.
type headBuffer struct {
	buf   []byte
	limit int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.limit - len(h.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf = append(h.buf, p[:room]...)
	}
	return len(p), nil
}

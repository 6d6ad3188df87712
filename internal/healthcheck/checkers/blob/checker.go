package blobchecker

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/friendlyfeed/friendlyfeed/internal/blob"
	"github.com/friendlyfeed/friendlyfeed/internal/healthcheck"
)

const (
	checkTypeBlob = "blob.provider"
	probePath     = "_healthcheck/probe"
)

// Opener is the read side of the blob service.
type Opener interface {
	Open(ctx context.Context, p string) (io.ReadCloser, error)
}

// Checker probes the blob provider by opening a path that never exists.
// A not-found answer means the provider is serving.
type Checker struct {
	logger *slog.Logger
	blobs  Opener
}

// NewChecker creates a blob provider checker.
func NewChecker(log *slog.Logger, blobs Opener) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_blob")),
		blobs:  blobs,
	}
}

// ListChecks reports whether the blob provider answers reads.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:   checkTypeBlob,
		Type: checkTypeBlob,
	}
	if c.blobs == nil {
		item.Status = healthcheck.StatusWarn
		item.Summary = "Blob storage is not configured; image uploads will fail."
		return []healthcheck.CheckResult{item}
	}
	rc, err := c.blobs.Open(ctx, probePath)
	switch {
	case err == nil:
		_ = rc.Close()
		item.Status = healthcheck.StatusOK
		item.Summary = "Blob storage is reachable."
	case errors.Is(err, blob.ErrNotFound):
		item.Status = healthcheck.StatusOK
		item.Summary = "Blob storage is reachable."
	case errors.Is(err, blob.ErrProviderUnavailable):
		item.Status = healthcheck.StatusWarn
		item.Summary = "Blob storage is not configured; image uploads will fail."
		item.Detail = err.Error()
	default:
		c.logger.Warn("blob storage check failed", slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Blob storage read failed."
		item.Detail = err.Error()
	}
	return []healthcheck.CheckResult{item}
}

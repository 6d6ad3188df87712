package handlers

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"

	"github.com/labstack/echo/v4"

	"github.com/friendlyfeed/friendlyfeed/internal/blob"
	fsprovider "github.com/friendlyfeed/friendlyfeed/internal/blob/providers/fs"
)

// MediaOpener reads stored attachment objects.
type MediaOpener interface {
	Open(ctx context.Context, p string) (io.ReadCloser, error)
}

// MediaHandler serves attachment objects written by the filesystem provider.
// Image URLs end up in <img> tags, so the route is public.
type MediaHandler struct {
	blobs  MediaOpener
	logger *slog.Logger
}

func NewMediaHandler(log *slog.Logger, blobs MediaOpener) *MediaHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MediaHandler{blobs: blobs, logger: log.With(slog.String("handler", "media"))}
}

func (h *MediaHandler) Register(e *echo.Echo) {
	e.GET(fsprovider.MediaRoute+"*", h.ServeMedia)
}

// ServeMedia streams the object named by the wildcard path.
func (h *MediaHandler) ServeMedia(c echo.Context) error {
	// echo leaves the wildcard escaped.
	raw, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid media path")
	}
	clean, err := blob.CleanPath(raw)
	if err != nil {
		return toHTTPError(err)
	}
	reader, err := h.blobs.Open(c.Request().Context(), clean)
	if err != nil {
		return toHTTPError(err)
	}
	defer reader.Close()

	contentType := mime.TypeByExtension(path.Ext(clean))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Response().Header().Set(echo.HeaderContentType, contentType)
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=86400, immutable")
	c.Response().Header().Set("X-Content-Type-Options", "nosniff")
	c.Response().WriteHeader(http.StatusOK)
	if _, err := io.Copy(c.Response().Writer, reader); err != nil {
		h.logger.Warn("serve media stream failed", slog.String("path", clean), slog.Any("error", err))
	}
	return nil
}

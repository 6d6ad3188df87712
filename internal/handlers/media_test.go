package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendlyfeed/friendlyfeed/internal/blob"
	fsprovider "github.com/friendlyfeed/friendlyfeed/internal/blob/providers/fs"
)

func TestServeMedia(t *testing.T) {
	t.Parallel()

	provider, err := fsprovider.New(t.TempDir())
	require.NoError(t, err)
	blobs := blob.NewService(nil, provider, "", 0)
	handle, err := blobs.Upload(context.Background(), "u1/k1/my cat.png", strings.NewReader(string(pngHeader)))
	require.NoError(t, err)
	url, err := blobs.ResolveURL(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, "/media/u1/k1/my%20cat.png", url)

	e := echo.New()
	NewMediaHandler(nil, blobs).Register(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, string(pngHeader), rec.Body.String())

	cases := []struct {
		target string
		want   int
	}{
		{target: "/media/u1/k1/missing.png", want: http.StatusNotFound},
		{target: "/media/u1/%2E%2E/%2E%2E/etc/passwd", want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.target, nil))
		assert.Equal(t, tc.want, rec.Code, tc.target)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	e := echo.New()
	NewPingHandler(nil).Register(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

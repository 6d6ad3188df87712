package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendlyfeed/friendlyfeed/internal/blob"
	"github.com/friendlyfeed/friendlyfeed/internal/blob/providers/memory"
	"github.com/friendlyfeed/friendlyfeed/internal/healthcheck"
	blobchecker "github.com/friendlyfeed/friendlyfeed/internal/healthcheck/checkers/blob"
	storechecker "github.com/friendlyfeed/friendlyfeed/internal/healthcheck/checkers/store"
	"github.com/friendlyfeed/friendlyfeed/internal/message/memstore"
)

func TestHealth(t *testing.T) {
	t.Parallel()

	store := memstore.New(nil)
	blobs := blob.NewService(nil, memory.New(""), "", 0)
	e := echo.New()
	NewHealthHandler(
		storechecker.NewChecker(nil, store, "memory"),
		blobchecker.NewChecker(nil, blobs),
	).Register(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var report healthcheck.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, healthcheck.StatusOK, report.Status)
	assert.Len(t, report.Checks, 2)

	require.NoError(t, store.Close())
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

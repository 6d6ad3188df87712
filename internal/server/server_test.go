package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/friendlyfeed/friendlyfeed/internal/handlers"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/metrics", want: true},
		{path: "/media/u1/k1/cat.png", want: true},
		{path: "/media", want: false},
		{path: "/messages", want: false},
		{path: "/messages/events", want: false},
		{path: "/messages/ws", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

func TestRedactToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/messages":                      "/messages",
		"/messages/events?token=abc":     "/messages/events?token=REDACTED",
		"/messages/ws?token=abc&since=1": "/messages/ws?token=REDACTED&since=1",
	}
	for in, want := range cases {
		if got := redactToken(in); got != want {
			t.Fatalf("redactToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestServerRoutesAndAuth(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, "", "secret", handlers.NewPingHandler(nil), nil, routeFunc(func(e *echo.Echo) {
		e.GET("/messages", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	}))

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ping status = %d", rec.Code)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatalf("request id header missing")
	}

	rec = httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/messages", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}
}

type routeFunc func(e *echo.Echo)

func (f routeFunc) Register(e *echo.Echo) { f(e) }

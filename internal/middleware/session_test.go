package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"mountproxy/internal/config"
)

func testSessionConfig() *config.SessionConfig {
	return &config.SessionConfig{
		CookieName: "mountproxy_session",
		TTLSeconds: 3600,
	}
}

func TestSessionCookie_MintsOnFirstContact(t *testing.T) {
	e := echo.New()
	e.Use(SessionCookie(testSessionConfig()))

	var gotID string
	e.GET("/test", func(c echo.Context) error {
		gotID = SessionID(c)
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotID == "" {
		t.Fatal("SessionID() empty, want minted identifier")
	}

	var minted *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "mountproxy_session" {
			minted = c
		}
	}
	if minted == nil {
		t.Fatal("no session cookie in response")
	}
	if minted.Value != gotID {
		t.Errorf("cookie value = %q, want context identifier %q", minted.Value, gotID)
	}
	if !minted.HttpOnly {
		t.Error("session cookie is not HttpOnly")
	}
	if minted.MaxAge != 3600 {
		t.Errorf("cookie MaxAge = %d, want %d", minted.MaxAge, 3600)
	}
}

func TestSessionCookie_ReusesExisting(t *testing.T) {
	e := echo.New()
	e.Use(SessionCookie(testSessionConfig()))

	var gotID string
	e.GET("/test", func(c echo.Context) error {
		gotID = SessionID(c)
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.AddCookie(&http.Cookie{Name: "mountproxy_session", Value: "existing-id"})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotID != "existing-id" {
		t.Errorf("SessionID() = %q, want %q", gotID, "existing-id")
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "mountproxy_session" {
			t.Errorf("cookie re-minted (value %q) despite valid one on the request", c.Value)
		}
	}
}

func TestSessionCookie_OversizedValueReplaced(t *testing.T) {
	e := echo.New()
	e.Use(SessionCookie(testSessionConfig()))

	var gotID string
	e.GET("/test", func(c echo.Context) error {
		gotID = SessionID(c)
		return c.String(http.StatusOK, "ok")
	})

	huge := strings.Repeat("x", maxSessionIDLen+1)
	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.AddCookie(&http.Cookie{Name: "mountproxy_session", Value: huge})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotID == huge || gotID == "" {
		t.Errorf("SessionID() = %q, want fresh identifier replacing oversized value", gotID)
	}
}

func TestSessionID_WithoutMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	c := e.NewContext(req, httptest.NewRecorder())

	if got := SessionID(c); got != "" {
		t.Errorf("SessionID() = %q, want empty without middleware", got)
	}
}

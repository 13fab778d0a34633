package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"mountproxy/internal/client"
	"mountproxy/internal/config"
	"mountproxy/internal/model"
	"mountproxy/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMount(t *testing.T, baseURL string, rewrite bool) *Mount {
	t.Helper()
	m, err := NewMount(config.MountConfig{
		Name:    "test",
		Path:    "/proxy",
		BaseURL: baseURL,
		Rewrite: rewrite,
	})
	if err != nil {
		t.Fatalf("NewMount() error = %v", err)
	}
	return m
}

func newTestService(t *testing.T) (*Service, session.Store) {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 5, IdleConnections: 10},
	}
	store := session.NewMemoryStore(time.Hour, discardLogger(), nil)
	upstream := client.NewUpstream(cfg, discardLogger(), nil)
	return NewService(upstream, store, discardLogger(), nil), store
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", "/"},
		{"index.html", "/index.html"},
		{"/index.html", "/index.html"},
		{"a/b/c", "/a/b/c"},
		{"/a/b/c", "/a/b/c"},
	}

	for _, tt := range tests {
		if got := NormalizePath(tt.raw); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.raw, got, tt.want)
		}
		// Idempotent on its own output.
		if got := NormalizePath(NormalizePath(tt.raw)); got != tt.want {
			t.Errorf("NormalizePath twice on %q = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name     string
		baseURL  string
		path     string
		rawQuery string
		want     string
	}{
		{
			name:    "trailing slash on base stripped",
			baseURL: "http://up.example/",
			path:    "/a/b",
			rawQuery: "q=1",
			want:    "http://up.example/a/b?q=1",
		},
		{
			name:    "no query yields no question mark",
			baseURL: "http://up.example",
			path:    "/a",
			want:    "http://up.example/a",
		},
		{
			name:     "duplicate keys survive",
			baseURL:  "http://up.example",
			path:     "/search",
			rawQuery: "tag=a&tag=b",
			want:     "http://up.example/search?tag=a&tag=b",
		},
		{
			name:     "encoded characters not re-encoded",
			baseURL:  "http://up.example",
			path:     "/files",
			rawQuery: "name=a%20b&x=1",
			want:     "http://up.example/files?name=a%20b&x=1",
		},
		{
			name:    "root path",
			baseURL: "http://up.example/",
			path:    "/",
			want:    "http://up.example/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildURL(tt.baseURL, tt.path, tt.rawQuery); got != tt.want {
				t.Errorf("BuildURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewMount_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
	}{
		{"empty base_url", ""},
		{"relative base_url", "up.example/path"},
		{"bad scheme", "ftp://up.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMount(config.MountConfig{Path: "/p", BaseURL: tt.baseURL})
			if err == nil {
				t.Errorf("NewMount(base_url=%q) expected error, got nil", tt.baseURL)
			}
		})
	}
}

func TestSelectHeaders(t *testing.T) {
	m := testMount(t, "http://origin.example/", false)
	inbound := http.Header{
		"Referer":          {"http://proxy.example/proxy/page"},
		"Origin":           {"http://proxy.example"},
		"User-Agent":       {"test-agent/1.0"},
		"X-Requested-With": {"XMLHttpRequest"},
		"Cookie":           {"browser_session=secret"},
		"Host":             {"proxy.example"},
		"Content-Length":   {"42"},
		"Authorization":    {"Bearer token"},
	}

	out := m.selectHeaders(inbound, "proxy.example")

	tests := []struct {
		key     string
		wantLen int
	}{
		{"Referer", 1},
		{"Origin", 1},
		{"User-Agent", 1},
		{"X-Requested-With", 1},
		{"Cookie", 0},
		{"Host", 0},
		{"Content-Length", 0},
		{"Authorization", 0},
	}

	for _, tt := range tests {
		if got := len(out.Values(tt.key)); got != tt.wantLen {
			t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
		}
	}
}

func TestRawRewrite(t *testing.T) {
	host := "proxy.example"

	t.Run("disabled is identity", func(t *testing.T) {
		m := testMount(t, "http://origin.example/", false)
		for _, v := range []string{"", "http://proxy.example/page", "unrelated"} {
			if got := m.rawRewrite(v, host); got != v {
				t.Errorf("rawRewrite(%q) = %q, want unchanged", v, got)
			}
		}
	})

	t.Run("enabled replaces host with bare origin", func(t *testing.T) {
		m := testMount(t, "http://origin.example/", true)
		got := m.rawRewrite("http://proxy.example/proxy/page", host)
		want := "http://origin.example/proxy/page"
		if got != want {
			t.Errorf("rawRewrite() = %q, want %q", got, want)
		}
	})

	t.Run("https scheme stripped from base", func(t *testing.T) {
		m := testMount(t, "https://origin.example/", true)
		got := m.rawRewrite("proxy.example", host)
		if got != "origin.example" {
			t.Errorf("rawRewrite() = %q, want %q", got, "origin.example")
		}
	})
}

func TestRewriteBody_Attributes(t *testing.T) {
	m := testMount(t, "http://origin.example/", true)

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "img src",
			body: `<img src="/static/a.png">`,
			want: `<img src="/proxy/static/a.png">`,
		},
		{
			name: "href",
			body: `<a href="/about">About</a>`,
			want: `<a href="/proxy/about">About</a>`,
		},
		{
			name: "form action",
			body: `<form action="/login" method="post">`,
			want: `<form action="/proxy/login" method="post">`,
		},
		{
			name: "single quotes",
			body: `<img src='/static/a.png'>`,
			want: `<img src='/proxy/static/a.png'>`,
		},
		{
			name: "protocol-relative untouched",
			body: `<script src="//cdn.example/lib.js"></script>`,
			want: `<script src="//cdn.example/lib.js"></script>`,
		},
		{
			name: "relative reference untouched",
			body: `<img src="static/a.png">`,
			want: `<img src="static/a.png">`,
		},
		{
			name: "multiple attributes in one body",
			body: `<a href="/x"><img src="/y"></a>`,
			want: `<a href="/proxy/x"><img src="/proxy/y"></a>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.rewriteBody([]byte(tt.body), "/proxy/page", "/page", "proxy.example")
			if string(got) != tt.want {
				t.Errorf("rewriteBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRewriteBody_AbsoluteOriginReplaced(t *testing.T) {
	m := testMount(t, "http://origin.example/", true)

	body := `<a href="http://origin.example/deep/link">x</a>`
	got := m.rewriteBody([]byte(body), "/proxy/page", "/page", "proxy.example:8000")
	want := `<a href="proxy.example:8000/deep/link">x</a>`
	if string(got) != want {
		t.Errorf("rewriteBody() = %q, want %q", got, want)
	}
}

func TestRewriteBody_RootMountInsertsNothing(t *testing.T) {
	m := testMount(t, "http://origin.example/", true)

	// Original path equals the normalized path: no mount prefix to insert.
	body := `<img src="/static/a.png">`
	got := m.rewriteBody([]byte(body), "/page", "/page", "proxy.example")
	if string(got) != body {
		t.Errorf("rewriteBody() = %q, want unchanged %q", got, body)
	}
}

func upstreamRequest(t *testing.T, method, rawPath, rawQuery string) *model.ProxyRequest {
	t.Helper()
	return &model.ProxyRequest{
		Method:       method,
		RawPath:      rawPath,
		OriginalPath: "/proxy" + NormalizePath(rawPath),
		RawQuery:     rawQuery,
		Header:       http.Header{},
		Host:         "proxy.example",
		SessionID:    "client-1",
	}
}

func TestForward_GETPassesPathAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	m := testMount(t, ts.URL, false)

	res, err := svc.Forward(context.Background(), m, upstreamRequest(t, http.MethodGet, "page", "x=1"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if gotPath != "/page" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/page")
	}
	if gotQuery != "x=1" {
		t.Errorf("upstream query = %q, want %q", gotQuery, "x=1")
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if string(res.Body) != "ok" {
		t.Errorf("body = %q, want %q", res.Body, "ok")
	}
}

func TestForward_RedirectNotFollowed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/other" {
			t.Error("proxy followed the redirect")
		}
		w.Header().Set("Location", "/other")
		w.WriteHeader(http.StatusFound)
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	m := testMount(t, ts.URL, false)

	res, err := svc.Forward(context.Background(), m, upstreamRequest(t, http.MethodGet, "page", ""))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if res.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusFound)
	}
	if loc := res.Header.Get("Location"); loc != "/other" {
		t.Errorf("Location = %q, want %q", loc, "/other")
	}
}

func TestForward_POSTSendsFormBody(t *testing.T) {
	var gotContentType, gotUser string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		if err := r.ParseForm(); err != nil {
			t.Errorf("upstream ParseForm() error = %v", err)
		}
		gotUser = r.PostForm.Get("user")
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	m := testMount(t, ts.URL, false)

	pr := upstreamRequest(t, http.MethodPost, "submit", "")
	pr.Form = url.Values{"user": {"alice"}, "note": {"a b"}}

	res, err := svc.Forward(context.Background(), m, pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q, want form encoding", gotContentType)
	}
	if gotUser != "alice" {
		t.Errorf("form user = %q, want %q", gotUser, "alice")
	}
	if res.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
}

func TestForward_SessionCookiePersistedAndReplayed(t *testing.T) {
	var sawCookie string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "upstream_sid", Value: "xyz", Path: "/"})
		default:
			if c, err := r.Cookie("upstream_sid"); err == nil {
				sawCookie = c.Value
			}
		}
	}))
	defer ts.Close()

	svc, store := newTestService(t)
	m := testMount(t, ts.URL, false)
	ctx := context.Background()

	if _, err := svc.Forward(ctx, m, upstreamRequest(t, http.MethodGet, "login", "")); err != nil {
		t.Fatalf("first Forward() error = %v", err)
	}

	// The cookie must be in the store, not just in-process state.
	jar, err := store.Load(ctx, "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(jar.All()) != 1 {
		t.Fatalf("stored jar has %d cookies, want 1", len(jar.All()))
	}

	if _, err := svc.Forward(ctx, m, upstreamRequest(t, http.MethodGet, "page", "")); err != nil {
		t.Fatalf("second Forward() error = %v", err)
	}

	if sawCookie != "xyz" {
		t.Errorf("upstream saw cookie %q on second request, want %q", sawCookie, "xyz")
	}
}

func TestForward_UpstreamErrorStatusIsNotAnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	m := testMount(t, ts.URL, false)

	res, err := svc.Forward(context.Background(), m, upstreamRequest(t, http.MethodGet, "page", ""))
	if err != nil {
		t.Fatalf("Forward() error = %v, want 500 forwarded as data", err)
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
	if !strings.Contains(string(res.Body), "boom") {
		t.Errorf("body = %q, want upstream error body", res.Body)
	}
}

func TestForward_UnreachableUpstreamIsAnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // nothing listening anymore

	svc, _ := newTestService(t)
	m := testMount(t, ts.URL, false)

	if _, err := svc.Forward(context.Background(), m, upstreamRequest(t, http.MethodGet, "page", "")); err == nil {
		t.Fatal("Forward() expected error for unreachable upstream, got nil")
	}
}

func TestForward_ContextCancellationSurfaced(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	m := testMount(t, ts.URL, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := svc.Forward(ctx, m, upstreamRequest(t, http.MethodGet, "page", "")); err == nil {
		t.Fatal("Forward() expected error on context timeout, got nil")
	}
}

func TestForward_RewriteApplied(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<img src="/static/a.png">`))
	}))
	defer ts.Close()

	svc, _ := newTestService(t)
	m := testMount(t, ts.URL, true)

	res, err := svc.Forward(context.Background(), m, upstreamRequest(t, http.MethodGet, "page", ""))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	want := `<img src="/proxy/static/a.png">`
	if string(res.Body) != want {
		t.Errorf("body = %q, want %q", res.Body, want)
	}
}

func TestForward_SessionStoreDownDegrades(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 5, IdleConnections: 10},
	}
	upstream := client.NewUpstream(cfg, discardLogger(), nil)
	svc := NewService(upstream, failingStore{}, discardLogger(), nil)
	m := testMount(t, ts.URL, false)

	res, err := svc.Forward(context.Background(), m, upstreamRequest(t, http.MethodGet, "page", ""))
	if err != nil {
		t.Fatalf("Forward() error = %v, want success despite store outage", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

type failingStore struct{}

func (failingStore) Load(context.Context, string) (*session.Jar, error) {
	return nil, context.DeadlineExceeded
}

func (failingStore) Save(context.Context, string, *session.Jar) error {
	return context.DeadlineExceeded
}

package proxy

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"mountproxy/internal/config"
)

// attrRefPattern matches src/href/action attribute values that start with a
// single "/". The character after the slash is captured and re-emitted so
// protocol-relative "//" references are left alone (RE2 has no lookahead).
var attrRefPattern = regexp.MustCompile(`((?:src|href|action)=["'])/([^/])`)

// Mount is one configured proxy mount point: a URL prefix bound to an
// upstream origin. Immutable after construction.
type Mount struct {
	Name    string
	Path    string
	Rewrite bool

	base     string // base URL, trailing slash stripped
	bareBase string // base URL without scheme, trailing slash stripped
}

// NewMount builds a Mount from its configuration. A mount that fails here is
// rejected at registration time and never reaches request handling.
func NewMount(cfg config.MountConfig) (*Mount, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mount %q: base_url is required", cfg.Path)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("mount %q: parse base_url: %w", cfg.Path, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("mount %q: base_url must be an absolute http(s) URL; got %q", cfg.Path, cfg.BaseURL)
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	bare := strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")

	return &Mount{
		Name:     cfg.Name,
		Path:     cfg.Path,
		Rewrite:  cfg.Rewrite,
		base:     base,
		bareBase: bare,
	}, nil
}

// NewMounts builds every configured mount, rejecting the whole set on the
// first bad entry.
func NewMounts(cfg *config.Config) ([]*Mount, error) {
	mounts := make([]*Mount, 0, len(cfg.Mounts))
	for _, mc := range cfg.Mounts {
		m, err := NewMount(mc)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// BaseURL returns the upstream origin with any trailing slash stripped.
func (m *Mount) BaseURL() string {
	return m.base
}

// selectHeaders derives the outbound header set from the inbound one.
// Referer and Origin are origin-rewritten; User-Agent and X-Requested-With
// pass verbatim. Nothing else is forwarded: cookies travel exclusively
// through the session jar, and Host/Content-Length are set by the transport.
func (m *Mount) selectHeaders(inbound http.Header, host string) http.Header {
	out := make(http.Header)
	if v := inbound.Get("Referer"); v != "" {
		out.Set("Referer", m.rawRewrite(v, host))
	}
	if v := inbound.Get("Origin"); v != "" {
		out.Set("Origin", m.rawRewrite(v, host))
	}
	if v := inbound.Get("User-Agent"); v != "" {
		out.Set("User-Agent", v)
	}
	if v := inbound.Get("X-Requested-With"); v != "" {
		out.Set("X-Requested-With", v)
	}
	return out
}

// rawRewrite converts references to the proxy's own host back into
// references to the upstream origin. Identity when rewriting is disabled.
func (m *Mount) rawRewrite(value, host string) string {
	if !m.Rewrite {
		return value
	}
	return strings.ReplaceAll(value, host, m.bareBase)
}

// rewriteBody fixes references in an HTML-bearing response body so the page
// renders correctly under the mount path:
//
//  1. src/href/action values starting with a single "/" get the mount prefix
//     inserted, so root-relative references resolve under the mount;
//  2. absolute URLs pointing at the upstream origin are replaced with the
//     inbound host, so they point back at the proxy.
//
// proxyRoot is derived from the original request path by removing the
// trailing proxied path, leaving the mount prefix.
func (m *Mount) rewriteBody(body []byte, originalPath, normalizedPath, host string) []byte {
	proxyRoot := originalPath
	if i := strings.LastIndex(originalPath, normalizedPath); i >= 0 {
		proxyRoot = originalPath[:i]
	}

	repl := []byte(`${1}` + strings.ReplaceAll(proxyRoot, "$", "$$") + `/${2}`)
	body = attrRefPattern.ReplaceAll(body, repl)

	return bytes.ReplaceAll(body, []byte(m.base), []byte(host))
}

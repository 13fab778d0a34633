// Package session persists per-client upstream cookie state across
// independent request/response cycles.
package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// payloadVersion tags the serialized jar format. Payloads carrying any other
// version are treated as unreadable and replaced with a fresh jar.
const payloadVersion = 1

// Cookie is one stored upstream cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"http_only,omitempty"`
	HostOnly bool      `json:"host_only,omitempty"`
}

func (c Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

// Jar is a serializable cookie jar implementing http.CookieJar. It holds the
// upstream session affinity for one client; the surrounding Store moves it in
// and out of session storage between requests. A Jar is safe for concurrent
// use within one request's HTTP client.
type Jar struct {
	mu      sync.Mutex
	cookies map[string]Cookie
}

// NewJar returns an empty cookie jar.
func NewJar() *Jar {
	return &Jar{cookies: make(map[string]Cookie)}
}

func cookieKey(domain, path, name string) string {
	return domain + ";" + path + ";" + name
}

// SetCookies records the cookies from an upstream response, merging by
// (name, domain, path) and honoring Max-Age/Expires deletions.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	host := strings.ToLower(u.Hostname())
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, c := range cookies {
		if c.Name == "" {
			continue
		}

		stored := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}

		if c.Domain == "" {
			stored.Domain = host
			stored.HostOnly = true
		} else {
			stored.Domain = strings.ToLower(strings.TrimPrefix(c.Domain, "."))
		}

		if c.Path == "" || c.Path[0] != '/' {
			stored.Path = "/"
		} else {
			stored.Path = c.Path
		}

		key := cookieKey(stored.Domain, stored.Path, stored.Name)

		switch {
		case c.MaxAge < 0:
			delete(j.cookies, key)
			continue
		case c.MaxAge > 0:
			stored.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			if c.Expires.Before(now) {
				delete(j.cookies, key)
				continue
			}
			stored.Expires = c.Expires
		}

		j.cookies[key] = stored
	}
}

// Cookies returns the unexpired cookies that apply to a request for u,
// longest path first.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	host := strings.ToLower(u.Hostname())
	secure := u.Scheme == "https"
	path := u.Path
	if path == "" {
		path = "/"
	}
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()

	var matched []Cookie
	for key, c := range j.cookies {
		if c.expired(now) {
			delete(j.cookies, key)
			continue
		}
		if c.Secure && !secure {
			continue
		}
		if !domainMatch(host, c) || !pathMatch(path, c.Path) {
			continue
		}
		matched = append(matched, c)
	}

	sort.Slice(matched, func(a, b int) bool {
		if len(matched[a].Path) != len(matched[b].Path) {
			return len(matched[a].Path) > len(matched[b].Path)
		}
		return matched[a].Name < matched[b].Name
	})

	out := make([]*http.Cookie, 0, len(matched))
	for _, c := range matched {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// All returns a snapshot of every unexpired cookie, sorted by key.
func (j *Jar) All() []Cookie {
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		if !c.expired(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		ka := cookieKey(out[a].Domain, out[a].Path, out[a].Name)
		kb := cookieKey(out[b].Domain, out[b].Path, out[b].Name)
		return ka < kb
	})
	return out
}

func domainMatch(host string, c Cookie) bool {
	if c.HostOnly {
		return host == c.Domain
	}
	return host == c.Domain || strings.HasSuffix(host, "."+c.Domain)
}

func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

type payload struct {
	Version int      `json:"v"`
	Cookies []Cookie `json:"cookies"`
}

// Marshal serializes the jar into a version-tagged JSON envelope. Expired
// cookies are dropped.
func (j *Jar) Marshal() ([]byte, error) {
	p := payload{
		Version: payloadVersion,
		Cookies: j.All(),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal session jar: %w", err)
	}
	return data, nil
}

// Unmarshal parses a serialized jar. Unknown versions and malformed payloads
// are errors; callers recover by falling back to a fresh jar.
func Unmarshal(data []byte) (*Jar, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal session jar: %w", err)
	}
	if p.Version != payloadVersion {
		return nil, fmt.Errorf("unmarshal session jar: unsupported payload version %d", p.Version)
	}

	j := NewJar()
	for _, c := range p.Cookies {
		if c.Name == "" || c.Domain == "" {
			return nil, fmt.Errorf("unmarshal session jar: cookie missing name or domain")
		}
		if c.Path == "" {
			c.Path = "/"
		}
		j.cookies[cookieKey(c.Domain, c.Path, c.Name)] = c
	}
	return j, nil
}

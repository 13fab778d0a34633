// Package model defines shared types for the proxy pipeline.
package model

import (
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Method string

	// RawPath is the path fragment captured by the mount's wildcard route,
	// with the mount prefix already stripped. It may or may not start with
	// a slash.
	RawPath string

	// OriginalPath is the full path the client requested, including the
	// mount prefix. Needed to compute the mount-to-root offset when
	// rewriting response bodies.
	OriginalPath string

	// RawQuery is the client's query string exactly as received, already
	// percent-encoded. Forwarded verbatim.
	RawQuery string

	// Form holds POST form parameters. Nil for GET.
	Form url.Values

	Header    http.Header
	Host      string
	SessionID string
}

// UpstreamResult represents the upstream response to be returned to the client.
type UpstreamResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

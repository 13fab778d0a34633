// Package proxy implements the request forwarding pipeline: path
// normalization, session load, header selection, URL construction, the
// upstream call, session save, and optional response rewriting.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"mountproxy/internal/client"
	"mountproxy/internal/metrics"
	"mountproxy/internal/model"
	"mountproxy/internal/session"
)

// Service runs the forwarding pipeline. One Service handles every mount;
// per-request state lives entirely on the stack and in the session store.
type Service struct {
	upstream *client.Upstream
	store    session.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewService creates a Service.
// The metrics parameter is optional; pass nil to disable rewrite counting.
func NewService(upstream *client.Upstream, store session.Store, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		upstream: upstream,
		store:    store,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}
}

// NormalizePath returns the proxied path with a leading slash, so downstream
// stages can rely on an absolute path. Idempotent.
func NormalizePath(raw string) string {
	if strings.HasPrefix(raw, "/") {
		return raw
	}
	return "/" + raw
}

// BuildURL joins the upstream base URL with the normalized path and appends
// the raw query string when present. The query is the client's encoded
// string passed through verbatim: parameter order, duplicate keys, and
// existing percent-encoding all survive untouched.
func BuildURL(baseURL, normalizedPath, rawQuery string) string {
	target := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(normalizedPath, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Forward runs one request through the pipeline and returns the upstream's
// response. Redirects are passed through, not followed; any upstream HTTP
// status is a success. The error return covers transport-level failures
// only, mapped by the handler layer to a gateway-failure status.
//
// The session jar is saved only after the upstream responds, so a transport
// failure leaves the stored session untouched. Concurrent requests under one
// session identifier are last-write-wins (see session.Store).
func (s *Service) Forward(ctx context.Context, m *Mount, pr *model.ProxyRequest) (*model.UpstreamResult, error) {
	path := NormalizePath(pr.RawPath)

	jar, err := s.store.Load(ctx, pr.SessionID)
	if err != nil {
		// Storage outage degrades to a cookie-less request rather than
		// failing the client.
		s.logger.Warn("session load failed, proceeding with empty session",
			"session_id", pr.SessionID,
			"err", err,
		)
		jar = session.NewJar()
	}

	header := m.selectHeaders(pr.Header, pr.Host)
	target := BuildURL(m.base, path, pr.RawQuery)

	res, err := s.upstream.Do(ctx, pr.Method, target, pr.Form, header, jar)
	if err != nil {
		return nil, fmt.Errorf("forward %s %s: %w", pr.Method, path, err)
	}

	if err := s.store.Save(ctx, pr.SessionID, jar); err != nil {
		s.logger.Warn("session save failed, cookie updates lost",
			"session_id", pr.SessionID,
			"err", err,
		)
	}

	if m.Rewrite {
		res.Body = m.rewriteBody(res.Body, pr.OriginalPath, path, pr.Host)
		if s.metrics != nil {
			s.metrics.BodyRewrites.WithLabelValues(m.Name).Inc()
		}
	}

	s.logger.Debug("forwarded",
		"mount", m.Name,
		"method", pr.Method,
		"path", path,
		"status", res.StatusCode,
		"body_size", len(res.Body),
	)

	return res, nil
}

// Package client provides the HTTP client for upstream origins.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mountproxy/internal/config"
	"mountproxy/internal/metrics"
	"mountproxy/internal/model"
)

// Upstream issues forwarded requests to origin servers. The transport is
// shared for connection pooling; each call binds a per-session cookie jar to
// a throwaway http.Client so cookies never leak across sessions.
type Upstream struct {
	transport *http.Transport
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewUpstream creates an Upstream with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstream(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Upstream {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Upstream{
		transport: transport,
		timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}
}

// Do forwards one request to targetURL and returns the buffered response.
// Redirects are never followed: a 3xx status and its Location header are
// returned to the caller as-is so the browser performs the redirect itself.
// For POST, form is sent as an application/x-www-form-urlencoded body.
//
// Any HTTP status from the origin is a success; the error return is reserved
// for transport failures (connect, DNS, timeout, context cancellation).
func (u *Upstream) Do(ctx context.Context, method, targetURL string, form url.Values, header http.Header, jar http.CookieJar) (*model.UpstreamResult, error) {
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	httpClient := &http.Client{
		Transport: u.transport,
		Jar:       jar,
		Timeout:   u.timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	u.logger.Debug("upstream request",
		"method", method,
		"url", req.URL.Redacted(),
	)

	start := time.Now()
	resp, err := httpClient.Do(req)
	duration := time.Since(start).Seconds()

	m := metrics.NormalizeMethod(method)

	if err != nil {
		if u.metrics != nil {
			u.metrics.UpstreamDuration.WithLabelValues(m).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if u.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		u.metrics.UpstreamDuration.WithLabelValues(m).Observe(duration)
		u.metrics.UpstreamResponses.WithLabelValues(m, status).Inc()
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	return &model.UpstreamResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

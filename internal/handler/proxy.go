package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"mountproxy/internal/middleware"
	"mountproxy/internal/model"
	"mountproxy/internal/proxy"
)

// ProxyHandler serves proxied requests for the configured mounts.
type ProxyHandler struct {
	service *proxy.Service
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *proxy.Service, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Mount returns the echo handler serving one mount point. The wildcard route
// parameter carries the path fragment to forward; the full request path is
// kept alongside it for body rewriting.
func (h *ProxyHandler) Mount(m *proxy.Mount) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		pr := &model.ProxyRequest{
			Method:       req.Method,
			RawPath:      c.Param("*"),
			OriginalPath: req.URL.Path,
			RawQuery:     req.URL.RawQuery,
			Header:       req.Header,
			Host:         req.Host,
			SessionID:    middleware.SessionID(c),
		}

		if req.Method == http.MethodPost {
			if err := req.ParseForm(); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "malformed form body")
			}
			pr.Form = req.PostForm
		}

		res, err := h.service.Forward(req.Context(), m, pr)
		if err != nil {
			return h.mapError(c, err)
		}

		// Location passes through verbatim so the browser performs the
		// redirect; the proxy never follows it.
		if loc := res.Header.Get("Location"); loc != "" {
			c.Response().Header().Set("Location", loc)
		}

		return c.Blob(res.StatusCode, res.Header.Get("Content-Type"), res.Body)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mountproxy/internal/config"
	"mountproxy/internal/metrics"
	"mountproxy/internal/proxy"
)

// RegisterRoutes wires all route handlers onto the Echo instance: the health
// surface, the optional metrics endpoint, and a GET/POST route pair per
// mount. Only GET and POST are registered; other methods 405 at the router.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, mounts []*proxy.Mount, ph *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}

	for _, mount := range mounts {
		h := ph.Mount(mount)

		wildcard := mount.Path + "/*"
		if mount.Path == "/" {
			wildcard = "/*"
		} else {
			// Bare mount path forwards to the upstream root.
			e.GET(mount.Path, h)
			e.POST(mount.Path, h)
		}
		e.GET(wildcard, h)
		e.POST(wildcard, h)
	}
}

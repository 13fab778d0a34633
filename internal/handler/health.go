package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"mountproxy/internal/config"
	"mountproxy/internal/proxy"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	mounts  []*proxy.Mount
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, mounts []*proxy.Mount, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, mounts: mounts, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusMount struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Upstream string `json:"upstream"`
	Rewrite  bool   `json:"rewrite"`
}

type statusResponse struct {
	Status         string        `json:"status"`
	Version        string        `json:"version"`
	SessionBackend string        `json:"session_backend"`
	Mounts         []statusMount `json:"mounts"`
}

// Status returns proxy status information: version, session backend, and the
// configured mounts.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:         "ok",
		Version:        string(h.version),
		SessionBackend: h.cfg.Session.Backend,
		Mounts:         make([]statusMount, 0, len(h.mounts)),
	}
	for _, m := range h.mounts {
		resp.Mounts = append(resp.Mounts, statusMount{
			Name:     m.Name,
			Path:     m.Path,
			Upstream: m.BaseURL(),
			Rewrite:  m.Rewrite,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"csrf-shim-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	svc     *service.ConnectionService
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.ConnectionService, v Version) *HealthHandler {
	return &HealthHandler{svc: svc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Shim    service.Status `json:"shim"`
}

// Status returns connection and buffer accounting for the running shim.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Shim:    h.svc.Snapshot(),
	})
}

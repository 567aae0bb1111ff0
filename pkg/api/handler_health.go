package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/database"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's verdict in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	ActiveDevices int                    `json:"active_devices"`
	Checks        map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health. Only the plant's own dependencies are
// checked: the database and the consumer pool. A database failure is
// unhealthy (503); a consumer without a live consume is degraded, since
// workers reopen their channels on their own.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.db != nil {
		if _, err := database.Health(reqCtx, s.db.Session()); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.consumer != nil {
		if consumerHealth := s.consumer.Health(); !consumerHealth.IsHealthy {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["consumer"] = HealthCheck{Status: healthStatusDegraded, Message: "one or more data consumers are not consuming"}
		} else {
			checks["consumer"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	activeDevices := 0
	if s.registry != nil {
		activeDevices = s.registry.ActiveDevices()
	}

	c.JSON(httpStatus, &HealthResponse{
		Status:        status,
		Version:       version.GitCommit,
		ActiveDevices: activeDevices,
		Checks:        checks,
	})
}

// versionHandler handles GET /version.
func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app":     version.AppName,
		"version": version.GitCommit,
	})
}

// Package api exposes the admin HTTP surface of the plant: health and
// version probes plus the volatile trigger endpoints, which inject runtime
// triggers into the device actors without touching the database.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/consumer"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/database"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/updater"
)

// DeviceRegistry is the updater surface the API drives. Implemented by
// *updater.Registry.
type DeviceRegistry interface {
	InstallVolatileTrigger(ctx context.Context, realm, encodedDeviceID string, req updater.InstallVolatileTriggerRequest) error
	DeleteVolatileTrigger(ctx context.Context, realm, encodedDeviceID string, triggerID uuid.UUID) error
	ActiveDevices() int
}

// ConsumerHealth reports the data consumer pool status. Implemented by
// *consumer.Consumer.
type ConsumerHealth interface {
	Health() *consumer.Health
}

// Server is the admin API server.
type Server struct {
	db       *database.Client
	consumer ConsumerHealth
	registry DeviceRegistry

	httpServer *http.Server
}

// NewServer creates the admin API server.
func NewServer(db *database.Client, consumerHealth ConsumerHealth, registry DeviceRegistry) *Server {
	return &Server{
		db:       db,
		consumer: consumerHealth,
		registry: registry,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.healthHandler)
	router.GET("/version", s.versionHandler)

	v1 := router.Group("/v1")
	{
		v1.POST("/:realm/devices/:device_id/triggers", s.installTriggerHandler)
		v1.DELETE("/:realm/devices/:device_id/triggers/:trigger_id", s.deleteTriggerHandler)
	}
	return router
}

// Start begins serving on addr, blocking until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/deviceid"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/triggers"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/updater"
)

// installTriggerRequest is the POST body for a volatile trigger install.
// SimpleTrigger and TriggerTarget carry the same JSON forms the
// simple_triggers table stores.
type installTriggerRequest struct {
	SimpleTriggerID string          `json:"simple_trigger_id,omitempty"`
	ParentTriggerID string          `json:"parent_trigger_id,omitempty"`
	ObjectType      string          `json:"object_type" binding:"required"`
	SimpleTrigger   json.RawMessage `json:"simple_trigger" binding:"required"`
	TriggerTarget   json.RawMessage `json:"trigger_target" binding:"required"`
}

// installTriggerHandler handles POST /v1/:realm/devices/:device_id/triggers.
// The trigger lives only in the device actor's memory: it is injected into
// the device message stream and compiled there, so a refused trigger (bad
// match path, unknown event) reports the actor's verdict.
func (s *Server) installTriggerHandler(c *gin.Context) {
	realm := c.Param("realm")
	encodedDeviceID := c.Param("device_id")

	var body installTriggerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := buildInstallRequest(encodedDeviceID, body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.registry.InstallVolatileTrigger(c.Request.Context(), realm, encodedDeviceID, req); err != nil {
		c.JSON(statusForRegistryError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trigger_id": req.SimpleTriggerID.String()})
}

// deleteTriggerHandler handles
// DELETE /v1/:realm/devices/:device_id/triggers/:trigger_id.
func (s *Server) deleteTriggerHandler(c *gin.Context) {
	realm := c.Param("realm")
	encodedDeviceID := c.Param("device_id")

	triggerID, err := uuid.Parse(c.Param("trigger_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trigger id"})
		return
	}

	if err := s.registry.DeleteVolatileTrigger(c.Request.Context(), realm, encodedDeviceID, triggerID); err != nil {
		if errors.Is(err, updater.ErrTriggerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
			return
		}
		c.JSON(statusForRegistryError(err), gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

// buildInstallRequest resolves the object the trigger is installed on and
// fills the generated ids.
func buildInstallRequest(encodedDeviceID string, body installTriggerRequest) (updater.InstallVolatileTriggerRequest, error) {
	req := updater.InstallVolatileTriggerRequest{
		TriggerData:   []byte(body.SimpleTrigger),
		TriggerTarget: []byte(body.TriggerTarget),
	}

	req.SimpleTriggerID = uuid.New()
	if body.SimpleTriggerID != "" {
		id, err := uuid.Parse(body.SimpleTriggerID)
		if err != nil {
			return req, fmt.Errorf("invalid simple_trigger_id: %w", err)
		}
		req.SimpleTriggerID = id
	}
	if body.ParentTriggerID != "" {
		id, err := uuid.Parse(body.ParentTriggerID)
		if err != nil {
			return req, fmt.Errorf("invalid parent_trigger_id: %w", err)
		}
		req.ParentTriggerID = id
	}

	switch body.ObjectType {
	case "device":
		id, err := deviceid.Decode(encodedDeviceID)
		if err != nil {
			return req, fmt.Errorf("invalid device id: %w", err)
		}
		req.ObjectType = triggers.ObjectDevice
		req.ObjectID = uuid.UUID(id)
	case "interface":
		var container triggers.Container
		if err := json.Unmarshal(body.SimpleTrigger, &container); err != nil {
			return req, fmt.Errorf("invalid simple_trigger: %w", err)
		}
		if container.DataTrigger == nil {
			return req, errors.New("interface triggers require a data_trigger")
		}
		req.ObjectType = triggers.ObjectInterface
		req.ObjectID = interfaces.InterfaceID(container.DataTrigger.InterfaceName, container.DataTrigger.InterfaceMajor)
	case "any_interface":
		req.ObjectType = triggers.ObjectAnyInterface
		req.ObjectID = triggers.AnyInterfaceObjectID
	case "any_device":
		req.ObjectType = triggers.ObjectAnyDevice
		req.ObjectID = triggers.AnyDeviceObjectID
	default:
		return req, fmt.Errorf("unknown object_type %q", body.ObjectType)
	}
	return req, nil
}

func statusForRegistryError(err error) int {
	if errors.Is(err, updater.ErrRegistryStopped) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnprocessableEntity
}

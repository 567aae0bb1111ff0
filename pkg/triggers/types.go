// Package triggers compiles installed simple triggers into the lookup
// tables the device actor consults while processing messages.
package triggers

import (
	"fmt"

	"github.com/google/uuid"
)

// ObjectType states what a stored simple trigger is installed on.
type ObjectType int

const (
	ObjectDevice       ObjectType = 1
	ObjectInterface    ObjectType = 2
	ObjectAnyInterface ObjectType = 3
	ObjectAnyDevice    ObjectType = 4
)

func (o ObjectType) String() string {
	switch o {
	case ObjectDevice:
		return "device"
	case ObjectInterface:
		return "interface"
	case ObjectAnyInterface:
		return "any_interface"
	case ObjectAnyDevice:
		return "any_device"
	default:
		return fmt.Sprintf("object_type(%d)", int(o))
	}
}

// idNamespace matches the namespace interface ids derive from, so sentinel
// object ids stay stable across components.
var idNamespace = uuid.MustParse("f79ad91f-c638-4889-ae74-9d001a3b4cf8")

// Sentinel object ids for triggers installed on every device or interface.
var (
	AnyDeviceObjectID    = uuid.NewSHA1(idNamespace, []byte("any_device"))
	AnyInterfaceObjectID = uuid.NewSHA1(idNamespace, []byte("any_interface"))
)

// DataEvent is a data-path trigger event.
type DataEvent string

const (
	OnIncomingData       DataEvent = "incoming_data"
	OnValueChange        DataEvent = "value_change"
	OnValueChangeApplied DataEvent = "value_change_applied"
	OnPathCreated        DataEvent = "path_created"
	OnPathRemoved        DataEvent = "path_removed"
)

// DeviceEvent is a device lifecycle trigger event.
type DeviceEvent string

const (
	OnDeviceConnection    DeviceEvent = "device_connected"
	OnDeviceDisconnection DeviceEvent = "device_disconnected"
	OnDeviceEmptyCache    DeviceEvent = "device_empty_cache_received"
)

// IntrospectionEvent is an introspection trigger event.
type IntrospectionEvent string

const (
	OnIncomingIntrospection IntrospectionEvent = "incoming_introspection"
	OnInterfaceAdded        IntrospectionEvent = "interface_added"
	OnInterfaceRemoved      IntrospectionEvent = "interface_removed"
)

// Target is where a fired trigger publishes its event.
type Target struct {
	SimpleTriggerID uuid.UUID         `json:"simple_trigger_id"`
	ParentTriggerID uuid.UUID         `json:"parent_trigger_id"`
	RoutingKey      string            `json:"routing_key"`
	StaticHeaders   map[string]string `json:"static_headers,omitempty"`
}

// Package events builds and publishes the trigger events the plant emits
// towards the events exchange: each fired trigger target receives a
// serialized SimpleEvent envelope carrying one concrete event payload.
package events

// Event type discriminators, used both in the SimpleEvent envelope and in
// the x_astarte_event_type header.
const (
	EventTypeDeviceConnected          = "device_connected_event"
	EventTypeDeviceDisconnected       = "device_disconnected_event"
	EventTypeDeviceEmptyCacheReceived = "device_empty_cache_received_event"
	EventTypeIncomingData             = "incoming_data_event"
	EventTypeIncomingIntrospection    = "incoming_introspection_event"
	EventTypeInterfaceAdded           = "interface_added_event"
	EventTypeInterfaceRemoved         = "interface_removed_event"
	EventTypeValueChange              = "value_change_event"
	EventTypeValueChangeApplied       = "value_change_applied_event"
	EventTypePathCreated              = "path_created_event"
	EventTypePathRemoved              = "path_removed_event"
)

// AMQP headers attached to every published event. The trigger-id pair is
// attached on data-path events only.
const (
	HeaderRealm           = "x_astarte_realm"
	HeaderDeviceID        = "x_astarte_device_id"
	HeaderEventType       = "x_astarte_event_type"
	HeaderSimpleTriggerID = "x_astarte_simple_trigger_id"
	HeaderParentTriggerID = "x_astarte_parent_trigger_id"
)

// SimpleEvent is the envelope every trigger event is serialized into.
// Event holds one of the concrete payload structs from payloads.go,
// discriminated by Type.
type SimpleEvent struct {
	SimpleTriggerID string `json:"simple_trigger_id,omitempty"` // firing trigger UUID
	ParentTriggerID string `json:"parent_trigger_id,omitempty"` // owning trigger UUID
	Realm           string `json:"realm"`
	DeviceID        string `json:"device_id"`    // base64-url, no padding
	Timestamp       int64  `json:"timestamp_ms"` // event time, milliseconds
	Type            string `json:"type"`         // EventType* discriminator
	Event           any    `json:"event"`        // concrete payload
}

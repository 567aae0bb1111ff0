package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/triggers"
)

// AMQPPublisher publishes a serialized event on the events exchange.
// Implemented by amqpclient.Publisher.
type AMQPPublisher interface {
	Publish(ctx context.Context, routingKey string, headers amqp.Table, body []byte) error
}

// TriggersHandler fans a fired trigger out to its targets. Each public
// method builds the concrete event payload, wraps it into a SimpleEvent
// envelope per target and publishes it with the standard header set.
//
// Publish failures are returned to the caller: the actor treats them as
// infrastructure errors and crashes so the message is requeued.
type TriggersHandler struct {
	publisher AMQPPublisher
}

// NewTriggersHandler creates a TriggersHandler publishing through the
// given AMQP publisher.
func NewTriggersHandler(publisher AMQPPublisher) *TriggersHandler {
	return &TriggersHandler{publisher: publisher}
}

// DeviceConnected publishes a device_connected_event to every target.
func (h *TriggersHandler) DeviceConnected(ctx context.Context, targets []triggers.Target, realm, deviceID, ipAddress string, timestampMillis int64) error {
	return h.publish(ctx, targets, realm, deviceID, EventTypeDeviceConnected,
		DeviceConnectedEvent{DeviceIPAddress: ipAddress}, timestampMillis, false)
}

// DeviceDisconnected publishes a device_disconnected_event to every target.
func (h *TriggersHandler) DeviceDisconnected(ctx context.Context, targets []triggers.Target, realm, deviceID string, timestampMillis int64) error {
	return h.publish(ctx, targets, realm, deviceID, EventTypeDeviceDisconnected,
		DeviceDisconnectedEvent{}, timestampMillis, false)
}

// DeviceEmptyCacheReceived publishes a device_empty_cache_received_event to
// every target.
func (h *TriggersHandler) DeviceEmptyCacheReceived(ctx context.Context, targets []triggers.Target, realm, deviceID string, timestampMillis int64) error {
	return h.publish(ctx, targets, realm, deviceID, EventTypeDeviceEmptyCacheReceived,
		DeviceEmptyCacheReceivedEvent{}, timestampMillis, false)
}

// IncomingData publishes an incoming_data_event to every target.
func (h *TriggersHandler) IncomingData(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, bsonValue []byte, timestampMillis int64) error {
	return h.publish(ctx, targets, realm, deviceID, EventTypeIncomingData,
		IncomingDataEvent{Interface: interfaceName, Path: path, BSONValue: bsonValue}, timestampMillis, true)
}

// IncomingIntrospection publishes an incoming_introspection_event to every
// target.
func (h *TriggersHandler) IncomingIntrospection(ctx context.Context, targets []triggers.Target, realm, deviceID, introspection string, timestampMillis int64) error {
	return h.publish(ctx, targets, realm, deviceID, EventTypeIncomingIntrospection,
		IncomingIntrospectionEvent{Introspection: introspection}, timestampMillis, false)
}

// InterfaceAdded publishes an interface_added_event to every target.
func (h *TriggersHandler) InterfaceAdded(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName string, major, minor int, timestampMillis int64) error {
	return h.publish(ctx, targets, realm, deviceID, EventTypeInterfaceAdded,
		InterfaceAddedEvent{Interface: interfaceName, MajorVersion: major, MinorVersion: minor}, timestampMillis, false)
}

// InterfaceRemoved publishes an interface_removed_event to every target.
func (h *TriggersHandler) InterfaceRemoved(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName string, major int, timestampMillis int64) error {
	return h.publish(ctx, targets, realm, deviceID, EventTypeInterfaceRemoved,
		InterfaceRemovedEvent{Interface: interfaceName, MajorVersion: major}, timestampMillis, false)
}

// ValueChange publishes a value_change_event to every target.
func (h *TriggersHandler) ValueChange(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, oldBSONValue, newBSONValue []byte, timestampMillis int64) error {
	return h.publish(ctx, targets, realm, deviceID, EventTypeValueChange,
		ValueChangeEvent{Interface: interfaceName, Path: path, OldBSONValue: oldBSONValue, NewBSONValue: newBSONValue}, timestampMillis, true)
}

// ValueChangeApplied publishes a value_change_applied_event to every target.
func (h *TriggersHandler) ValueChangeApplied(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, oldBSONValue, newBSONValue []byte, timestampMillis int64) error {
	return h.publish(ctx, targets, realm, deviceID, EventTypeValueChangeApplied,
		ValueChangeAppliedEvent{Interface: interfaceName, Path: path, OldBSONValue: oldBSONValue, NewBSONValue: newBSONValue}, timestampMillis, true)
}

// PathCreated publishes a path_created_event to every target.
func (h *TriggersHandler) PathCreated(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, bsonValue []byte, timestampMillis int64) error {
	return h.publish(ctx, targets, realm, deviceID, EventTypePathCreated,
		PathCreatedEvent{Interface: interfaceName, Path: path, BSONValue: bsonValue}, timestampMillis, true)
}

// PathRemoved publishes a path_removed_event to every target.
func (h *TriggersHandler) PathRemoved(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, timestampMillis int64) error {
	return h.publish(ctx, targets, realm, deviceID, EventTypePathRemoved,
		PathRemovedEvent{Interface: interfaceName, Path: path}, timestampMillis, true)
}

func (h *TriggersHandler) publish(ctx context.Context, targets []triggers.Target, realm, deviceID, eventType string, event any, timestampMillis int64, dataPath bool) error {
	for _, target := range targets {
		envelope := SimpleEvent{
			SimpleTriggerID: target.SimpleTriggerID.String(),
			ParentTriggerID: target.ParentTriggerID.String(),
			Realm:           realm,
			DeviceID:        deviceID,
			Timestamp:       timestampMillis,
			Type:            eventType,
			Event:           event,
		}
		body, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", eventType, err)
		}

		headers := amqp.Table{}
		for key, value := range target.StaticHeaders {
			headers[key] = value
		}
		headers[HeaderRealm] = realm
		headers[HeaderDeviceID] = deviceID
		headers[HeaderEventType] = eventType
		if dataPath {
			headers[HeaderSimpleTriggerID] = target.SimpleTriggerID.String()
			headers[HeaderParentTriggerID] = target.ParentTriggerID.String()
		}

		if err := h.publisher.Publish(ctx, target.RoutingKey, headers, body); err != nil {
			return fmt.Errorf("failed to publish %s to %s: %w", eventType, target.RoutingKey, err)
		}
	}
	return nil
}

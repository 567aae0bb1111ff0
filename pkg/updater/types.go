// Package updater hosts the per-device actors of the plant. Each actor
// serializes every message of one {realm, device} pair: it validates
// payloads against the realm interface schemas, persists values, evaluates
// triggers and keeps the device-side property cache coherent. A registry
// creates actors on first delivery and recreates them after a crash.
package updater

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/deviceid"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/queries"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/triggers"

	"github.com/gocql/gocql"
)

// Actor cache policies. Interface descriptors and device-level triggers are
// refreshed against their lifespans using message timestamps, so an idle
// device holds no timers.
const (
	// InterfaceLifespan bounds how long a loaded interface schema is
	// trusted without a reload.
	InterfaceLifespan = 10 * time.Minute

	// DeviceTriggersLifespan bounds how long device-level and any-device
	// triggers are trusted without a reload.
	DeviceTriggersLifespan = 10 * time.Minute

	// PathsCacheCap bounds the per-device LRU of known datastream paths.
	PathsCacheCap = 32

	// inboxCapacity bounds the actor mailbox; a full mailbox blocks the
	// consumer, which is throttled by its prefetch window anyway.
	inboxCapacity = 128
)

// interfaceLifespanTicks is InterfaceLifespan in decimicrosecond ticks.
const interfaceLifespanTicks = int64(InterfaceLifespan) / 100

// deviceTriggersLifespanTicks is DeviceTriggersLifespan in ticks.
const deviceTriggersLifespanTicks = int64(DeviceTriggersLifespan) / 100

var (
	// ErrActorClosed indicates a request posted to an actor that stopped
	// before replying; volatile trigger callers should retry.
	ErrActorClosed = errors.New("device actor closed")

	// ErrTriggerNotFound indicates a volatile trigger delete for an
	// unknown trigger id.
	ErrTriggerNotFound = errors.New("volatile trigger not found")
)

// Repository is the realm database surface the actor drives. Implemented by
// *queries.RealmQueries.
type Repository interface {
	FetchDeviceState(ctx context.Context, deviceID deviceid.DeviceID) (*queries.DeviceState, error)
	FetchDatastreamMaximumStorageRetention(ctx context.Context) (*int, error)

	SetDeviceConnected(ctx context.Context, deviceID deviceid.DeviceID, timestampMillis int64, ip net.IP) error
	SetDeviceDisconnected(ctx context.Context, deviceID deviceid.DeviceID, timestampMillis, totalReceivedMsgs, totalReceivedBytes int64) error
	SetPendingEmptyCache(ctx context.Context, deviceID deviceid.DeviceID, pending bool) error

	UpdateDeviceIntrospection(ctx context.Context, deviceID deviceid.DeviceID, majors, minors map[string]int) error
	AddOldInterfaces(ctx context.Context, deviceID deviceid.DeviceID, removed map[string]int) error
	RemoveOldInterfaces(ctx context.Context, deviceID deviceid.DeviceID, keys []string) error
	RegisterDeviceWithInterface(ctx context.Context, deviceID deviceid.DeviceID, interfaceName string, major int) error
	UnregisterDeviceWithInterface(ctx context.Context, deviceID deviceid.DeviceID, interfaceName string, major int) error

	LoadInterface(ctx context.Context, name string, major int) (*interfaces.Descriptor, []interfaces.Mapping, error)
	FetchSimpleTriggers(ctx context.Context, objectID uuid.UUID, objectType int) ([]queries.SimpleTriggerRow, error)

	InsertPropertyValue(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, receptionDecimicro int64, valueType interfaces.ValueType, value any, consistency gocql.Consistency) error
	DeletePropertyValue(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, consistency gocql.Consistency) error
	FetchPropertyValue(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, valueType interfaces.ValueType) (any, error)
	FetchPropertyPaths(ctx context.Context, deviceID deviceid.DeviceID, interfaceID uuid.UUID) ([]queries.PropertyPath, error)
	FetchEndpointValues(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, valueType interfaces.ValueType) ([]queries.PathValue, error)

	InsertIndividualDatastream(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, valueTimestampMillis, receptionDecimicro int64, valueType interfaces.ValueType, value any, ttl *int, consistency gocql.Consistency) error
	InsertObjectDatastream(ctx context.Context, table string, deviceID deviceid.DeviceID, path string, valueTimestampMillis, receptionDecimicro int64, explicitTimestamp bool, columns []queries.ObjectColumn, ttl *int, consistency gocql.Consistency) error
	FetchPathExpiry(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string) (registered bool, ttlRemaining *int, err error)
	InsertPathRow(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, valueTimestampMillis, receptionDecimicro int64, ttl *int, consistency gocql.Consistency) error
}

// EventsEmitter publishes trigger events towards the events exchange.
// Implemented by *events.TriggersHandler.
type EventsEmitter interface {
	DeviceConnected(ctx context.Context, targets []triggers.Target, realm, deviceID, ipAddress string, timestampMillis int64) error
	DeviceDisconnected(ctx context.Context, targets []triggers.Target, realm, deviceID string, timestampMillis int64) error
	DeviceEmptyCacheReceived(ctx context.Context, targets []triggers.Target, realm, deviceID string, timestampMillis int64) error
	IncomingData(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, bsonValue []byte, timestampMillis int64) error
	IncomingIntrospection(ctx context.Context, targets []triggers.Target, realm, deviceID, introspection string, timestampMillis int64) error
	InterfaceAdded(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName string, major, minor int, timestampMillis int64) error
	InterfaceRemoved(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName string, major int, timestampMillis int64) error
	ValueChange(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, oldBSONValue, newBSONValue []byte, timestampMillis int64) error
	ValueChangeApplied(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, oldBSONValue, newBSONValue []byte, timestampMillis int64) error
	PathCreated(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, bsonValue []byte, timestampMillis int64) error
	PathRemoved(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, timestampMillis int64) error
}

// BrokerClient drives the MQTT broker plugin: server-initiated publishes
// and forced disconnections. Implemented by *vmq.Client.
type BrokerClient interface {
	Publish(ctx context.Context, topic string, payload []byte, qos int) error
	Disconnect(ctx context.Context, clientID string, discardState bool) error
}

type messageKind int

const (
	kindConnection messageKind = iota + 1
	kindDisconnection
	kindData
	kindIntrospection
	kindControl
	kindInstallVolatileTrigger
	kindDeleteVolatileTrigger
)

// message is one work item in an actor mailbox. Broker messages carry a
// payload and the per-type routing fields; volatile trigger operations are
// injected by the plant itself and carry a reply channel.
type message struct {
	kind      messageKind
	messageID string
	timestamp int64 // decimicroseconds

	ip            string
	interfaceName string
	path          string
	payload       []byte

	install         *InstallVolatileTriggerRequest
	deleteTriggerID uuid.UUID
	reply           chan error
}

func (m *message) replyOnce(err error) {
	if m.reply == nil {
		return
	}
	select {
	case m.reply <- err:
	default:
	}
}

// injected reports whether the message was generated by the plant rather
// than delivered by the broker.
func (m *message) injected() bool {
	return m.kind == kindInstallVolatileTrigger || m.kind == kindDeleteVolatileTrigger
}

// InstallVolatileTriggerRequest installs a runtime trigger on one device.
// TriggerData and TriggerTarget carry the same serialized forms the
// simple_triggers table stores.
type InstallVolatileTriggerRequest struct {
	ObjectID        uuid.UUID
	ObjectType      triggers.ObjectType
	ParentTriggerID uuid.UUID
	SimpleTriggerID uuid.UUID
	TriggerData     []byte
	TriggerTarget   []byte
}

// volatileTrigger is one installed runtime trigger, kept in its serialized
// form so it can be re-applied after trigger table reloads.
type volatileTrigger struct {
	objectID        uuid.UUID
	objectType      triggers.ObjectType
	parentTriggerID uuid.UUID
	simpleTriggerID uuid.UUID
	triggerData     []byte
	triggerTarget   []byte
}

// pathKey addresses one datastream path in the paths cache.
type pathKey struct {
	interfaceName string
	path          string
}

// interfaceExpiry is one entry of the interface cache expiry sequence;
// entries are appended in nondecreasing expiry order.
type interfaceExpiry struct {
	expireAt      int64 // decimicroseconds
	interfaceName string
}

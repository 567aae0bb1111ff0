package updater

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/deviceid"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/queries"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/tracker"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/triggers"
)

type propertyInsert struct {
	path       string
	value      any
	reception  int64
	consistent gocql.Consistency
}

type propertyDelete struct {
	path       string
	consistent gocql.Consistency
}

type datastreamInsert struct {
	path        string
	value       any
	valueMillis int64
	reception   int64
	ttl         *int
	consistent  gocql.Consistency
}

type objectInsert struct {
	table       string
	path        string
	columns     []queries.ObjectColumn
	valueMillis int64
	explicitTS  bool
	ttl         *int
	consistent  gocql.Consistency
}

type pathInsert struct {
	path        string
	valueMillis int64
	reception   int64
	ttl         *int
	consistent  gocql.Consistency
}

type introspectionSave struct {
	majors map[string]int
	minors map[string]int
}

type pathExpiry struct {
	registered   bool
	ttlRemaining *int
}

// fakeRepo is an in-memory Repository: scripted reads, recorded writes.
type fakeRepo struct {
	mu sync.Mutex

	state     queries.DeviceState
	retention *int

	descriptors map[string]*interfaces.Descriptor
	mappings    map[string][]interfaces.Mapping

	simpleTriggers map[uuid.UUID][]queries.SimpleTriggerRow

	properties     map[string]any
	propertyPaths  map[uuid.UUID][]queries.PropertyPath
	endpointValues map[uuid.UUID][]queries.PathValue
	pathRows       map[string]pathExpiry

	failDeviceState error
	failTriggers    error

	connectedAt       []int64
	connectedIPs      []net.IP
	disconnectedAt    []int64
	disconnectedStats [][2]int64
	pendingEmpty      []bool

	introspectionSaves []introspectionSave
	oldAdded           []map[string]int
	oldRemoved         [][]string
	registered         []string
	unregistered       []string

	propertyInserts   []propertyInsert
	propertyDeletes   []propertyDelete
	datastreamInserts []datastreamInsert
	objectInserts     []objectInsert
	pathInserts       []pathInsert
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		state: queries.DeviceState{
			Introspection:      make(map[string]int),
			IntrospectionMinor: make(map[string]int),
		},
		descriptors:    make(map[string]*interfaces.Descriptor),
		mappings:       make(map[string][]interfaces.Mapping),
		simpleTriggers: make(map[uuid.UUID][]queries.SimpleTriggerRow),
		properties:     make(map[string]any),
		propertyPaths:  make(map[uuid.UUID][]queries.PropertyPath),
		endpointValues: make(map[uuid.UUID][]queries.PathValue),
		pathRows:       make(map[string]pathExpiry),
	}
}

func (f *fakeRepo) addInterface(descriptor *interfaces.Descriptor, mappings []interfaces.Mapping) {
	f.descriptors[descriptor.Name] = descriptor
	f.mappings[descriptor.Name] = mappings
}

func (f *fakeRepo) declare(name string, major, minor int) {
	f.state.Introspection[name] = major
	f.state.IntrospectionMinor[name] = minor
}

func (f *fakeRepo) connectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connectedAt)
}

func (f *fakeRepo) disconnectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnectedAt)
}

func (f *fakeRepo) FetchDeviceState(ctx context.Context, deviceID deviceid.DeviceID) (*queries.DeviceState, error) {
	if f.failDeviceState != nil {
		return nil, f.failDeviceState
	}
	state := f.state
	return &state, nil
}

func (f *fakeRepo) FetchDatastreamMaximumStorageRetention(ctx context.Context) (*int, error) {
	return f.retention, nil
}

func (f *fakeRepo) SetDeviceConnected(ctx context.Context, deviceID deviceid.DeviceID, timestampMillis int64, ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectedAt = append(f.connectedAt, timestampMillis)
	f.connectedIPs = append(f.connectedIPs, ip)
	return nil
}

func (f *fakeRepo) SetDeviceDisconnected(ctx context.Context, deviceID deviceid.DeviceID, timestampMillis, totalReceivedMsgs, totalReceivedBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectedAt = append(f.disconnectedAt, timestampMillis)
	f.disconnectedStats = append(f.disconnectedStats, [2]int64{totalReceivedMsgs, totalReceivedBytes})
	return nil
}

func (f *fakeRepo) SetPendingEmptyCache(ctx context.Context, deviceID deviceid.DeviceID, pending bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingEmpty = append(f.pendingEmpty, pending)
	return nil
}

func (f *fakeRepo) UpdateDeviceIntrospection(ctx context.Context, deviceID deviceid.DeviceID, majors, minors map[string]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.introspectionSaves = append(f.introspectionSaves, introspectionSave{majors: majors, minors: minors})
	return nil
}

func (f *fakeRepo) AddOldInterfaces(ctx context.Context, deviceID deviceid.DeviceID, removed map[string]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oldAdded = append(f.oldAdded, removed)
	return nil
}

func (f *fakeRepo) RemoveOldInterfaces(ctx context.Context, deviceID deviceid.DeviceID, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oldRemoved = append(f.oldRemoved, keys)
	return nil
}

func (f *fakeRepo) RegisterDeviceWithInterface(ctx context.Context, deviceID deviceid.DeviceID, interfaceName string, major int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, fmt.Sprintf("%s v%d", interfaceName, major))
	return nil
}

func (f *fakeRepo) UnregisterDeviceWithInterface(ctx context.Context, deviceID deviceid.DeviceID, interfaceName string, major int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, fmt.Sprintf("%s v%d", interfaceName, major))
	return nil
}

func (f *fakeRepo) LoadInterface(ctx context.Context, name string, major int) (*interfaces.Descriptor, []interfaces.Mapping, error) {
	descriptor, ok := f.descriptors[name]
	if !ok || descriptor.MajorVersion != major {
		return nil, nil, fmt.Errorf("%w: %s v%d", queries.ErrInterfaceNotFound, name, major)
	}
	return descriptor, f.mappings[name], nil
}

func (f *fakeRepo) FetchSimpleTriggers(ctx context.Context, objectID uuid.UUID, objectType int) ([]queries.SimpleTriggerRow, error) {
	if f.failTriggers != nil {
		return nil, f.failTriggers
	}
	return f.simpleTriggers[objectID], nil
}

func (f *fakeRepo) InsertPropertyValue(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, receptionDecimicro int64, valueType interfaces.ValueType, value any, consistency gocql.Consistency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.propertyInserts = append(f.propertyInserts, propertyInsert{
		path: path, value: value, reception: receptionDecimicro, consistent: consistency,
	})
	f.properties[path] = value
	return nil
}

func (f *fakeRepo) DeletePropertyValue(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, consistency gocql.Consistency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.propertyDeletes = append(f.propertyDeletes, propertyDelete{path: path, consistent: consistency})
	delete(f.properties, path)
	return nil
}

func (f *fakeRepo) FetchPropertyValue(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, valueType interfaces.ValueType) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.properties[path], nil
}

func (f *fakeRepo) FetchPropertyPaths(ctx context.Context, deviceID deviceid.DeviceID, interfaceID uuid.UUID) ([]queries.PropertyPath, error) {
	return f.propertyPaths[interfaceID], nil
}

func (f *fakeRepo) FetchEndpointValues(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, valueType interfaces.ValueType) ([]queries.PathValue, error) {
	return f.endpointValues[endpointID], nil
}

func (f *fakeRepo) InsertIndividualDatastream(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, valueTimestampMillis, receptionDecimicro int64, valueType interfaces.ValueType, value any, ttl *int, consistency gocql.Consistency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datastreamInserts = append(f.datastreamInserts, datastreamInsert{
		path: path, value: value, valueMillis: valueTimestampMillis,
		reception: receptionDecimicro, ttl: ttl, consistent: consistency,
	})
	return nil
}

func (f *fakeRepo) InsertObjectDatastream(ctx context.Context, table string, deviceID deviceid.DeviceID, path string, valueTimestampMillis, receptionDecimicro int64, explicitTimestamp bool, columns []queries.ObjectColumn, ttl *int, consistency gocql.Consistency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objectInserts = append(f.objectInserts, objectInsert{
		table: table, path: path, columns: columns, valueMillis: valueTimestampMillis,
		explicitTS: explicitTimestamp, ttl: ttl, consistent: consistency,
	})
	return nil
}

func (f *fakeRepo) FetchPathExpiry(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string) (bool, *int, error) {
	row, ok := f.pathRows[path]
	if !ok {
		return false, nil, nil
	}
	return row.registered, row.ttlRemaining, nil
}

func (f *fakeRepo) InsertPathRow(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, valueTimestampMillis, receptionDecimicro int64, ttl *int, consistency gocql.Consistency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pathInserts = append(f.pathInserts, pathInsert{
		path: path, valueMillis: valueTimestampMillis, reception: receptionDecimicro,
		ttl: ttl, consistent: consistency,
	})
	f.pathRows[path] = pathExpiry{registered: true, ttlRemaining: ttl}
	return nil
}

type emittedEvent struct {
	kind          string
	iface         string
	path          string
	payload       []byte
	oldValue      []byte
	ip            string
	introspection string
	major         int
	minor         int
	millis        int64
	targets       []triggers.Target
}

// fakeEmitter records every published event in order.
type fakeEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
	fail   error
}

func (f *fakeEmitter) record(e emittedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEmitter) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, len(f.events))
	for i, e := range f.events {
		kinds[i] = e.kind
	}
	return kinds
}

func (f *fakeEmitter) DeviceConnected(ctx context.Context, targets []triggers.Target, realm, deviceID, ipAddress string, timestampMillis int64) error {
	return f.record(emittedEvent{kind: "device_connected", ip: ipAddress, millis: timestampMillis, targets: targets})
}

func (f *fakeEmitter) DeviceDisconnected(ctx context.Context, targets []triggers.Target, realm, deviceID string, timestampMillis int64) error {
	return f.record(emittedEvent{kind: "device_disconnected", millis: timestampMillis, targets: targets})
}

func (f *fakeEmitter) DeviceEmptyCacheReceived(ctx context.Context, targets []triggers.Target, realm, deviceID string, timestampMillis int64) error {
	return f.record(emittedEvent{kind: "device_empty_cache_received", millis: timestampMillis, targets: targets})
}

func (f *fakeEmitter) IncomingData(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, bsonValue []byte, timestampMillis int64) error {
	return f.record(emittedEvent{kind: "incoming_data", iface: interfaceName, path: path, payload: bsonValue, millis: timestampMillis, targets: targets})
}

func (f *fakeEmitter) IncomingIntrospection(ctx context.Context, targets []triggers.Target, realm, deviceID, introspection string, timestampMillis int64) error {
	return f.record(emittedEvent{kind: "incoming_introspection", introspection: introspection, millis: timestampMillis, targets: targets})
}

func (f *fakeEmitter) InterfaceAdded(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName string, major, minor int, timestampMillis int64) error {
	return f.record(emittedEvent{kind: "interface_added", iface: interfaceName, major: major, minor: minor, millis: timestampMillis, targets: targets})
}

func (f *fakeEmitter) InterfaceRemoved(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName string, major int, timestampMillis int64) error {
	return f.record(emittedEvent{kind: "interface_removed", iface: interfaceName, major: major, millis: timestampMillis, targets: targets})
}

func (f *fakeEmitter) ValueChange(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, oldBSONValue, newBSONValue []byte, timestampMillis int64) error {
	return f.record(emittedEvent{kind: "value_change", iface: interfaceName, path: path, oldValue: oldBSONValue, payload: newBSONValue, millis: timestampMillis, targets: targets})
}

func (f *fakeEmitter) ValueChangeApplied(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, oldBSONValue, newBSONValue []byte, timestampMillis int64) error {
	return f.record(emittedEvent{kind: "value_change_applied", iface: interfaceName, path: path, oldValue: oldBSONValue, payload: newBSONValue, millis: timestampMillis, targets: targets})
}

func (f *fakeEmitter) PathCreated(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, bsonValue []byte, timestampMillis int64) error {
	return f.record(emittedEvent{kind: "path_created", iface: interfaceName, path: path, payload: bsonValue, millis: timestampMillis, targets: targets})
}

func (f *fakeEmitter) PathRemoved(ctx context.Context, targets []triggers.Target, realm, deviceID, interfaceName, path string, timestampMillis int64) error {
	return f.record(emittedEvent{kind: "path_removed", iface: interfaceName, path: path, millis: timestampMillis, targets: targets})
}

type brokerPublish struct {
	topic   string
	payload []byte
	qos     int
}

type brokerDisconnect struct {
	clientID string
	discard  bool
}

// fakeBroker records publishes and forced disconnections.
type fakeBroker struct {
	mu          sync.Mutex
	publishes   []brokerPublish
	disconnects []brokerDisconnect
}

func (f *fakeBroker) Publish(ctx context.Context, topic string, payload []byte, qos int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, brokerPublish{topic: topic, payload: payload, qos: qos})
	return nil
}

func (f *fakeBroker) Disconnect(ctx context.Context, clientID string, discardState bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, brokerDisconnect{clientID: clientID, discard: discardState})
	return nil
}

type settleCall struct {
	op  string
	tag uint64
}

// fakeAcknowledger records broker settle calls.
type fakeAcknowledger struct {
	mu    sync.Mutex
	calls []settleCall
}

func (f *fakeAcknowledger) Ack(tag uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, settleCall{op: "ack", tag: tag})
	return nil
}

func (f *fakeAcknowledger) Discard(tag uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, settleCall{op: "discard", tag: tag})
	return nil
}

func (f *fakeAcknowledger) Requeue(tag uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, settleCall{op: "requeue", tag: tag})
	return nil
}

func (f *fakeAcknowledger) recorded() []settleCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]settleCall(nil), f.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeviceID(t *testing.T) deviceid.DeviceID {
	t.Helper()
	id, err := deviceid.FromBytes(bytes.Repeat([]byte{0x42}, 16))
	require.NoError(t, err)
	return id
}

// actorFixture drives an initialized actor synchronously, bypassing the
// mailbox goroutine so tests stay deterministic.
type actorFixture struct {
	t       *testing.T
	updater *DataUpdater
	repo    *fakeRepo
	emitter *fakeEmitter
	broker  *fakeBroker
	ack     *fakeAcknowledger
	tracker *tracker.MessageTracker
	nextTag uint64
}

func newActorFixture(t *testing.T, repo *fakeRepo) *actorFixture {
	t.Helper()
	logger := testLogger()
	ack := &fakeAcknowledger{}
	trk := tracker.NewMessageTracker(ack, logger)
	emitter := &fakeEmitter{}
	broker := &fakeBroker{}
	u := NewDataUpdater(logger, "test", testDeviceID(t), repo, trk, emitter, broker, nil)
	require.NoError(t, u.init(context.Background()))
	return &actorFixture{
		t:       t,
		updater: u,
		repo:    repo,
		emitter: emitter,
		broker:  broker,
		ack:     ack,
		tracker: trk,
	}
}

// process tracks a broker delivery and runs it through dispatch.
func (fx *actorFixture) process(msg *message) error {
	fx.t.Helper()
	fx.nextTag++
	fx.tracker.TrackDelivery(msg.messageID, tracker.BrokerTag(fx.nextTag))
	return fx.updater.dispatch(context.Background(), msg)
}

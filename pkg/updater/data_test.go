package updater

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/payloads"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/queries"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/triggers"
)

// testTimestamp is one second after the epoch, in decimicroseconds. Small
// enough that no cache lifespan elapses during a test.
const testTimestamp = int64(10_000_000)

func mustMarshalBSON(t *testing.T, doc bson.M) []byte {
	t.Helper()
	payload, err := bson.Marshal(doc)
	require.NoError(t, err)
	return payload
}

func mustEncodeBSONValue(t *testing.T, value any) []byte {
	t.Helper()
	payload, err := payloads.EncodeBSONValue(value)
	require.NoError(t, err)
	return payload
}

// dataTriggerRow builds a stored simple trigger row for a data event.
func dataTriggerRow(t *testing.T, event triggers.DataEvent, interfaceName string, major int, matchPath string) queries.SimpleTriggerRow {
	t.Helper()
	container, err := json.Marshal(triggers.Container{DataTrigger: &triggers.DataTriggerConfig{
		Type:               event,
		InterfaceName:      interfaceName,
		InterfaceMajor:     major,
		MatchPath:          matchPath,
		ValueMatchOperator: "*",
	}})
	require.NoError(t, err)
	target, err := json.Marshal(triggers.Target{RoutingKey: "events_test_0"})
	require.NoError(t, err)
	return queries.SimpleTriggerRow{
		ParentTriggerID: uuid.New(),
		SimpleTriggerID: uuid.New(),
		TriggerData:     container,
		TriggerTarget:   target,
	}
}

// deviceTriggerRow builds a stored simple trigger row for a lifecycle or
// introspection event.
func deviceTriggerRow(t *testing.T, eventType string) queries.SimpleTriggerRow {
	t.Helper()
	container, err := json.Marshal(triggers.Container{DeviceTrigger: &triggers.DeviceTriggerConfig{Type: eventType}})
	require.NoError(t, err)
	target, err := json.Marshal(triggers.Target{RoutingKey: "events_test_0"})
	require.NoError(t, err)
	return queries.SimpleTriggerRow{
		ParentTriggerID: uuid.New(),
		SimpleTriggerID: uuid.New(),
		TriggerData:     container,
		TriggerTarget:   target,
	}
}

func datastreamFixture(reliability interfaces.Reliability, retention interfaces.Retention) (*interfaces.Descriptor, []interfaces.Mapping) {
	name := "com.example.SensorValues"
	endpoint := "/%{sensorId}/value"
	mapping := interfaces.Mapping{
		EndpointID:        interfaces.EndpointID(name, 1, endpoint),
		InterfaceID:       interfaces.InterfaceID(name, 1),
		Endpoint:          endpoint,
		ValueType:         interfaces.ValueTypeDouble,
		Reliability:       reliability,
		Retention:         retention,
		ExplicitTimestamp: true,
	}
	descriptor := &interfaces.Descriptor{
		InterfaceID:  interfaces.InterfaceID(name, 1),
		Name:         name,
		MajorVersion: 1,
		MinorVersion: 2,
		Type:         interfaces.TypeDatastream,
		Ownership:    interfaces.OwnershipDevice,
		Aggregation:  interfaces.AggregationIndividual,
		Storage:      "individual_datastreams",
		StorageType:  interfaces.StorageMultiInterfaceIndividualDatastream,
		Automaton:    interfaces.BuildAutomaton([]interfaces.Mapping{mapping}),
	}
	return descriptor, []interfaces.Mapping{mapping}
}

func propertiesFixture(allowUnset bool) (*interfaces.Descriptor, []interfaces.Mapping) {
	name := "com.example.DeviceSettings"
	endpoint := "/enabled"
	mapping := interfaces.Mapping{
		EndpointID:  interfaces.EndpointID(name, 1, endpoint),
		InterfaceID: interfaces.InterfaceID(name, 1),
		Endpoint:    endpoint,
		ValueType:   interfaces.ValueTypeBoolean,
		Reliability: interfaces.ReliabilityUnique,
		Retention:   interfaces.RetentionDiscard,
		AllowUnset:  allowUnset,
	}
	descriptor := &interfaces.Descriptor{
		InterfaceID:  interfaces.InterfaceID(name, 1),
		Name:         name,
		MajorVersion: 1,
		Type:         interfaces.TypeProperties,
		Ownership:    interfaces.OwnershipDevice,
		Aggregation:  interfaces.AggregationIndividual,
		Storage:      "individual_properties",
		StorageType:  interfaces.StorageMultiInterfaceIndividualProperties,
		Automaton:    interfaces.BuildAutomaton([]interfaces.Mapping{mapping}),
	}
	return descriptor, []interfaces.Mapping{mapping}
}

func objectFixture() (*interfaces.Descriptor, []interfaces.Mapping) {
	name := "com.example.Position"
	mappings := []interfaces.Mapping{
		{
			EndpointID:        interfaces.EndpointID(name, 1, "/%{groupId}/latitude"),
			InterfaceID:       interfaces.InterfaceID(name, 1),
			Endpoint:          "/%{groupId}/latitude",
			ValueType:         interfaces.ValueTypeDouble,
			Reliability:       interfaces.ReliabilityGuaranteed,
			Retention:         interfaces.RetentionStored,
			ExplicitTimestamp: true,
		},
		{
			EndpointID:        interfaces.EndpointID(name, 1, "/%{groupId}/altitude"),
			InterfaceID:       interfaces.InterfaceID(name, 1),
			Endpoint:          "/%{groupId}/altitude",
			ValueType:         interfaces.ValueTypeInteger,
			Reliability:       interfaces.ReliabilityGuaranteed,
			Retention:         interfaces.RetentionStored,
			ExplicitTimestamp: true,
		},
	}
	descriptor := &interfaces.Descriptor{
		InterfaceID:  interfaces.InterfaceID(name, 1),
		Name:         name,
		MajorVersion: 1,
		Type:         interfaces.TypeDatastream,
		Ownership:    interfaces.OwnershipDevice,
		Aggregation:  interfaces.AggregationObject,
		Storage:      interfaces.TableName(name, 1),
		StorageType:  interfaces.StorageOneObjectDatastream,
		Automaton:    interfaces.BuildAutomaton(mappings),
	}
	return descriptor, mappings
}

func dataMessage(id, interfaceName, path string, payload []byte) *message {
	return &message{
		kind:          kindData,
		messageID:     id,
		timestamp:     testTimestamp,
		interfaceName: interfaceName,
		path:          path,
		payload:       payload,
	}
}

func TestHandleDataIndividualDatastream(t *testing.T) {
	repo := newFakeRepo()
	descriptor, mappings := datastreamFixture(interfaces.ReliabilityGuaranteed, interfaces.RetentionStored)
	repo.addInterface(descriptor, mappings)
	repo.declare(descriptor.Name, 1, 2)
	repo.simpleTriggers[descriptor.InterfaceID] = []queries.SimpleTriggerRow{
		dataTriggerRow(t, triggers.OnIncomingData, descriptor.Name, 1, "/*"),
		dataTriggerRow(t, triggers.OnPathCreated, descriptor.Name, 1, "/*"),
	}
	fx := newActorFixture(t, repo)

	payload := mustMarshalBSON(t, bson.M{"v": 0.5, "t": time.UnixMilli(1500).UTC()})
	msg := dataMessage("m1", descriptor.Name, "/living/value", payload)
	require.NoError(t, fx.process(msg))

	require.Len(t, repo.datastreamInserts, 1)
	ins := repo.datastreamInserts[0]
	assert.Equal(t, "/living/value", ins.path)
	assert.Equal(t, 0.5, ins.value)
	assert.Equal(t, int64(1500), ins.valueMillis, "explicit timestamp wins over reception")
	assert.Equal(t, testTimestamp, ins.reception)
	assert.Nil(t, ins.ttl)
	assert.Equal(t, gocql.LocalQuorum, ins.consistent)

	require.Len(t, repo.pathInserts, 1)
	assert.Equal(t, "/living/value", repo.pathInserts[0].path)
	assert.Nil(t, repo.pathInserts[0].ttl)
	assert.Equal(t, gocql.LocalQuorum, repo.pathInserts[0].consistent)

	assert.Equal(t, []string{"incoming_data", "path_created"}, fx.emitter.kinds())
	incoming := fx.emitter.events[0]
	assert.Equal(t, payload, incoming.payload, "events carry the raw device payload")
	assert.Equal(t, int64(1500), incoming.millis)

	require.Len(t, fx.ack.recorded(), 1)
	assert.Equal(t, settleCall{op: "ack", tag: 1}, fx.ack.recorded()[0])

	assert.Equal(t, int64(1), fx.updater.totalReceivedMsgs)
	expectedBytes := int64(len(payload) + len(descriptor.Name) + len("/living/value"))
	assert.Equal(t, expectedBytes, fx.updater.totalReceivedBytes)
}

func TestHandleDataDatastreamTTL(t *testing.T) {
	tests := []struct {
		name        string
		mappingTTL  int
		retention   *int
		expectedTTL *int
	}{
		{name: "mapping ttl only", mappingTTL: 600, retention: nil, expectedTTL: intPtr(600)},
		{name: "realm retention shorter", mappingTTL: 600, retention: intPtr(120), expectedTTL: intPtr(120)},
		{name: "mapping ttl shorter", mappingTTL: 60, retention: intPtr(900), expectedTTL: intPtr(60)},
		{name: "realm retention only", mappingTTL: 0, retention: intPtr(300), expectedTTL: intPtr(300)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			descriptor, mappings := datastreamFixture(interfaces.ReliabilityGuaranteed, interfaces.RetentionStored)
			if tt.mappingTTL > 0 {
				mappings[0].DatabaseRetentionPolicy = interfaces.DatabaseRetentionUseTTL
				mappings[0].DatabaseRetentionTTL = tt.mappingTTL
			}
			repo.addInterface(descriptor, mappings)
			repo.declare(descriptor.Name, 1, 2)
			repo.retention = tt.retention
			fx := newActorFixture(t, repo)

			payload := mustMarshalBSON(t, bson.M{"v": 1.0})
			require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a/value", payload)))

			require.Len(t, repo.datastreamInserts, 1)
			assert.Equal(t, tt.expectedTTL, repo.datastreamInserts[0].ttl)
		})
	}
}

func TestHandleDataConsistency(t *testing.T) {
	repo := newFakeRepo()
	descriptor, mappings := datastreamFixture(interfaces.ReliabilityUnreliable, interfaces.RetentionDiscard)
	repo.addInterface(descriptor, mappings)
	repo.declare(descriptor.Name, 1, 2)
	fx := newActorFixture(t, repo)

	payload := mustMarshalBSON(t, bson.M{"v": 2.5})
	require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a/value", payload)))

	require.Len(t, repo.datastreamInserts, 1)
	assert.Equal(t, gocql.Any, repo.datastreamInserts[0].consistent)
	require.Len(t, repo.pathInserts, 1)
	assert.Equal(t, gocql.One, repo.pathInserts[0].consistent, "unreliable path rows settle for one replica")
}

func TestHandleDataPropertyLifecycle(t *testing.T) {
	repo := newFakeRepo()
	descriptor, mappings := propertiesFixture(true)
	repo.addInterface(descriptor, mappings)
	repo.declare(descriptor.Name, 1, 0)
	repo.simpleTriggers[descriptor.InterfaceID] = []queries.SimpleTriggerRow{
		dataTriggerRow(t, triggers.OnIncomingData, descriptor.Name, 1, "/*"),
		dataTriggerRow(t, triggers.OnValueChange, descriptor.Name, 1, "/*"),
		dataTriggerRow(t, triggers.OnValueChangeApplied, descriptor.Name, 1, "/*"),
		dataTriggerRow(t, triggers.OnPathCreated, descriptor.Name, 1, "/*"),
		dataTriggerRow(t, triggers.OnPathRemoved, descriptor.Name, 1, "/*"),
	}
	fx := newActorFixture(t, repo)

	setPayload := mustMarshalBSON(t, bson.M{"v": true})

	t.Run("first set creates the path", func(t *testing.T) {
		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/enabled", setPayload)))

		require.Len(t, repo.propertyInserts, 1)
		assert.Equal(t, "/enabled", repo.propertyInserts[0].path)
		assert.Equal(t, true, repo.propertyInserts[0].value)
		assert.Equal(t, gocql.Quorum, repo.propertyInserts[0].consistent)

		assert.Equal(t, []string{"incoming_data", "value_change", "path_created", "value_change_applied"}, fx.emitter.kinds())
		change := fx.emitter.events[1]
		assert.Equal(t, mustEncodeBSONValue(t, nil), change.oldValue)
		assert.Equal(t, setPayload, change.payload)
	})

	t.Run("same value is a no-change", func(t *testing.T) {
		before := len(fx.emitter.events)
		require.NoError(t, fx.process(dataMessage("m2", descriptor.Name, "/enabled", setPayload)))

		assert.Equal(t, []string{"incoming_data"}, fx.emitter.kinds()[before:])
		assert.Len(t, repo.propertyInserts, 2, "the write is repeated even without a change")
	})

	t.Run("unset deletes and removes the path", func(t *testing.T) {
		before := len(fx.emitter.events)
		require.NoError(t, fx.process(dataMessage("m3", descriptor.Name, "/enabled", nil)))

		require.Len(t, repo.propertyDeletes, 1)
		assert.Equal(t, "/enabled", repo.propertyDeletes[0].path)
		assert.Equal(t, []string{"incoming_data", "value_change", "path_removed", "value_change_applied"}, fx.emitter.kinds()[before:])
		change := fx.emitter.events[before+1]
		assert.Equal(t, mustEncodeBSONValue(t, true), change.oldValue)
	})
}

func TestHandleDataUnsetWithoutAllowUnset(t *testing.T) {
	repo := newFakeRepo()
	descriptor, mappings := propertiesFixture(false)
	repo.addInterface(descriptor, mappings)
	repo.declare(descriptor.Name, 1, 0)
	fx := newActorFixture(t, repo)

	require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/enabled", nil)))

	assert.Empty(t, repo.propertyDeletes, "unset is ignored when the mapping forbids it")
	require.Len(t, fx.ack.recorded(), 1)
	assert.Equal(t, "ack", fx.ack.recorded()[0].op)
}

func TestHandleDataObjectAggregation(t *testing.T) {
	repo := newFakeRepo()
	descriptor, mappings := objectFixture()
	repo.addInterface(descriptor, mappings)
	repo.declare(descriptor.Name, 1, 0)
	fx := newActorFixture(t, repo)

	payload := mustMarshalBSON(t, bson.M{
		"v": bson.M{"latitude": 45.07, "altitude": 240},
		"t": time.UnixMilli(2000).UTC(),
	})
	require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/group1", payload)))

	require.Len(t, repo.objectInserts, 1)
	ins := repo.objectInserts[0]
	assert.Equal(t, "com_example_position_v1", ins.table)
	assert.Equal(t, "/group1", ins.path)
	assert.Equal(t, int64(2000), ins.valueMillis)
	assert.True(t, ins.explicitTS)
	assert.ElementsMatch(t, []queries.ObjectColumn{
		{Column: "v_latitude", Value: 45.07},
		{Column: "v_altitude", Value: int32(240)},
	}, ins.columns)

	require.Len(t, repo.pathInserts, 1)
	assert.Equal(t, "/group1", repo.pathInserts[0].path)
}

func TestHandleDataObjectViolations(t *testing.T) {
	newFixture := func(t *testing.T) (*actorFixture, *interfaces.Descriptor) {
		repo := newFakeRepo()
		descriptor, mappings := objectFixture()
		repo.addInterface(descriptor, mappings)
		repo.declare(descriptor.Name, 1, 0)
		return newActorFixture(t, repo), descriptor
	}

	t.Run("unknown object key", func(t *testing.T) {
		fx, descriptor := newFixture(t)
		payload := mustMarshalBSON(t, bson.M{"v": bson.M{"latitude": 45.07, "speed": 12.0}})
		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/group1", payload)))
		assertCleanSessionRequested(t, fx)
		assert.Empty(t, fx.repo.objectInserts)
	})

	t.Run("path at endpoint depth", func(t *testing.T) {
		fx, descriptor := newFixture(t)
		payload := mustMarshalBSON(t, bson.M{"v": bson.M{"latitude": 45.07}})
		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/group1/latitude", payload)))
		assertCleanSessionRequested(t, fx)
	})

	t.Run("scalar payload", func(t *testing.T) {
		fx, descriptor := newFixture(t)
		payload := mustMarshalBSON(t, bson.M{"v": 45.07})
		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/group1", payload)))
		assertCleanSessionRequested(t, fx)
	})
}

// assertCleanSessionRequested checks the violation outcome: pending empty
// cache flagged, session dropped and the delivery discarded without requeue.
func assertCleanSessionRequested(t *testing.T, fx *actorFixture) {
	t.Helper()
	require.NotEmpty(t, fx.repo.pendingEmpty)
	assert.True(t, fx.repo.pendingEmpty[len(fx.repo.pendingEmpty)-1])
	require.NotEmpty(t, fx.broker.disconnects)
	last := fx.broker.disconnects[len(fx.broker.disconnects)-1]
	assert.Equal(t, "test/"+fx.updater.encodedDeviceID, last.clientID)
	assert.True(t, last.discard)
	calls := fx.ack.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, "discard", calls[len(calls)-1].op)
}

func TestHandleDataViolations(t *testing.T) {
	newFixture := func(t *testing.T) (*actorFixture, *interfaces.Descriptor) {
		repo := newFakeRepo()
		descriptor, mappings := datastreamFixture(interfaces.ReliabilityGuaranteed, interfaces.RetentionStored)
		repo.addInterface(descriptor, mappings)
		repo.declare(descriptor.Name, 1, 2)
		return newActorFixture(t, repo), descriptor
	}

	t.Run("empty path level", func(t *testing.T) {
		fx, descriptor := newFixture(t)
		payload := mustMarshalBSON(t, bson.M{"v": 1.0})
		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a//value", payload)))
		assertCleanSessionRequested(t, fx)
	})

	t.Run("undeclared interface", func(t *testing.T) {
		fx, _ := newFixture(t)
		payload := mustMarshalBSON(t, bson.M{"v": 1.0})
		require.NoError(t, fx.process(dataMessage("m1", "com.example.Unknown", "/a/value", payload)))
		assertCleanSessionRequested(t, fx)
	})

	t.Run("unresolvable path", func(t *testing.T) {
		fx, descriptor := newFixture(t)
		payload := mustMarshalBSON(t, bson.M{"v": 1.0})
		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a/b/c", payload)))
		assertCleanSessionRequested(t, fx)
	})

	t.Run("undecodable payload", func(t *testing.T) {
		fx, descriptor := newFixture(t)
		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a/value", []byte{0x01, 0x02})))
		assertCleanSessionRequested(t, fx)
	})

	t.Run("wrong value type", func(t *testing.T) {
		fx, descriptor := newFixture(t)
		payload := mustMarshalBSON(t, bson.M{"v": "not a double"})
		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a/value", payload)))
		assertCleanSessionRequested(t, fx)
	})

	t.Run("stats count discarded messages", func(t *testing.T) {
		fx, descriptor := newFixture(t)
		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a//value", nil)))
		assert.Equal(t, int64(1), fx.updater.totalReceivedMsgs)
	})
}

func TestHandleDataServerOwnedRejected(t *testing.T) {
	repo := newFakeRepo()
	descriptor, mappings := datastreamFixture(interfaces.ReliabilityGuaranteed, interfaces.RetentionStored)
	descriptor.Ownership = interfaces.OwnershipServer
	repo.addInterface(descriptor, mappings)
	repo.declare(descriptor.Name, 1, 2)
	fx := newActorFixture(t, repo)

	payload := mustMarshalBSON(t, bson.M{"v": 1.0})
	require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a/value", payload)))

	assertCleanSessionRequested(t, fx)
	assert.Empty(t, repo.datastreamInserts)
}

func TestHandleDataDatastreamWithoutValue(t *testing.T) {
	repo := newFakeRepo()
	descriptor, mappings := datastreamFixture(interfaces.ReliabilityGuaranteed, interfaces.RetentionStored)
	repo.addInterface(descriptor, mappings)
	repo.declare(descriptor.Name, 1, 2)
	fx := newActorFixture(t, repo)

	unset := mustMarshalBSON(t, bson.M{"v": primitive.Binary{Subtype: 0x00, Data: []byte{}}})
	require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a/value", unset)))

	assert.Empty(t, repo.datastreamInserts)
	assert.Empty(t, repo.pathInserts)
	assert.Empty(t, fx.broker.disconnects, "a missing value is dropped without a clean session")
	assert.Empty(t, fx.repo.pendingEmpty)
	require.Len(t, fx.ack.recorded(), 1)
	assert.Equal(t, "discard", fx.ack.recorded()[0].op)
	assert.Equal(t, int64(1), fx.updater.totalReceivedMsgs)
}

func TestHandleDataPathRegistry(t *testing.T) {
	payload := func(t *testing.T) []byte { return mustMarshalBSON(t, bson.M{"v": 1.0}) }

	t.Run("cache hit skips the registry", func(t *testing.T) {
		repo := newFakeRepo()
		descriptor, mappings := datastreamFixture(interfaces.ReliabilityGuaranteed, interfaces.RetentionStored)
		repo.addInterface(descriptor, mappings)
		repo.declare(descriptor.Name, 1, 2)
		fx := newActorFixture(t, repo)

		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a/value", payload(t))))
		require.NoError(t, fx.process(dataMessage("m2", descriptor.Name, "/a/value", payload(t))))

		assert.Len(t, repo.pathInserts, 1, "the second message finds the path in cache")
		assert.Len(t, repo.datastreamInserts, 2)
	})

	t.Run("registered row with ample ttl is reused", func(t *testing.T) {
		repo := newFakeRepo()
		descriptor, mappings := datastreamFixture(interfaces.ReliabilityGuaranteed, interfaces.RetentionStored)
		repo.addInterface(descriptor, mappings)
		repo.declare(descriptor.Name, 1, 2)
		repo.retention = intPtr(1000)
		repo.pathRows["/a/value"] = pathExpiry{registered: true, ttlRemaining: intPtr(10_000)}
		fx := newActorFixture(t, repo)

		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a/value", payload(t))))
		assert.Empty(t, repo.pathInserts)
	})

	t.Run("registered row close to expiry is rewritten", func(t *testing.T) {
		repo := newFakeRepo()
		descriptor, mappings := datastreamFixture(interfaces.ReliabilityGuaranteed, interfaces.RetentionStored)
		repo.addInterface(descriptor, mappings)
		repo.declare(descriptor.Name, 1, 2)
		repo.retention = intPtr(1000)
		// Needs more than retention + 3600 = 4600 seconds left.
		repo.pathRows["/a/value"] = pathExpiry{registered: true, ttlRemaining: intPtr(4600)}
		fx := newActorFixture(t, repo)

		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a/value", payload(t))))
		require.Len(t, repo.pathInserts, 1)
		assert.Equal(t, intPtr(2500), repo.pathInserts[0].ttl, "registry rows outlive the data by half a retention")
	})

	t.Run("registered row without ttl is trusted", func(t *testing.T) {
		repo := newFakeRepo()
		descriptor, mappings := datastreamFixture(interfaces.ReliabilityGuaranteed, interfaces.RetentionStored)
		repo.addInterface(descriptor, mappings)
		repo.declare(descriptor.Name, 1, 2)
		repo.retention = intPtr(1000)
		repo.pathRows["/a/value"] = pathExpiry{registered: true}
		fx := newActorFixture(t, repo)

		require.NoError(t, fx.process(dataMessage("m1", descriptor.Name, "/a/value", payload(t))))
		assert.Empty(t, repo.pathInserts)
	})
}

func intPtr(v int) *int {
	return &v
}

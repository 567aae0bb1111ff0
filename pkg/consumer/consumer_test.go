package consumer

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/tracker"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/updater"
)

type routedCall struct {
	method        string
	realm         string
	deviceID      string
	delivery      updater.Delivery
	ip            string
	interfaceName string
	path          string
	payload       []byte
}

type fakeRouter struct {
	calls          []routedCall
	closedChannels []tracker.Acknowledger
	err            error
}

func (f *fakeRouter) HandleChannelClosed(settler tracker.Acknowledger) {
	f.closedChannels = append(f.closedChannels, settler)
}

func (f *fakeRouter) HandleConnection(realm, deviceID string, d updater.Delivery, ip string) error {
	f.calls = append(f.calls, routedCall{method: "connection", realm: realm, deviceID: deviceID, delivery: d, ip: ip})
	return f.err
}

func (f *fakeRouter) HandleDisconnection(realm, deviceID string, d updater.Delivery) error {
	f.calls = append(f.calls, routedCall{method: "disconnection", realm: realm, deviceID: deviceID, delivery: d})
	return f.err
}

func (f *fakeRouter) HandleData(realm, deviceID string, d updater.Delivery, interfaceName, path string, payload []byte) error {
	f.calls = append(f.calls, routedCall{
		method: "data", realm: realm, deviceID: deviceID, delivery: d,
		interfaceName: interfaceName, path: path, payload: payload,
	})
	return f.err
}

func (f *fakeRouter) HandleIntrospection(realm, deviceID string, d updater.Delivery, payload []byte) error {
	f.calls = append(f.calls, routedCall{method: "introspection", realm: realm, deviceID: deviceID, delivery: d, payload: payload})
	return f.err
}

func (f *fakeRouter) HandleControl(realm, deviceID string, d updater.Delivery, controlPath string, payload []byte) error {
	f.calls = append(f.calls, routedCall{method: "control", realm: realm, deviceID: deviceID, delivery: d, path: controlPath, payload: payload})
	return f.err
}

// fakeBrokerAck records broker-level settles issued through amqp.Delivery.
type fakeBrokerAck struct {
	acks    []uint64
	rejects []struct {
		tag     uint64
		requeue bool
	}
}

func (f *fakeBrokerAck) Ack(tag uint64, _ bool) error {
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeBrokerAck) Nack(tag uint64, _, requeue bool) error {
	return f.Reject(tag, requeue)
}

func (f *fakeBrokerAck) Reject(tag uint64, requeue bool) error {
	f.rejects = append(f.rejects, struct {
		tag     uint64
		requeue bool
	}{tag, requeue})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dataDelivery(headers amqp.Table, broker *fakeBrokerAck) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: broker,
		Headers:      headers,
		MessageId:    "msg-1",
		DeliveryTag:  7,
		Timestamp:    time.UnixMilli(1_700_000_000_000).UTC(),
		Body:         []byte{0x01},
	}
}

func testWorker(router DeviceRouter) *worker {
	return newWorker(0, "vmq_data_0", nil, router, 300)
}

func TestRouteData(t *testing.T) {
	router := &fakeRouter{}
	w := testWorker(router)

	err := w.route(dataDelivery(amqp.Table{
		HeaderMsgType:   MsgTypeData,
		HeaderRealm:     "test",
		HeaderDeviceID:  "f0VMRgIBAQAAAAAAAAAAAA",
		HeaderInterface: "com.example.Values",
		HeaderPath:      "/a/b",
	}, &fakeBrokerAck{}), &channelAcknowledger{})
	require.NoError(t, err)

	require.Len(t, router.calls, 1)
	call := router.calls[0]
	assert.Equal(t, "data", call.method)
	assert.Equal(t, "test", call.realm)
	assert.Equal(t, "f0VMRgIBAQAAAAAAAAAAAA", call.deviceID)
	assert.Equal(t, "com.example.Values", call.interfaceName)
	assert.Equal(t, "/a/b", call.path)
	assert.Equal(t, []byte{0x01}, call.payload)
	assert.Equal(t, "msg-1", call.delivery.MessageID)
	assert.Equal(t, uint64(7), call.delivery.Tag)
	assert.Equal(t, int64(1_700_000_000_000)*10_000, call.delivery.Timestamp)
}

func TestRoutePerTypeHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		method  string
	}{
		{
			name: "connection",
			headers: amqp.Table{
				HeaderMsgType:  MsgTypeConnection,
				HeaderRealm:    "test",
				HeaderDeviceID: "d",
				HeaderRemoteIP: "198.51.100.1",
			},
			method: "connection",
		},
		{
			name: "disconnection",
			headers: amqp.Table{
				HeaderMsgType:  MsgTypeDisconnection,
				HeaderRealm:    "test",
				HeaderDeviceID: "d",
			},
			method: "disconnection",
		},
		{
			name: "introspection",
			headers: amqp.Table{
				HeaderMsgType:  MsgTypeIntrospection,
				HeaderRealm:    "test",
				HeaderDeviceID: "d",
			},
			method: "introspection",
		},
		{
			name: "control",
			headers: amqp.Table{
				HeaderMsgType:     MsgTypeControl,
				HeaderRealm:       "test",
				HeaderDeviceID:    "d",
				HeaderControlPath: "/emptyCache",
			},
			method: "control",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := &fakeRouter{}
			w := testWorker(router)
			require.NoError(t, w.route(dataDelivery(tt.headers, &fakeBrokerAck{}), &channelAcknowledger{}))
			require.Len(t, router.calls, 1)
			assert.Equal(t, tt.method, router.calls[0].method)
			if tt.method == "connection" {
				assert.Equal(t, "198.51.100.1", router.calls[0].ip)
			}
			if tt.method == "control" {
				assert.Equal(t, "/emptyCache", router.calls[0].path)
			}
		})
	}
}

func TestRouteRejectsMalformedDeliveries(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*amqp.Delivery)
		headers amqp.Table
	}{
		{
			name:    "missing message id",
			mutate:  func(d *amqp.Delivery) { d.MessageId = "" },
			headers: amqp.Table{HeaderMsgType: MsgTypeDisconnection, HeaderRealm: "test", HeaderDeviceID: "d"},
		},
		{
			name:    "missing msg type",
			headers: amqp.Table{HeaderRealm: "test", HeaderDeviceID: "d"},
		},
		{
			name:    "unknown msg type",
			headers: amqp.Table{HeaderMsgType: "telemetry", HeaderRealm: "test", HeaderDeviceID: "d"},
		},
		{
			name:    "missing realm",
			headers: amqp.Table{HeaderMsgType: MsgTypeDisconnection, HeaderDeviceID: "d"},
		},
		{
			name: "data without interface",
			headers: amqp.Table{
				HeaderMsgType:  MsgTypeData,
				HeaderRealm:    "test",
				HeaderDeviceID: "d",
				HeaderPath:     "/a",
			},
		},
		{
			name: "connection without remote ip",
			headers: amqp.Table{
				HeaderMsgType:  MsgTypeConnection,
				HeaderRealm:    "test",
				HeaderDeviceID: "d",
			},
		},
		{
			name: "non-string header",
			headers: amqp.Table{
				HeaderMsgType:  MsgTypeDisconnection,
				HeaderRealm:    int32(42),
				HeaderDeviceID: "d",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := &fakeRouter{}
			w := testWorker(router)
			delivery := dataDelivery(tt.headers, &fakeBrokerAck{})
			if tt.mutate != nil {
				tt.mutate(&delivery)
			}
			assert.Error(t, w.route(delivery, &channelAcknowledger{}))
			assert.Empty(t, router.calls, "malformed deliveries must not reach the router")
		})
	}
}

func TestHandleDeliveryRejectsWithoutRequeue(t *testing.T) {
	router := &fakeRouter{}
	w := testWorker(router)
	broker := &fakeBrokerAck{}

	w.handleDelivery(testLogger(), dataDelivery(amqp.Table{HeaderMsgType: "bogus"}, broker), &channelAcknowledger{})

	require.Len(t, broker.rejects, 1)
	assert.Equal(t, uint64(7), broker.rejects[0].tag)
	assert.False(t, broker.rejects[0].requeue, "unroutable messages are discarded, not requeued")

	health := w.Health()
	assert.Equal(t, int64(1), health.Delivered)
	assert.Equal(t, int64(1), health.Rejected)
	assert.False(t, health.LastDelivery.IsZero())
}

func TestHandleDeliveryRouterErrorRejects(t *testing.T) {
	router := &fakeRouter{err: errors.New("invalid device id")}
	w := testWorker(router)
	broker := &fakeBrokerAck{}

	w.handleDelivery(testLogger(), dataDelivery(amqp.Table{
		HeaderMsgType:  MsgTypeDisconnection,
		HeaderRealm:    "test",
		HeaderDeviceID: "not-base64!",
	}, broker), &channelAcknowledger{})

	require.Len(t, broker.rejects, 1)
	assert.False(t, broker.rejects[0].requeue)
	assert.Empty(t, broker.acks)
}

func TestHandleDeliveryNeverSettlesRoutedMessages(t *testing.T) {
	router := &fakeRouter{}
	w := testWorker(router)
	broker := &fakeBrokerAck{}

	w.handleDelivery(testLogger(), dataDelivery(amqp.Table{
		HeaderMsgType:  MsgTypeDisconnection,
		HeaderRealm:    "test",
		HeaderDeviceID: "d",
	}, broker), &channelAcknowledger{})

	// Settlement belongs to the device tracker, not the consumer.
	assert.Empty(t, broker.acks)
	assert.Empty(t, broker.rejects)
}

func TestPoolHealth(t *testing.T) {
	c := New(nil, &fakeRouter{}, Config{QueuePrefix: "vmq_data_", QueueCount: 2, PrefetchCount: 300})
	c.workers = []*worker{
		newWorker(0, "vmq_data_0", nil, nil, 300),
		newWorker(1, "vmq_data_1", nil, nil, 300),
	}
	c.workers[0].setConsuming(true)

	health := c.Health()
	assert.False(t, health.IsHealthy, "a worker without a live consume marks the pool unhealthy")
	require.Len(t, health.Workers, 2)
	assert.Equal(t, "vmq_data_0", health.Workers[0].Queue)
	assert.True(t, health.Workers[0].Consuming)
	assert.False(t, health.Workers[1].Consuming)

	c.workers[1].setConsuming(true)
	assert.True(t, c.Health().IsHealthy)
}

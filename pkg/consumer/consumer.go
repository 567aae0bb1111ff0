// Package consumer implements the AMQP data consumers: one worker per data
// queue, each with a dedicated channel, decoding the routing headers and
// handing deliveries to the per-device actors. Deliveries are settled by the
// device trackers through the channel acknowledger, never by the worker
// itself; the worker only rejects messages it cannot route.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/amqpclient"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/timeutil"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/tracker"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/updater"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/version"
)

// Routing headers set by the broker plugin on every device message.
const (
	HeaderMsgType     = "x_astarte_msg_type"
	HeaderRealm       = "x_astarte_realm"
	HeaderDeviceID    = "x_astarte_device_id"
	HeaderRemoteIP    = "x_astarte_remote_ip"
	HeaderInterface   = "x_astarte_interface"
	HeaderPath        = "x_astarte_path"
	HeaderControlPath = "x_astarte_control_path"
)

// Message types carried by HeaderMsgType.
const (
	MsgTypeConnection    = "connection"
	MsgTypeDisconnection = "disconnection"
	MsgTypeIntrospection = "introspection"
	MsgTypeData          = "data"
	MsgTypeControl       = "control"
)

// channelReopenDelay paces channel recreation after a channel-level failure.
const channelReopenDelay = 1 * time.Second

// DeviceRouter dispatches decoded messages to the device actors.
// Implemented by *updater.Registry.
type DeviceRouter interface {
	HandleConnection(realm, encodedDeviceID string, d updater.Delivery, ip string) error
	HandleDisconnection(realm, encodedDeviceID string, d updater.Delivery) error
	HandleData(realm, encodedDeviceID string, d updater.Delivery, interfaceName, path string, payload []byte) error
	HandleIntrospection(realm, encodedDeviceID string, d updater.Delivery, payload []byte) error
	HandleControl(realm, encodedDeviceID string, d updater.Delivery, controlPath string, payload []byte) error

	// HandleChannelClosed reports that the channel behind the given
	// acknowledger died. Its unacknowledged deliveries are requeued by the
	// broker; their tags must not be settled on the replacement channel.
	HandleChannelClosed(settler tracker.Acknowledger)
}

// Config tunes the consumer pool.
type Config struct {
	// QueuePrefix plus the worker index names each data queue.
	QueuePrefix string

	// QueueCount is the number of data queues, one worker each.
	QueueCount int

	// PrefetchCount bounds the unacknowledged deliveries per channel.
	PrefetchCount int
}

// Consumer runs the data queue workers.
type Consumer struct {
	client  *amqpclient.Client
	router  DeviceRouter
	config  Config
	workers []*worker
	started bool
}

// New creates an unstarted consumer pool.
func New(client *amqpclient.Client, router DeviceRouter, config Config) *Consumer {
	return &Consumer{
		client: client,
		router: router,
		config: config,
	}
}

// Start spawns one worker per data queue. Safe to call once.
func (c *Consumer) Start(ctx context.Context) error {
	if c.started {
		slog.Warn("Consumer already started, ignoring duplicate Start call")
		return nil
	}
	c.started = true

	slog.Info("Starting AMQP data consumers",
		"queue_count", c.config.QueueCount, "prefetch", c.config.PrefetchCount)

	for i := 0; i < c.config.QueueCount; i++ {
		queue := fmt.Sprintf("%s%d", c.config.QueuePrefix, i)
		w := newWorker(i, queue, c.client, c.router, c.config.PrefetchCount)
		c.workers = append(c.workers, w)
		w.Start(ctx)
	}
	return nil
}

// Stop cancels every worker's consume and waits for the loops to exit.
// Unacknowledged deliveries return to their queues when the channels close.
func (c *Consumer) Stop() {
	slog.Info("Stopping AMQP data consumers")
	for _, w := range c.workers {
		w.Stop()
	}
	slog.Info("AMQP data consumers stopped")
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID           int       `json:"id"`
	Queue        string    `json:"queue"`
	Consuming    bool      `json:"consuming"`
	Delivered    int64     `json:"delivered"`
	Rejected     int64     `json:"rejected"`
	LastDelivery time.Time `json:"last_delivery,omitempty"`
}

// Health reports the pool status. Healthy means every worker holds a live
// consume.
type Health struct {
	IsHealthy bool           `json:"is_healthy"`
	Workers   []WorkerHealth `json:"workers"`
}

// Health returns the current health of the pool.
func (c *Consumer) Health() *Health {
	health := &Health{IsHealthy: len(c.workers) > 0}
	for _, w := range c.workers {
		stats := w.Health()
		health.Workers = append(health.Workers, stats)
		if !stats.Consuming {
			health.IsHealthy = false
		}
	}
	return health
}

// worker consumes one data queue over its own channel. A channel-level
// failure (typically a closed connection during shutdown, or a broker
// restart) tears the consume down; the worker marks the channel's in-flight
// deliveries for redelivery through the router, then reopens the channel and
// resumes. The broker redelivers them under fresh tags on the new channel.
type worker struct {
	id       int
	queue    string
	client   *amqpclient.Client
	router   DeviceRouter
	prefetch int
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu           sync.RWMutex
	consuming    bool
	delivered    int64
	rejected     int64
	lastDelivery time.Time
}

func newWorker(id int, queue string, client *amqpclient.Client, router DeviceRouter, prefetch int) *worker {
	return &worker{
		id:       id,
		queue:    queue,
		client:   client,
		router:   router,
		prefetch: prefetch,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the worker consume loop in a goroutine.
func (w *worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. It is safe to
// call Stop multiple times.
func (w *worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:           w.id,
		Queue:        w.queue,
		Consuming:    w.consuming,
		Delivered:    w.delivered,
		Rejected:     w.rejected,
		LastDelivery: w.lastDelivery,
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "queue", w.queue)
	log.Info("Data consumer started")

	for {
		if err := w.consume(ctx, log); err != nil {
			log.Warn("Consume loop ended, reopening channel", "error", err)
		}
		w.setConsuming(false)

		select {
		case <-w.stopCh:
			log.Info("Data consumer shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, data consumer shutting down")
			return
		case <-time.After(channelReopenDelay):
		}
	}
}

// consume opens a channel, declares the queue and processes deliveries until
// the channel dies or the worker stops.
func (w *worker) consume(ctx context.Context, log *slog.Logger) error {
	ch, err := w.client.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(w.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", w.queue, err)
	}
	if err := ch.Qos(w.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch on %s: %w", w.queue, err)
	}

	consumerTag := fmt.Sprintf("%s-%d", version.Full(), w.id)
	deliveries, err := ch.Consume(w.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", w.queue, err)
	}
	w.setConsuming(true)

	ack := &channelAcknowledger{ch: ch}
	// Tags issued on this channel die with it; the trackers must not settle
	// them on the replacement channel.
	defer w.router.HandleChannelClosed(ack)
	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			w.handleDelivery(log, delivery, ack)
		case <-w.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// handleDelivery decodes the headers and routes the message. Messages that
// cannot be routed are rejected without requeue: redelivering them cannot
// make their headers valid.
func (w *worker) handleDelivery(log *slog.Logger, delivery amqp.Delivery, ack *channelAcknowledger) {
	w.mu.Lock()
	w.delivered++
	w.lastDelivery = time.Now()
	w.mu.Unlock()

	if err := w.route(delivery, ack); err != nil {
		log.Warn("Rejecting unroutable delivery",
			"message_id", delivery.MessageId, "error", err)
		w.mu.Lock()
		w.rejected++
		w.mu.Unlock()
		if err := delivery.Reject(false); err != nil {
			log.Warn("Failed to reject delivery", "error", err)
		}
	}
}

func (w *worker) route(delivery amqp.Delivery, ack *channelAcknowledger) error {
	if delivery.MessageId == "" {
		return errors.New("missing message id")
	}
	msgType, err := headerString(delivery.Headers, HeaderMsgType)
	if err != nil {
		return err
	}
	realm, err := headerString(delivery.Headers, HeaderRealm)
	if err != nil {
		return err
	}
	deviceID, err := headerString(delivery.Headers, HeaderDeviceID)
	if err != nil {
		return err
	}

	timestamp := timeutil.NowDecimicro()
	if !delivery.Timestamp.IsZero() {
		timestamp = timeutil.FromTime(delivery.Timestamp)
	}
	d := updater.Delivery{
		MessageID:    delivery.MessageId,
		Tag:          delivery.DeliveryTag,
		Timestamp:    timestamp,
		Acknowledger: ack,
	}

	switch msgType {
	case MsgTypeConnection:
		ip, err := headerString(delivery.Headers, HeaderRemoteIP)
		if err != nil {
			return err
		}
		return w.router.HandleConnection(realm, deviceID, d, ip)
	case MsgTypeDisconnection:
		return w.router.HandleDisconnection(realm, deviceID, d)
	case MsgTypeIntrospection:
		return w.router.HandleIntrospection(realm, deviceID, d, delivery.Body)
	case MsgTypeData:
		interfaceName, err := headerString(delivery.Headers, HeaderInterface)
		if err != nil {
			return err
		}
		path, err := headerString(delivery.Headers, HeaderPath)
		if err != nil {
			return err
		}
		return w.router.HandleData(realm, deviceID, d, interfaceName, path, delivery.Body)
	case MsgTypeControl:
		controlPath, err := headerString(delivery.Headers, HeaderControlPath)
		if err != nil {
			return err
		}
		return w.router.HandleControl(realm, deviceID, d, controlPath, delivery.Body)
	default:
		return fmt.Errorf("unknown message type %q", msgType)
	}
}

func (w *worker) setConsuming(consuming bool) {
	w.mu.Lock()
	w.consuming = consuming
	w.mu.Unlock()
}

func headerString(headers amqp.Table, key string) (string, error) {
	raw, ok := headers[key]
	if !ok {
		return "", fmt.Errorf("missing header %s", key)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", fmt.Errorf("invalid header %s", key)
	}
	return value, nil
}

// channelAcknowledger settles deliveries on the worker's channel on behalf
// of the device trackers.
type channelAcknowledger struct {
	ch *amqp.Channel
}

func (a *channelAcknowledger) Ack(tag uint64) error {
	return a.ch.Ack(tag, false)
}

func (a *channelAcknowledger) Discard(tag uint64) error {
	return a.ch.Reject(tag, false)
}

func (a *channelAcknowledger) Requeue(tag uint64) error {
	return a.ch.Reject(tag, true)
}

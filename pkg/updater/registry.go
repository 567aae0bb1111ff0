package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/deviceid"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/timeutil"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/tracker"
)

// injectRetryDelay paces the retry loop of injected operations when their
// mailbox copy is dropped, typically because a requeued broker delivery
// heads the queue and has not been redelivered yet.
const injectRetryDelay = 100 * time.Millisecond

// ErrRegistryStopped indicates an operation on a registry that is shutting
// down.
var ErrRegistryStopped = errors.New("device registry stopped")

// RepositoryProvider scopes database access to one realm keyspace. Wired to
// queries.Queries.Realm.
type RepositoryProvider func(realm string) (Repository, error)

// Delivery is one broker message handed over by the consumer, together with
// the channel acknowledger that must settle it.
type Delivery struct {
	MessageID    string
	Tag          uint64
	Timestamp    int64 // decimicroseconds
	Acknowledger tracker.Acknowledger
}

// forwardingAcknowledger settles deliveries on whichever consumer channel
// delivered last. The tracker of a device outlives consumer channel
// restarts, so its settle target has to follow the live channel.
type forwardingAcknowledger struct {
	mu     sync.Mutex
	target tracker.Acknowledger
}

func (f *forwardingAcknowledger) swap(target tracker.Acknowledger) {
	f.mu.Lock()
	f.target = target
	f.mu.Unlock()
}

func (f *forwardingAcknowledger) current() tracker.Acknowledger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

func (f *forwardingAcknowledger) settle(op func(tracker.Acknowledger) error) error {
	f.mu.Lock()
	target := f.target
	f.mu.Unlock()
	if target == nil {
		return errors.New("no consumer channel attached")
	}
	return op(target)
}

func (f *forwardingAcknowledger) Ack(tag uint64) error {
	return f.settle(func(a tracker.Acknowledger) error { return a.Ack(tag) })
}

func (f *forwardingAcknowledger) Discard(tag uint64) error {
	return f.settle(func(a tracker.Acknowledger) error { return a.Discard(tag) })
}

func (f *forwardingAcknowledger) Requeue(tag uint64) error {
	return f.settle(func(a tracker.Acknowledger) error { return a.Requeue(tag) })
}

// deviceEntry is the registry's long-lived record of one {realm, device}
// stream. The tracker and acknowledger survive actor crashes; the actor
// slot is cleared on exit and repopulated on the next message.
type deviceEntry struct {
	realm    string
	deviceID deviceid.DeviceID
	repo     Repository
	ack      *forwardingAcknowledger
	tracker  *tracker.MessageTracker
	actor    *DataUpdater
}

// Registry owns the device actors. Consumers post broker messages through
// the Handle methods; the API injects volatile trigger operations. Actors
// are created on first use and recreated after crashes, while the
// per-device tracker keeps the delivery FIFO intact across generations.
type Registry struct {
	logger  *slog.Logger
	repos   RepositoryProvider
	emitter EventsEmitter
	broker  BrokerClient

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*deviceEntry
	stopped bool
}

// NewRegistry creates the registry. Actors started later inherit a context
// canceled by Stop.
func NewRegistry(logger *slog.Logger, repos RepositoryProvider, emitter EventsEmitter, broker BrokerClient) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger:  logger,
		repos:   repos,
		emitter: emitter,
		broker:  broker,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*deviceEntry),
	}
}

// HandleConnection routes a device connection to its actor.
func (r *Registry) HandleConnection(realm, encodedDeviceID string, d Delivery, ip string) error {
	return r.post(realm, encodedDeviceID, d, &message{
		kind:      kindConnection,
		messageID: d.MessageID,
		timestamp: d.Timestamp,
		ip:        ip,
	})
}

// HandleDisconnection routes a device disconnection to its actor.
func (r *Registry) HandleDisconnection(realm, encodedDeviceID string, d Delivery) error {
	return r.post(realm, encodedDeviceID, d, &message{
		kind:      kindDisconnection,
		messageID: d.MessageID,
		timestamp: d.Timestamp,
	})
}

// HandleData routes a data payload to its actor.
func (r *Registry) HandleData(realm, encodedDeviceID string, d Delivery, interfaceName, path string, payload []byte) error {
	return r.post(realm, encodedDeviceID, d, &message{
		kind:          kindData,
		messageID:     d.MessageID,
		timestamp:     d.Timestamp,
		interfaceName: interfaceName,
		path:          path,
		payload:       payload,
	})
}

// HandleIntrospection routes an introspection update to its actor.
func (r *Registry) HandleIntrospection(realm, encodedDeviceID string, d Delivery, payload []byte) error {
	return r.post(realm, encodedDeviceID, d, &message{
		kind:      kindIntrospection,
		messageID: d.MessageID,
		timestamp: d.Timestamp,
		payload:   payload,
	})
}

// HandleControl routes a control message to its actor.
func (r *Registry) HandleControl(realm, encodedDeviceID string, d Delivery, controlPath string, payload []byte) error {
	return r.post(realm, encodedDeviceID, d, &message{
		kind:      kindControl,
		messageID: d.MessageID,
		timestamp: d.Timestamp,
		path:      controlPath,
		payload:   payload,
	})
}

// HandleChannelClosed marks for redelivery the in-flight deliveries of every
// device whose settles were forwarded to the given channel acknowledger. The
// broker requeues a dead channel's unacknowledged deliveries on its own; the
// tags it issued must never be settled on the replacement channel.
func (r *Registry) HandleChannelClosed(settler tracker.Acknowledger) {
	r.mu.Lock()
	var trackers []*tracker.MessageTracker
	for _, entry := range r.entries {
		if entry.ack.current() == settler {
			trackers = append(trackers, entry.tracker)
		}
	}
	r.mu.Unlock()

	for _, t := range trackers {
		t.HandleChannelClosed()
	}
}

// InstallVolatileTrigger injects a runtime trigger install into the device
// stream and waits for the actor's verdict.
func (r *Registry) InstallVolatileTrigger(ctx context.Context, realm, encodedDeviceID string, req InstallVolatileTriggerRequest) error {
	return r.inject(ctx, realm, encodedDeviceID, &message{
		kind:      kindInstallVolatileTrigger,
		timestamp: timeutil.NowDecimicro(),
		install:   &req,
	})
}

// DeleteVolatileTrigger injects a runtime trigger delete into the device
// stream and waits for the actor's verdict.
func (r *Registry) DeleteVolatileTrigger(ctx context.Context, realm, encodedDeviceID string, triggerID uuid.UUID) error {
	return r.inject(ctx, realm, encodedDeviceID, &message{
		kind:            kindDeleteVolatileTrigger,
		timestamp:       timeutil.NowDecimicro(),
		deleteTriggerID: triggerID,
	})
}

// post tracks a broker delivery and hands it to the device actor. The
// delivery is tracked before the mailbox send: every copy in a mailbox has
// a tracker entry, and a copy dropped by a dying actor is requeued by crash
// recovery and redelivered under the same message id.
func (r *Registry) post(realm, encodedDeviceID string, d Delivery, msg *message) error {
	deviceID, err := deviceid.Decode(encodedDeviceID)
	if err != nil {
		return fmt.Errorf("invalid device id %q: %w", encodedDeviceID, err)
	}
	entry, err := r.entryFor(realm, deviceID)
	if err != nil {
		return err
	}

	entry.ack.swap(d.Acknowledger)
	entry.tracker.TrackDelivery(d.MessageID, tracker.BrokerTag(d.Tag))

	actor, err := r.ensureActor(entry)
	if err != nil {
		return err
	}
	if err := actor.enqueue(r.ctx, msg); err != nil {
		if errors.Is(err, ErrActorClosed) {
			// The actor died after the delivery was tracked. Crash recovery
			// requeues the tag and the broker redelivers under the same
			// message id; posting a second copy now would leave a stale one
			// in a mailbox forever.
			r.logger.Debug("Dropped delivery for a dying device actor",
				"realm", realm, "device_id", encodedDeviceID, "message_id", d.MessageID)
			return nil
		}
		return err
	}
	return nil
}

// inject runs a plant-generated operation through the device stream. Every
// attempt gets a fresh synthetic reference and mailbox copy; a copy dropped
// before processing (actor death, or parked behind a requeued delivery)
// reports ErrActorClosed and is retried at the tail of the queue.
func (r *Registry) inject(ctx context.Context, realm, encodedDeviceID string, msg *message) error {
	deviceID, err := deviceid.Decode(encodedDeviceID)
	if err != nil {
		return fmt.Errorf("invalid device id %q: %w", encodedDeviceID, err)
	}
	entry, err := r.entryFor(realm, deviceID)
	if err != nil {
		return err
	}

	for {
		actor, err := r.ensureActor(entry)
		if err != nil {
			return err
		}

		ref := uuid.New()
		attempt := *msg
		attempt.messageID = ref.String()
		attempt.reply = make(chan error, 1)

		entry.tracker.TrackDelivery(attempt.messageID, tracker.InjectedTag(ref))
		if err := actor.enqueue(ctx, &attempt); err != nil {
			entry.tracker.DropInjected(attempt.messageID)
			if errors.Is(err, ErrActorClosed) {
				continue
			}
			return err
		}

		select {
		case err := <-attempt.reply:
			if errors.Is(err, ErrActorClosed) {
				select {
				case <-time.After(injectRetryDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// entryFor returns the long-lived entry of a device, creating it on first
// contact.
func (r *Registry) entryFor(realm string, deviceID deviceid.DeviceID) (*deviceEntry, error) {
	key := realm + "/" + deviceID.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrRegistryStopped
	}
	if entry, ok := r.entries[key]; ok {
		return entry, nil
	}

	repo, err := r.repos(realm)
	if err != nil {
		return nil, fmt.Errorf("failed to open realm %q: %w", realm, err)
	}
	ack := &forwardingAcknowledger{}
	entry := &deviceEntry{
		realm:    realm,
		deviceID: deviceID,
		repo:     repo,
		ack:      ack,
		tracker:  tracker.NewMessageTracker(ack, r.logger.With("realm", realm, "device_id", deviceID.String())),
	}
	r.entries[key] = entry
	return entry, nil
}

// ensureActor returns the live actor of an entry, starting a replacement
// when the previous one exited.
func (r *Registry) ensureActor(entry *deviceEntry) (*DataUpdater, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrRegistryStopped
	}
	if entry.actor != nil {
		return entry.actor, nil
	}

	var actor *DataUpdater
	actor = NewDataUpdater(r.logger, entry.realm, entry.deviceID, entry.repo, entry.tracker,
		r.emitter, r.broker, func() { r.detach(entry, actor) })
	entry.actor = actor
	actor.Start(r.ctx)
	return actor, nil
}

// detach clears the actor slot of an entry when that same actor exits.
func (r *Registry) detach(entry *deviceEntry, actor *DataUpdater) {
	r.mu.Lock()
	if entry.actor == actor {
		entry.actor = nil
	}
	r.mu.Unlock()
}

// ActiveDevices is the number of devices with a live actor, exposed for
// health inspection.
func (r *Registry) ActiveDevices() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := 0
	for _, entry := range r.entries {
		if entry.actor != nil {
			active++
		}
	}
	return active
}

// Stop cancels the shared actor context and waits for every actor to exit.
// Unsettled deliveries stay unacknowledged; the broker redelivers them on
// the next start.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	actors := make([]*DataUpdater, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.actor != nil {
			actors = append(actors, entry.actor)
		}
	}
	r.mu.Unlock()

	r.cancel()
	for _, actor := range actors {
		actor.Stop()
	}
	r.logger.Info("Device actor registry stopped")
}

package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/deviceid"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/timeutil"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/tracker"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/triggers"
)

// DataUpdater is the actor serializing every message of one device. It is
// created by the registry on first delivery, loads its state from the realm
// database and processes its mailbox one message at a time. Infrastructure
// failures crash the actor: the tracker requeues the in-flight messages and
// the registry spawns a replacement on the next delivery.
type DataUpdater struct {
	logger   *slog.Logger
	realm    string
	deviceID deviceid.DeviceID
	// encodedDeviceID is the base64-url form used on topics and events.
	encodedDeviceID string

	repo    Repository
	tracker *tracker.MessageTracker
	emitter EventsEmitter
	broker  BrokerClient

	inbox    chan *message
	done     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	onExit   func()

	// Actor-owned state, touched only from the run goroutine.
	connected                 bool
	lastSeenMessage           int64
	lastDeviceTriggersRefresh int64
	introspection             map[string]int
	introspectionMinor        map[string]int
	interfaces                map[string]*interfaces.Descriptor
	interfacesByExpiry        []interfaceExpiry
	interfaceIDsToName        map[uuid.UUID]string
	mappings                  map[uuid.UUID]interfaces.Mapping
	pathsCache                *expirable.LRU[pathKey, struct{}]
	triggers                  *triggers.Tables
	volatileTriggers          []volatileTrigger
	totalReceivedMsgs         int64
	totalReceivedBytes        int64
	storageRetention          *int
}

// NewDataUpdater creates an unstarted actor. onExit is invoked exactly once
// when the run goroutine ends, before crash recovery completes.
func NewDataUpdater(logger *slog.Logger, realm string, deviceID deviceid.DeviceID, repo Repository, messageTracker *tracker.MessageTracker, emitter EventsEmitter, broker BrokerClient, onExit func()) *DataUpdater {
	encoded := deviceID.String()
	return &DataUpdater{
		logger:             logger.With("realm", realm, "device_id", encoded),
		realm:              realm,
		deviceID:           deviceID,
		encodedDeviceID:    encoded,
		repo:               repo,
		tracker:            messageTracker,
		emitter:            emitter,
		broker:             broker,
		inbox:              make(chan *message, inboxCapacity),
		done:               make(chan struct{}),
		stopCh:             make(chan struct{}),
		onExit:             onExit,
		interfaces:         make(map[string]*interfaces.Descriptor),
		interfaceIDsToName: make(map[uuid.UUID]string),
		mappings:           make(map[uuid.UUID]interfaces.Mapping),
		triggers:           triggers.NewTables(),
	}
}

// Start launches the actor goroutine.
func (u *DataUpdater) Start(ctx context.Context) {
	u.wg.Add(1)
	go u.run(ctx)
}

// Stop asks the actor to exit after the in-flight message and waits for it.
func (u *DataUpdater) Stop() {
	u.stopOnce.Do(func() { close(u.stopCh) })
	u.wg.Wait()
}

// enqueue posts a work item, blocking while the mailbox is full. It fails
// once the actor is gone so the caller can retry against a replacement.
func (u *DataUpdater) enqueue(ctx context.Context, msg *message) error {
	select {
	case <-u.done:
		return ErrActorClosed
	default:
	}
	select {
	case u.inbox <- msg:
		return nil
	case <-u.done:
		return ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *DataUpdater) run(ctx context.Context) {
	defer u.wg.Done()

	crashed := false
	var current *message
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("Device actor panicked", "panic", r)
			crashed = true
		}
		close(u.done)
		if u.onExit != nil {
			u.onExit()
		}
		u.drainInbox()
		if current != nil && current.injected() {
			u.tracker.DropInjected(current.messageID)
			current.replyOnce(ErrActorClosed)
		}
		if crashed {
			u.tracker.HandleCrash()
		}
	}()

	if err := u.init(ctx); err != nil {
		if !isCanceled(err) {
			u.logger.Error("Device actor failed to start", "error", err)
			crashed = true
		}
		return
	}
	u.logger.Info("Device actor started")

	for {
		select {
		case msg := <-u.inbox:
			current = msg
			err := u.dispatch(ctx, msg)
			current = nil
			if err != nil {
				if !isCanceled(err) {
					u.logger.Error("Device actor crashed", "error", err)
					crashed = true
				}
				return
			}
		case <-u.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// drainInbox empties the mailbox of a dead actor. Broker messages are
// simply dropped: their tracker entries are requeued by crash recovery and
// the broker redelivers them to the replacement actor. Injected messages
// have no broker copy and are dropped from the tracker with an error reply.
func (u *DataUpdater) drainInbox() {
	for {
		select {
		case msg := <-u.inbox:
			if msg.injected() {
				u.tracker.DropInjected(msg.messageID)
			}
			msg.replyOnce(ErrActorClosed)
		default:
			return
		}
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// init attaches to the tracker (parking behind a predecessor's crash
// recovery when needed) and loads the device row, the realm retention and
// the device-level triggers.
func (u *DataUpdater) init(ctx context.Context) error {
	if err := u.tracker.Register(ctx); err != nil {
		return err
	}

	state, err := u.repo.FetchDeviceState(ctx, u.deviceID)
	if err != nil {
		return err
	}
	u.introspection = state.Introspection
	u.introspectionMinor = state.IntrospectionMinor
	u.totalReceivedMsgs = state.TotalReceivedMsgs
	u.totalReceivedBytes = state.TotalReceivedBytes

	u.storageRetention, err = u.repo.FetchDatastreamMaximumStorageRetention(ctx)
	if err != nil {
		return err
	}

	var pathsTTL time.Duration
	if u.storageRetention != nil {
		pathsTTL = time.Duration(*u.storageRetention) * time.Second
	}
	u.pathsCache = expirable.NewLRU[pathKey, struct{}](PathsCacheCap, nil, pathsTTL)

	return u.loadDeviceTriggers(ctx)
}

// dispatch gates the message on the tracker and routes it. A false gate
// means the message is behind the queue head: a broker copy is skipped
// without acknowledgement and redelivered later, while an injected message
// is dropped for the caller to retry at the queue tail.
func (u *DataUpdater) dispatch(ctx context.Context, msg *message) error {
	ok, err := u.tracker.CanProcessMessage(ctx, msg.messageID)
	if err != nil {
		msg.replyOnce(err)
		return err
	}
	if !ok {
		if msg.injected() {
			// This mailbox held the only copy of the injected message.
			u.tracker.DropInjected(msg.messageID)
			msg.replyOnce(ErrActorClosed)
			return nil
		}
		u.logger.Debug("Skipping out-of-order message", "message_id", msg.messageID)
		return nil
	}

	if !msg.injected() {
		u.executeTimeBasedActions(ctx, msg.timestamp)
	}

	switch msg.kind {
	case kindConnection:
		err = u.handleConnection(ctx, msg)
	case kindDisconnection:
		err = u.handleDisconnection(ctx, msg)
	case kindData:
		err = u.handleData(ctx, msg)
	case kindIntrospection:
		err = u.handleIntrospection(ctx, msg)
	case kindControl:
		err = u.handleControl(ctx, msg)
	case kindInstallVolatileTrigger:
		err = u.handleInstallVolatileTrigger(ctx, msg)
	case kindDeleteVolatileTrigger:
		err = u.handleDeleteVolatileTrigger(ctx, msg)
	default:
		err = fmt.Errorf("unknown message kind %d", msg.kind)
	}
	if err != nil {
		msg.replyOnce(err)
	}
	return err
}

// executeTimeBasedActions advances the actor clock to the message
// timestamp, purges expired interface cache entries and refreshes the
// device-level triggers when their lifespan elapsed.
func (u *DataUpdater) executeTimeBasedActions(ctx context.Context, timestamp int64) {
	u.lastSeenMessage = timestamp
	u.purgeExpiredInterfaces(timestamp)

	if u.lastDeviceTriggersRefresh+deviceTriggersLifespanTicks <= timestamp {
		if err := u.refreshDeviceTriggers(ctx); err != nil {
			// Stale triggers are better than a crash loop; retried on the
			// next message.
			u.logger.Warn("Failed to refresh device triggers", "error", err)
			return
		}
		u.lastDeviceTriggersRefresh = timestamp
	}
}

func (u *DataUpdater) purgeExpiredInterfaces(timestamp int64) {
	purged := 0
	for _, entry := range u.interfacesByExpiry {
		if entry.expireAt > timestamp {
			break
		}
		u.forgetInterface(entry.interfaceName)
		purged++
	}
	if purged > 0 {
		u.interfacesByExpiry = u.interfacesByExpiry[purged:]
	}
}

// forgetInterface unloads an interface: descriptor, mappings, id index and
// every data trigger keyed by its id.
func (u *DataUpdater) forgetInterface(name string) {
	descriptor, ok := u.interfaces[name]
	if !ok {
		return
	}
	u.triggers.ForgetInterface(descriptor.InterfaceID)
	delete(u.interfaceIDsToName, descriptor.InterfaceID)
	for endpointID, mapping := range u.mappings {
		if mapping.InterfaceID == descriptor.InterfaceID {
			delete(u.mappings, endpointID)
		}
	}
	delete(u.interfaces, name)
}

// maybeLoadInterface returns the loaded descriptor for an interface name,
// fetching it on a cache miss. The device must declare the interface in its
// introspection; queries.ErrInterfaceNotFound and a missing introspection
// entry surface as schema errors the caller treats as payload violations.
func (u *DataUpdater) maybeLoadInterface(ctx context.Context, name string) (*interfaces.Descriptor, error) {
	if descriptor, ok := u.interfaces[name]; ok {
		return descriptor, nil
	}

	major, ok := u.introspection[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not declared by device", errInterfaceNotDeclared, name)
	}
	descriptor, mappings, err := u.repo.LoadInterface(ctx, name, major)
	if err != nil {
		return nil, err
	}

	u.interfaces[name] = descriptor
	u.interfaceIDsToName[descriptor.InterfaceID] = name
	for _, mapping := range mappings {
		u.mappings[mapping.EndpointID] = mapping
	}
	u.interfacesByExpiry = append(u.interfacesByExpiry, interfaceExpiry{
		expireAt:      u.lastSeenMessage + interfaceLifespanTicks,
		interfaceName: name,
	})

	if err := u.populateTriggersForObject(ctx, descriptor.InterfaceID, triggers.ObjectInterface); err != nil {
		return nil, err
	}
	u.reapplyVolatileTriggers(ctx, func(v volatileTrigger) bool {
		return v.objectType == triggers.ObjectInterface && v.objectID == descriptor.InterfaceID
	})
	return descriptor, nil
}

var errInterfaceNotDeclared = errors.New("interface not in introspection")

// loadDeviceTriggers installs the triggers attached to this device, to any
// device and to any interface.
func (u *DataUpdater) loadDeviceTriggers(ctx context.Context) error {
	objects := []struct {
		id         uuid.UUID
		objectType triggers.ObjectType
	}{
		{uuid.UUID(u.deviceID), triggers.ObjectDevice},
		{triggers.AnyDeviceObjectID, triggers.ObjectAnyDevice},
		{triggers.AnyInterfaceObjectID, triggers.ObjectAnyInterface},
	}
	for _, object := range objects {
		if err := u.populateTriggersForObject(ctx, object.id, object.objectType); err != nil {
			return err
		}
	}
	return nil
}

// refreshDeviceTriggers drops and reloads the device-level trigger tables,
// then re-applies the volatile triggers they covered.
func (u *DataUpdater) refreshDeviceTriggers(ctx context.Context) error {
	u.triggers.ResetDeviceTriggers()
	if err := u.loadDeviceTriggers(ctx); err != nil {
		return err
	}
	u.reapplyVolatileTriggers(ctx, func(v volatileTrigger) bool {
		return v.objectType != triggers.ObjectInterface
	})
	return nil
}

func (u *DataUpdater) populateTriggersForObject(ctx context.Context, objectID uuid.UUID, objectType triggers.ObjectType) error {
	rows, err := u.repo.FetchSimpleTriggers(ctx, objectID, int(objectType))
	if err != nil {
		return err
	}
	resolver := u.endpointResolver(ctx)
	for _, row := range rows {
		err := u.triggers.Install(objectID, objectType, row.ParentTriggerID, row.SimpleTriggerID, row.TriggerData, row.TriggerTarget, resolver)
		if err != nil {
			u.logger.Warn("Skipping malformed trigger",
				"simple_trigger_id", row.SimpleTriggerID, "object_type", objectType.String(), "error", err)
		}
	}
	return nil
}

func (u *DataUpdater) reapplyVolatileTriggers(ctx context.Context, match func(volatileTrigger) bool) {
	resolver := u.endpointResolver(ctx)
	for _, v := range u.volatileTriggers {
		if !match(v) {
			continue
		}
		err := u.triggers.Install(v.objectID, v.objectType, v.parentTriggerID, v.simpleTriggerID, v.triggerData, v.triggerTarget, resolver)
		if err != nil {
			u.logger.Warn("Failed to re-apply volatile trigger",
				"simple_trigger_id", v.simpleTriggerID, "error", err)
		}
	}
}

// endpointResolver resolves trigger match paths against the loaded schema,
// falling back to the database for interfaces the actor has not cached.
// Specific match paths are only meaningful on individually aggregated
// interfaces; object streams fire as a whole.
func (u *DataUpdater) endpointResolver(ctx context.Context) triggers.EndpointResolver {
	return func(interfaceName string, interfaceMajor int, matchPath string) (uuid.UUID, error) {
		descriptor, ok := u.interfaces[interfaceName]
		if !ok || descriptor.MajorVersion != interfaceMajor {
			var err error
			descriptor, _, err = u.repo.LoadInterface(ctx, interfaceName, interfaceMajor)
			if err != nil {
				return uuid.Nil, err
			}
		}
		if descriptor.Aggregation != interfaces.AggregationIndividual {
			return uuid.Nil, fmt.Errorf("match path %q requires an individually aggregated interface", matchPath)
		}

		resolution, err := descriptor.Automaton.Resolve(matchPath)
		if err != nil {
			return uuid.Nil, err
		}
		if !resolution.Exact {
			return uuid.Nil, fmt.Errorf("match path %q does not resolve to a single endpoint", matchPath)
		}
		return resolution.EndpointID, nil
	}
}

// handleConnection records the session, fires device_connected triggers and
// acknowledges the message.
func (u *DataUpdater) handleConnection(ctx context.Context, msg *message) error {
	ip := net.ParseIP(msg.ip)
	if ip == nil {
		u.logger.Warn("Unparsable remote IP on connection", "ip", msg.ip)
		ip = net.IPv4zero
	}
	timestampMillis := timeutil.ToMillis(msg.timestamp)

	if err := u.repo.SetDeviceConnected(ctx, u.deviceID, timestampMillis, ip); err != nil {
		return err
	}
	targets := u.triggers.Device[triggers.OnDeviceConnection]
	if err := u.emitter.DeviceConnected(ctx, targets, u.realm, u.encodedDeviceID, ip.String(), timestampMillis); err != nil {
		return err
	}
	if err := u.tracker.AckDelivery(msg.messageID); err != nil {
		return err
	}
	u.connected = true
	u.logger.Info("Device connected", "ip", ip.String())
	return nil
}

// handleDisconnection persists the session end with the accumulated
// counters, fires device_disconnected triggers and acknowledges.
func (u *DataUpdater) handleDisconnection(ctx context.Context, msg *message) error {
	timestampMillis := timeutil.ToMillis(msg.timestamp)
	err := u.repo.SetDeviceDisconnected(ctx, u.deviceID, timestampMillis, u.totalReceivedMsgs, u.totalReceivedBytes)
	if err != nil {
		return err
	}
	targets := u.triggers.Device[triggers.OnDeviceDisconnection]
	if err := u.emitter.DeviceDisconnected(ctx, targets, u.realm, u.encodedDeviceID, timestampMillis); err != nil {
		return err
	}
	if err := u.tracker.AckDelivery(msg.messageID); err != nil {
		return err
	}
	u.connected = false
	u.logger.Info("Device disconnected")
	return nil
}

// askCleanSession flags the device for resynchronization and drops its
// broker session so it reconnects with an empty cache.
func (u *DataUpdater) askCleanSession(ctx context.Context) error {
	if err := u.repo.SetPendingEmptyCache(ctx, u.deviceID, true); err != nil {
		return err
	}
	clientID := fmt.Sprintf("%s/%s", u.realm, u.encodedDeviceID)
	if err := u.broker.Disconnect(ctx, clientID, true); err != nil {
		return err
	}
	return nil
}

// discardViolation handles a malformed device message: warn, ask a clean
// session and drop the message without requeue.
func (u *DataUpdater) discardViolation(ctx context.Context, msg *message, reason string, attrs ...any) error {
	u.logger.Warn("Discarding message: "+reason, attrs...)
	if err := u.askCleanSession(ctx); err != nil {
		return err
	}
	return u.tracker.Discard(msg.messageID)
}

// updateStats accumulates the device message counters, persisted on the
// next disconnection.
func (u *DataUpdater) updateStats(msg *message) {
	u.totalReceivedMsgs++
	u.totalReceivedBytes += int64(len(msg.payload) + len(msg.interfaceName) + len(msg.path))
}

// dataTriggerTargets collects the targets of every trigger matching an
// event, in the any-interface, any-endpoint, specific-endpoint order.
func (u *DataUpdater) dataTriggerTargets(event triggers.DataEvent, interfaceID, endpointID uuid.UUID, path string, value any) []triggers.Target {
	var targets []triggers.Target
	for _, t := range u.triggers.MatchingDataTriggers(event, uuid.Nil, uuid.Nil, path, value) {
		targets = append(targets, t.Targets...)
	}
	for _, t := range u.triggers.MatchingDataTriggers(event, interfaceID, uuid.Nil, path, value) {
		targets = append(targets, t.Targets...)
	}
	for _, t := range u.triggers.MatchingDataTriggers(event, interfaceID, endpointID, path, value) {
		targets = append(targets, t.Targets...)
	}
	return targets
}

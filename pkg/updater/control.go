package updater

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/payloads"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/queries"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/timeutil"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/triggers"
)

func (u *DataUpdater) handleControl(ctx context.Context, msg *message) error {
	defer u.updateStats(msg)

	switch msg.path {
	case "/producer/properties":
		return u.handleProducerProperties(ctx, msg)
	case "/emptyCache":
		return u.handleEmptyCache(ctx, msg)
	default:
		return u.discardViolation(ctx, msg, "unexpected control path", "control_path", msg.path)
	}
}

// handleProducerProperties prunes stored device-owned properties down to the
// set the device declares it still has. An oversized payload is refused
// before inflation and dropped with no side effects.
func (u *DataUpdater) handleProducerProperties(ctx context.Context, msg *message) error {
	declared, err := payloads.DecodeDeviceProperties(msg.payload)
	if err != nil {
		if errors.Is(err, payloads.ErrPayloadTooLarge) {
			u.logger.Warn("Discarding oversized properties payload", "error", err)
			return u.tracker.Discard(msg.messageID)
		}
		return u.discardViolation(ctx, msg, "invalid properties payload", "error", err)
	}

	timestampMillis := timeutil.ToMillis(msg.timestamp)
	for _, name := range sortedNames(u.introspection) {
		descriptor, err := u.maybeLoadInterface(ctx, name)
		if err != nil {
			if isSchemaViolation(err) {
				u.logger.Warn("Skipping unknown interface during prune", "interface", name, "error", err)
				continue
			}
			return err
		}
		if descriptor.Ownership != interfaces.OwnershipDevice || descriptor.Type != interfaces.TypeProperties {
			continue
		}

		stored, err := u.repo.FetchPropertyPaths(ctx, u.deviceID, descriptor.InterfaceID)
		if err != nil {
			return err
		}
		for _, row := range stored {
			if _, keep := declared[payloads.Property{Interface: name, Path: row.Path}]; keep {
				continue
			}
			mapping := u.mappings[row.EndpointID]
			consistency := queries.DataConsistency(interfaces.TypeProperties, mapping.Reliability, mapping.Retention)
			if err := u.repo.DeletePropertyValue(ctx, u.deviceID, descriptor.InterfaceID, row.EndpointID, row.Path, consistency); err != nil {
				return err
			}
			removedTargets := u.dataTriggerTargets(triggers.OnPathRemoved, descriptor.InterfaceID, row.EndpointID, row.Path, nil)
			if len(removedTargets) > 0 {
				err := u.emitter.PathRemoved(ctx, removedTargets, u.realm, u.encodedDeviceID, name, row.Path, timestampMillis)
				if err != nil {
					return err
				}
			}
		}
	}

	return u.tracker.AckDelivery(msg.messageID)
}

// handleEmptyCache resynchronizes a device that reconnected with no session
// state: it is sent the list of its server-owned property paths, then every
// stored value, and the pending flag is cleared.
func (u *DataUpdater) handleEmptyCache(ctx context.Context, msg *message) error {
	if err := u.sendConsumerProperties(ctx); err != nil {
		return err
	}
	if err := u.resendServerProperties(ctx); err != nil {
		return err
	}
	if err := u.repo.SetPendingEmptyCache(ctx, u.deviceID, false); err != nil {
		return err
	}

	targets := u.triggers.Device[triggers.OnDeviceEmptyCache]
	if len(targets) > 0 {
		err := u.emitter.DeviceEmptyCacheReceived(ctx, targets, u.realm, u.encodedDeviceID, timeutil.ToMillis(msg.timestamp))
		if err != nil {
			return err
		}
	}

	return u.tracker.AckDelivery(msg.messageID)
}

// sendConsumerProperties publishes the control message listing every stored
// server-owned property path, so the device drops the ones it should no
// longer hold.
func (u *DataUpdater) sendConsumerProperties(ctx context.Context) error {
	var entries []string
	for _, name := range sortedNames(u.introspection) {
		descriptor, err := u.serverPropertiesDescriptor(ctx, name)
		if descriptor == nil {
			if err != nil {
				return err
			}
			continue
		}
		stored, err := u.repo.FetchPropertyPaths(ctx, u.deviceID, descriptor.InterfaceID)
		if err != nil {
			return err
		}
		for _, row := range stored {
			entries = append(entries, name+row.Path)
		}
	}

	payload, err := payloads.EncodeDeviceProperties(entries)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/%s/control/consumer/properties", u.realm, u.encodedDeviceID)
	return u.broker.Publish(ctx, topic, payload, 2)
}

// resendServerProperties publishes every stored server-owned property value
// back to the device at QoS 2.
func (u *DataUpdater) resendServerProperties(ctx context.Context) error {
	for _, name := range sortedNames(u.introspection) {
		descriptor, err := u.serverPropertiesDescriptor(ctx, name)
		if descriptor == nil {
			if err != nil {
				return err
			}
			continue
		}
		for _, mapping := range u.interfaceMappings(descriptor.InterfaceID) {
			values, err := u.repo.FetchEndpointValues(ctx, u.deviceID, descriptor.InterfaceID, mapping.EndpointID, mapping.ValueType)
			if err != nil {
				return err
			}
			for _, row := range values {
				payload, err := payloads.EncodeBSONValue(row.Value)
				if err != nil {
					return err
				}
				topic := fmt.Sprintf("%s/%s/%s%s", u.realm, u.encodedDeviceID, name, row.Path)
				if err := u.broker.Publish(ctx, topic, payload, 2); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// serverPropertiesDescriptor loads an interface and returns it only when it
// is a server-owned properties one. Interfaces missing from the schema store
// are skipped with a warning: the introspection may be ahead of the realm.
func (u *DataUpdater) serverPropertiesDescriptor(ctx context.Context, name string) (*interfaces.Descriptor, error) {
	descriptor, err := u.maybeLoadInterface(ctx, name)
	if err != nil {
		if isSchemaViolation(err) {
			u.logger.Warn("Skipping unknown interface during resync", "interface", name, "error", err)
			return nil, nil
		}
		return nil, err
	}
	if descriptor.Ownership != interfaces.OwnershipServer || descriptor.Type != interfaces.TypeProperties {
		return nil, nil
	}
	return descriptor, nil
}

// interfaceMappings lists the mappings of one interface in endpoint order.
func (u *DataUpdater) interfaceMappings(interfaceID uuid.UUID) []interfaces.Mapping {
	var out []interfaces.Mapping
	for _, mapping := range u.mappings {
		if mapping.InterfaceID == interfaceID {
			out = append(out, mapping)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func sortedNames(introspection map[string]int) []string {
	names := make([]string, 0, len(introspection))
	for name := range introspection {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package updater

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/payloads"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/queries"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/timeutil"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/triggers"
)

var (
	errMappingNotFound     = errors.New("no endpoint matches the path")
	errGuessedEndpoints    = errors.New("path resolves to multiple endpoints")
	errInvalidObjectPath   = errors.New("path does not address an aggregated object")
	errUnexpectedObjectKey = errors.New("unexpected object key")
)

// resolvedEndpoint is the outcome of matching a data path against the
// interface schema. Individual aggregations carry the endpoint's mapping;
// object aggregations carry the shared object mapping plus the per-key
// column mappings.
type resolvedEndpoint struct {
	endpointID    uuid.UUID
	mapping       interfaces.Mapping
	objectColumns map[string]interfaces.Mapping
}

// handleData runs the ingestion critical path: validate, resolve, decode,
// match triggers, persist and acknowledge. Malformed publishes discard the
// message and ask the device for a clean session; database and publish
// failures crash the actor so the message is requeued.
func (u *DataUpdater) handleData(ctx context.Context, msg *message) error {
	defer u.updateStats(msg)

	if strings.Contains(msg.path, "//") {
		return u.discardViolation(ctx, msg, "invalid path",
			"interface", msg.interfaceName, "path", msg.path)
	}

	descriptor, err := u.maybeLoadInterface(ctx, msg.interfaceName)
	if err != nil {
		if isSchemaViolation(err) {
			return u.discardViolation(ctx, msg, "cannot load interface",
				"interface", msg.interfaceName, "error", err)
		}
		return err
	}

	if descriptor.Ownership == interfaces.OwnershipServer {
		return u.discardViolation(ctx, msg, "write on server-owned interface",
			"interface", msg.interfaceName, "path", msg.path)
	}

	resolved, err := u.resolveEndpoint(descriptor, msg.path)
	if err != nil {
		return u.discardViolation(ctx, msg, "cannot resolve path",
			"interface", msg.interfaceName, "path", msg.path, "error", err)
	}

	value, explicitMillis, _, err := payloads.DecodeBSONValue(msg.payload)
	if err != nil {
		return u.discardViolation(ctx, msg, "undecodable payload",
			"interface", msg.interfaceName, "path", msg.path, "error", err)
	}

	var normalized any
	if value != nil {
		if descriptor.Aggregation == interfaces.AggregationObject {
			doc, ok := value.(bson.M)
			if !ok {
				return u.discardViolation(ctx, msg, "object interface expects a document",
					"interface", msg.interfaceName, "path", msg.path)
			}
			objectValues, err := normalizeObject(resolved.objectColumns, doc)
			if err != nil {
				return u.discardViolation(ctx, msg, "invalid object payload",
					"interface", msg.interfaceName, "path", msg.path, "error", err)
			}
			normalized = objectValues
		} else {
			normalized, err = interfaces.NormalizeValue(resolved.mapping.ValueType, value)
			if err != nil {
				return u.discardViolation(ctx, msg, "invalid value",
					"interface", msg.interfaceName, "path", msg.path, "error", err)
			}
		}
	}

	receptionMillis := timeutil.ToMillis(msg.timestamp)
	eventMillis := receptionMillis
	if explicitMillis != nil {
		eventMillis = *explicitMillis
	}
	valueMillis := receptionMillis
	if resolved.mapping.ExplicitTimestamp && explicitMillis != nil {
		valueMillis = *explicitMillis
	}

	incomingTargets := u.dataTriggerTargets(triggers.OnIncomingData, descriptor.InterfaceID, resolved.endpointID, msg.path, normalized)
	if len(incomingTargets) > 0 {
		err := u.emitter.IncomingData(ctx, incomingTargets, u.realm, u.encodedDeviceID, msg.interfaceName, msg.path, msg.payload, eventMillis)
		if err != nil {
			return err
		}
	}

	changeTargets := u.dataTriggerTargets(triggers.OnValueChange, descriptor.InterfaceID, resolved.endpointID, msg.path, normalized)
	appliedTargets := u.dataTriggerTargets(triggers.OnValueChangeApplied, descriptor.InterfaceID, resolved.endpointID, msg.path, normalized)
	createdTargets := u.dataTriggerTargets(triggers.OnPathCreated, descriptor.InterfaceID, resolved.endpointID, msg.path, normalized)
	removedTargets := u.dataTriggerTargets(triggers.OnPathRemoved, descriptor.InterfaceID, resolved.endpointID, msg.path, normalized)

	var previous any
	if len(changeTargets)+len(appliedTargets)+len(createdTargets) > 0 &&
		descriptor.Type == interfaces.TypeProperties && descriptor.Aggregation == interfaces.AggregationIndividual {
		previous, err = u.repo.FetchPropertyValue(ctx, u.deviceID, descriptor.InterfaceID, resolved.endpointID, msg.path, resolved.mapping.ValueType)
		if err != nil {
			return err
		}
	}
	changed := !storedValuesEqual(previous, normalized)

	if changed && len(changeTargets) > 0 {
		oldValue, err := payloads.EncodeBSONValue(previous)
		if err != nil {
			return err
		}
		err = u.emitter.ValueChange(ctx, changeTargets, u.realm, u.encodedDeviceID, msg.interfaceName, msg.path, oldValue, msg.payload, eventMillis)
		if err != nil {
			return err
		}
	}

	if descriptor.Type == interfaces.TypeDatastream {
		if normalized == nil {
			u.logger.Warn("Discarding datastream message with no value",
				"interface", msg.interfaceName, "path", msg.path)
			return u.tracker.Discard(msg.messageID)
		}
		if err := u.ensurePathRegistered(ctx, descriptor, resolved, msg.path, valueMillis, msg.timestamp); err != nil {
			return err
		}
	}

	if err := u.storeValue(ctx, descriptor, resolved, msg.path, normalized, valueMillis, msg.timestamp); err != nil {
		return err
	}

	switch {
	case previous == nil && normalized != nil:
		if len(createdTargets) > 0 {
			err := u.emitter.PathCreated(ctx, createdTargets, u.realm, u.encodedDeviceID, msg.interfaceName, msg.path, msg.payload, eventMillis)
			if err != nil {
				return err
			}
		}
	case previous != nil && normalized == nil:
		if len(removedTargets) > 0 {
			err := u.emitter.PathRemoved(ctx, removedTargets, u.realm, u.encodedDeviceID, msg.interfaceName, msg.path, eventMillis)
			if err != nil {
				return err
			}
		}
	}
	if changed && len(appliedTargets) > 0 {
		oldValue, err := payloads.EncodeBSONValue(previous)
		if err != nil {
			return err
		}
		err = u.emitter.ValueChangeApplied(ctx, appliedTargets, u.realm, u.encodedDeviceID, msg.interfaceName, msg.path, oldValue, msg.payload, eventMillis)
		if err != nil {
			return err
		}
	}

	return u.tracker.AckDelivery(msg.messageID)
}

// resolveEndpoint matches a path against the interface automaton. An
// individual aggregation needs an exact endpoint; an object aggregation
// needs a path one level above its endpoints, every candidate included.
func (u *DataUpdater) resolveEndpoint(descriptor *interfaces.Descriptor, path string) (resolvedEndpoint, error) {
	resolution, err := descriptor.Automaton.Resolve(path)
	if err != nil {
		return resolvedEndpoint{}, fmt.Errorf("%w: %s", errMappingNotFound, path)
	}

	if descriptor.Aggregation == interfaces.AggregationIndividual {
		if !resolution.Exact {
			return resolvedEndpoint{}, fmt.Errorf("%w: %s", errGuessedEndpoints, path)
		}
		mapping, ok := u.mappings[resolution.EndpointID]
		if !ok {
			return resolvedEndpoint{}, fmt.Errorf("%w: %s", errMappingNotFound, path)
		}
		return resolvedEndpoint{endpointID: resolution.EndpointID, mapping: mapping}, nil
	}

	if resolution.Exact {
		return resolvedEndpoint{}, fmt.Errorf("%w: %s", errInvalidObjectPath, path)
	}
	expectedDepth := interfaces.PathDepth(path) + 1
	for _, endpointID := range resolution.Guessed {
		mapping, ok := u.mappings[endpointID]
		if !ok || mapping.Depth() != expectedDepth {
			return resolvedEndpoint{}, fmt.Errorf("%w: %s", errInvalidObjectPath, path)
		}
	}
	return resolvedEndpoint{
		endpointID:    interfaces.EndpointID(descriptor.Name, descriptor.MajorVersion, ""),
		mapping:       u.mappings[resolution.Guessed[0]],
		objectColumns: descriptor.ObjectColumns(u.mappings),
	}, nil
}

func normalizeObject(columns map[string]interfaces.Mapping, doc bson.M) (map[string]any, error) {
	out := make(map[string]any, len(doc))
	for key, item := range doc {
		mapping, ok := columns[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", errUnexpectedObjectKey, key)
		}
		normalized, err := interfaces.NormalizeValue(mapping.ValueType, item)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out[key] = normalized
	}
	return out, nil
}

// ensurePathRegistered guarantees a datastream path has a live registry
// row. The paths cache short-circuits the check; a registered row close to
// expiry is re-registered so the registry outlives the data.
func (u *DataUpdater) ensurePathRegistered(ctx context.Context, descriptor *interfaces.Descriptor, resolved resolvedEndpoint, path string, valueMillis, receptionDecimicro int64) error {
	key := pathKey{interfaceName: descriptor.Name, path: path}
	if u.pathsCache.Contains(key) {
		return nil
	}

	registered, ttlRemaining, err := u.repo.FetchPathExpiry(ctx, u.deviceID, descriptor.InterfaceID, resolved.endpointID, path)
	if err != nil {
		return err
	}
	stillValid := registered
	if registered && ttlRemaining != nil {
		required := 3600
		if u.storageRetention != nil {
			required += *u.storageRetention
		}
		stillValid = *ttlRemaining > required
	}
	if !stillValid {
		err := u.repo.InsertPathRow(ctx, u.deviceID, descriptor.InterfaceID, resolved.endpointID, path,
			valueMillis, receptionDecimicro, queries.PathRegistryTTL(u.storageRetention), queries.PathConsistency(resolved.mapping.Reliability))
		if err != nil {
			return err
		}
	}

	u.pathsCache.Add(key, struct{}{})
	return nil
}

// storeValue persists the decoded value according to the interface storage
// layout. Property unsets delete the row only on mappings that allow it.
func (u *DataUpdater) storeValue(ctx context.Context, descriptor *interfaces.Descriptor, resolved resolvedEndpoint, path string, normalized any, valueMillis, receptionDecimicro int64) error {
	consistency := queries.DataConsistency(descriptor.Type, resolved.mapping.Reliability, resolved.mapping.Retention)

	switch descriptor.StorageType {
	case interfaces.StorageMultiInterfaceIndividualProperties:
		if normalized != nil {
			return u.repo.InsertPropertyValue(ctx, u.deviceID, descriptor.InterfaceID, resolved.endpointID, path,
				receptionDecimicro, resolved.mapping.ValueType, normalized, consistency)
		}
		if resolved.mapping.AllowUnset {
			return u.repo.DeletePropertyValue(ctx, u.deviceID, descriptor.InterfaceID, resolved.endpointID, path, consistency)
		}
		u.logger.Warn("Unset on a mapping that does not allow it",
			"interface", descriptor.Name, "path", path)
		return nil

	case interfaces.StorageMultiInterfaceIndividualDatastream:
		return u.repo.InsertIndividualDatastream(ctx, u.deviceID, descriptor.InterfaceID, resolved.endpointID, path,
			valueMillis, receptionDecimicro, resolved.mapping.ValueType, normalized,
			effectiveTTL(resolved.mapping, u.storageRetention), consistency)

	case interfaces.StorageOneObjectDatastream:
		objectValues, _ := normalized.(map[string]any)
		columns := make([]queries.ObjectColumn, 0, len(objectValues))
		for key, item := range objectValues {
			if _, ok := resolved.objectColumns[key]; !ok {
				u.logger.Warn("Skipping unknown object key", "interface", descriptor.Name, "key", key)
				continue
			}
			columns = append(columns, queries.ObjectColumn{
				Column: interfaces.EndpointToDBColumnName(key),
				Value:  item,
			})
		}
		return u.repo.InsertObjectDatastream(ctx, descriptor.Storage, u.deviceID, path,
			valueMillis, receptionDecimicro, resolved.mapping.ExplicitTimestamp, columns,
			effectiveTTL(resolved.mapping, u.storageRetention), consistency)

	default:
		return fmt.Errorf("unsupported storage type %s for interface %s", descriptor.StorageType, descriptor.Name)
	}
}

// effectiveTTL combines the mapping retention with the realm-wide maximum:
// the row expires at the earliest of the two.
func effectiveTTL(mapping interfaces.Mapping, realmRetention *int) *int {
	var ttl *int
	if mapping.DatabaseRetentionPolicy == interfaces.DatabaseRetentionUseTTL && mapping.DatabaseRetentionTTL > 0 {
		v := mapping.DatabaseRetentionTTL
		ttl = &v
	}
	if realmRetention != nil && (ttl == nil || *realmRetention < *ttl) {
		v := *realmRetention
		ttl = &v
	}
	return ttl
}

// storedValuesEqual compares a stored property value with the incoming
// normalized one.
func storedValuesEqual(previous, next any) bool {
	if prevTime, ok := previous.(time.Time); ok {
		nextTime, ok := next.(time.Time)
		return ok && prevTime.Equal(nextTime)
	}
	return reflect.DeepEqual(previous, next)
}

// isSchemaViolation separates "the device talks about an interface it does
// not have" from infrastructure failures while loading schemas.
func isSchemaViolation(err error) bool {
	return errors.Is(err, errInterfaceNotDeclared) || errors.Is(err, queries.ErrInterfaceNotFound)
}

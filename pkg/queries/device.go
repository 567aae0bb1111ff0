package queries

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gocql/gocql"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/deviceid"
)

// DeviceState is the per-device persistent state an actor loads on start.
type DeviceState struct {
	Introspection      map[string]int
	IntrospectionMinor map[string]int
	TotalReceivedMsgs  int64
	TotalReceivedBytes int64
}

// FetchDeviceState loads the device row fields the actor keeps in memory.
func (r *RealmQueries) FetchDeviceState(ctx context.Context, deviceID deviceid.DeviceID) (*DeviceState, error) {
	state := &DeviceState{
		Introspection:      make(map[string]int),
		IntrospectionMinor: make(map[string]int),
	}

	stmt := fmt.Sprintf(`SELECT introspection, introspection_minor, total_received_msgs, total_received_bytes FROM %s.devices WHERE device_id=?`, r.keyspace)
	err := r.session.Query(stmt, gocql.UUID(deviceID)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Scan(&state.Introspection, &state.IntrospectionMinor, &state.TotalReceivedMsgs, &state.TotalReceivedBytes)
	if err == gocql.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device state for %s: %w", deviceID, err)
	}
	return state, nil
}

// SetDeviceConnected marks the device session established.
func (r *RealmQueries) SetDeviceConnected(ctx context.Context, deviceID deviceid.DeviceID, timestampMillis int64, ip net.IP) error {
	stmt := fmt.Sprintf(`UPDATE %s.devices SET connected=true, last_connection=?, last_seen_ip=? WHERE device_id=?`, r.keyspace)
	err := r.session.Query(stmt, time.UnixMilli(timestampMillis).UTC(), ip.String(), gocql.UUID(deviceID)).
		WithContext(ctx).
		Consistency(gocql.LocalQuorum).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to set device %s connected: %w", deviceID, err)
	}
	return nil
}

// SetDeviceDisconnected marks the session closed and persists the message
// counters accumulated by the actor.
func (r *RealmQueries) SetDeviceDisconnected(ctx context.Context, deviceID deviceid.DeviceID, timestampMillis, totalReceivedMsgs, totalReceivedBytes int64) error {
	stmt := fmt.Sprintf(`UPDATE %s.devices SET connected=false, last_disconnection=?, total_received_msgs=?, total_received_bytes=? WHERE device_id=?`, r.keyspace)
	err := r.session.Query(stmt, time.UnixMilli(timestampMillis).UTC(), totalReceivedMsgs, totalReceivedBytes, gocql.UUID(deviceID)).
		WithContext(ctx).
		Consistency(gocql.LocalQuorum).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to set device %s disconnected: %w", deviceID, err)
	}
	return nil
}

// SetPendingEmptyCache flags the device for a clean session: the device is
// expected to resynchronize with an emptyCache exchange on reconnection.
func (r *RealmQueries) SetPendingEmptyCache(ctx context.Context, deviceID deviceid.DeviceID, pending bool) error {
	stmt := fmt.Sprintf(`UPDATE %s.devices SET pending_empty_cache=? WHERE device_id=?`, r.keyspace)
	err := r.session.Query(stmt, pending, gocql.UUID(deviceID)).
		WithContext(ctx).
		Consistency(gocql.LocalQuorum).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to set pending empty cache for %s: %w", deviceID, err)
	}
	return nil
}

// UpdateDeviceIntrospection replaces the stored introspection maps.
func (r *RealmQueries) UpdateDeviceIntrospection(ctx context.Context, deviceID deviceid.DeviceID, majors, minors map[string]int) error {
	stmt := fmt.Sprintf(`UPDATE %s.devices SET introspection=?, introspection_minor=? WHERE device_id=?`, r.keyspace)
	err := r.session.Query(stmt, majors, minors, gocql.UUID(deviceID)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to update introspection for %s: %w", deviceID, err)
	}
	return nil
}

// AddOldInterfaces merges removed interfaces into the old-introspection bag,
// keyed "name:major" with the minor as value.
func (r *RealmQueries) AddOldInterfaces(ctx context.Context, deviceID deviceid.DeviceID, removed map[string]int) error {
	if len(removed) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`UPDATE %s.devices SET old_introspection = old_introspection + ? WHERE device_id=?`, r.keyspace)
	err := r.session.Query(stmt, removed, gocql.UUID(deviceID)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to add old interfaces for %s: %w", deviceID, err)
	}
	return nil
}

// RemoveOldInterfaces drops re-added interfaces from the old-introspection
// bag, by their "name:major" keys.
func (r *RealmQueries) RemoveOldInterfaces(ctx context.Context, deviceID deviceid.DeviceID, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`UPDATE %s.devices SET old_introspection = old_introspection - ? WHERE device_id=?`, r.keyspace)
	err := r.session.Query(stmt, keys, gocql.UUID(deviceID)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to remove old interfaces for %s: %w", deviceID, err)
	}
	return nil
}

// FetchIntrospectionVersion returns the major the device declared for an
// interface name.
func (r *RealmQueries) FetchIntrospectionVersion(ctx context.Context, deviceID deviceid.DeviceID, interfaceName string) (int, error) {
	var introspection map[string]int
	stmt := fmt.Sprintf(`SELECT introspection FROM %s.devices WHERE device_id=?`, r.keyspace)
	err := r.session.Query(stmt, gocql.UUID(deviceID)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Scan(&introspection)
	if err == gocql.ErrNotFound {
		return 0, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch introspection for %s: %w", deviceID, err)
	}
	major, ok := introspection[interfaceName]
	if !ok {
		return 0, fmt.Errorf("%w: %s on %s", ErrInterfaceNotInIntrospection, interfaceName, deviceID)
	}
	return major, nil
}

// RegisterDeviceWithInterface adds the device to the by-interface registry,
// used to enumerate devices with data on a specific interface.
func (r *RealmQueries) RegisterDeviceWithInterface(ctx context.Context, deviceID deviceid.DeviceID, interfaceName string, major int) error {
	group := fmt.Sprintf("devices-by-interface-%s-v%d", interfaceName, major)
	stmt := fmt.Sprintf(`INSERT INTO %s.kv_store (group, key) VALUES (?, ?)`, r.keyspace)
	err := r.session.Query(stmt, group, deviceID.String()).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to register device %s with interface %s: %w", deviceID, interfaceName, err)
	}
	return nil
}

// UnregisterDeviceWithInterface removes the device from the by-interface
// registry.
func (r *RealmQueries) UnregisterDeviceWithInterface(ctx context.Context, deviceID deviceid.DeviceID, interfaceName string, major int) error {
	group := fmt.Sprintf("devices-by-interface-%s-v%d", interfaceName, major)
	stmt := fmt.Sprintf(`DELETE FROM %s.kv_store WHERE group=? AND key=?`, r.keyspace)
	err := r.session.Query(stmt, group, deviceID.String()).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to unregister device %s from interface %s: %w", deviceID, interfaceName, err)
	}
	return nil
}

// FetchDatastreamMaximumStorageRetention reads the realm-level datastream
// TTL in seconds; nil means values are kept forever.
func (r *RealmQueries) FetchDatastreamMaximumStorageRetention(ctx context.Context) (*int, error) {
	var retention int64
	stmt := fmt.Sprintf(`SELECT blobAsBigint(value) FROM %s.kv_store WHERE group='realm_config' AND key='datastream_maximum_storage_retention'`, r.keyspace)
	err := r.session.Query(stmt).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Scan(&retention)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch datastream storage retention: %w", err)
	}
	if retention <= 0 {
		return nil, nil
	}
	seconds := int(retention)
	return &seconds, nil
}

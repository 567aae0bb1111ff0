package queries

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/deviceid"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/timeutil"
)

// InsertPropertyValue upserts a property row with the typed value column of
// the mapping.
func (r *RealmQueries) InsertPropertyValue(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, receptionDecimicro int64, valueType interfaces.ValueType, value any, consistency gocql.Consistency) error {
	column := valueType.ColumnName()
	if err := validIdentifier(column); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`INSERT INTO %s.individual_properties (device_id, interface_id, endpoint_id, path, reception_timestamp, reception_timestamp_submillis, %s) VALUES (?, ?, ?, ?, ?, ?, ?)`, r.keyspace, column)
	err := r.session.Query(stmt,
		gocql.UUID(deviceID), gocql.UUID(interfaceID), gocql.UUID(endpointID), path,
		time.UnixMilli(timeutil.ToMillis(receptionDecimicro)).UTC(),
		int(timeutil.SubmillisTicks(receptionDecimicro)),
		value).
		WithContext(ctx).
		Consistency(consistency).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to insert property %s on %s: %w", path, interfaceID, err)
	}
	return nil
}

// DeletePropertyValue removes a property row; used on unset and prune.
func (r *RealmQueries) DeletePropertyValue(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, consistency gocql.Consistency) error {
	stmt := fmt.Sprintf(`DELETE FROM %s.individual_properties WHERE device_id=? AND interface_id=? AND endpoint_id=? AND path=?`, r.keyspace)
	err := r.session.Query(stmt, gocql.UUID(deviceID), gocql.UUID(interfaceID), gocql.UUID(endpointID), path).
		WithContext(ctx).
		Consistency(consistency).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to delete property %s on %s: %w", path, interfaceID, err)
	}
	return nil
}

// FetchPropertyValue reads the stored value of a property path, or nil when
// the path has no stored value.
func (r *RealmQueries) FetchPropertyValue(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, valueType interfaces.ValueType) (any, error) {
	column := valueType.ColumnName()
	if err := validIdentifier(column); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`SELECT %s FROM %s.individual_properties WHERE device_id=? AND interface_id=? AND endpoint_id=? AND path=?`, column, r.keyspace)

	dest := scanDestination(valueType)
	err := r.session.Query(stmt, gocql.UUID(deviceID), gocql.UUID(interfaceID), gocql.UUID(endpointID), path).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Scan(dest.ptr)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch property %s on %s: %w", path, interfaceID, err)
	}
	return dest.value(), nil
}

// PropertyPath is one stored property row key.
type PropertyPath struct {
	EndpointID uuid.UUID
	Path       string
}

// FetchPropertyPaths lists the stored property rows of an interface, used
// by pruning to diff against the paths the device still declares.
func (r *RealmQueries) FetchPropertyPaths(ctx context.Context, deviceID deviceid.DeviceID, interfaceID uuid.UUID) ([]PropertyPath, error) {
	stmt := fmt.Sprintf(`SELECT endpoint_id, path FROM %s.individual_properties WHERE device_id=? AND interface_id=?`, r.keyspace)
	iter := r.session.Query(stmt, gocql.UUID(deviceID), gocql.UUID(interfaceID)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Iter()

	var paths []PropertyPath
	var endpointID gocql.UUID
	var path string
	for iter.Scan(&endpointID, &path) {
		paths = append(paths, PropertyPath{EndpointID: uuid.UUID(endpointID), Path: path})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list property paths for %s: %w", interfaceID, err)
	}
	return paths, nil
}

// PathValue is one stored property path with its decoded value.
type PathValue struct {
	Path  string
	Value any
}

// FetchEndpointValues reads every stored path and value under one endpoint,
// used to resend server-owned properties on an emptyCache exchange.
func (r *RealmQueries) FetchEndpointValues(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, valueType interfaces.ValueType) ([]PathValue, error) {
	column := valueType.ColumnName()
	if err := validIdentifier(column); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`SELECT path, %s FROM %s.individual_properties WHERE device_id=? AND interface_id=? AND endpoint_id=?`, column, r.keyspace)
	iter := r.session.Query(stmt, gocql.UUID(deviceID), gocql.UUID(interfaceID), gocql.UUID(endpointID)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Iter()

	var values []PathValue
	var path string
	for {
		dest := scanDestination(valueType)
		if !iter.Scan(&path, dest.ptr) {
			break
		}
		values = append(values, PathValue{Path: path, Value: dest.value()})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch endpoint values for %s: %w", endpointID, err)
	}
	return values, nil
}

// typedDest adapts a value type to a scan destination.
type typedDest struct {
	ptr   any
	value func() any
}

func scanDestination(valueType interfaces.ValueType) typedDest {
	switch valueType {
	case interfaces.ValueTypeDouble:
		v := new(float64)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeInteger:
		v := new(int32)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeBoolean:
		v := new(bool)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeLongInteger:
		v := new(int64)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeString:
		v := new(string)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeBinaryBlob:
		v := new([]byte)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeDateTime:
		v := new(time.Time)
		return typedDest{ptr: v, value: func() any { return (*v).UTC() }}
	case interfaces.ValueTypeDoubleArray:
		v := new([]float64)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeIntegerArray:
		v := new([]int32)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeBooleanArray:
		v := new([]bool)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeLongIntegerArray:
		v := new([]int64)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeStringArray:
		v := new([]string)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeBinaryBlobArray:
		v := new([][]byte)
		return typedDest{ptr: v, value: func() any { return *v }}
	case interfaces.ValueTypeDateTimeArray:
		v := new([]time.Time)
		return typedDest{ptr: v, value: func() any { return *v }}
	default:
		v := new([]byte)
		return typedDest{ptr: v, value: func() any { return *v }}
	}
}

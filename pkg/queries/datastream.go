package queries

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/deviceid"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/timeutil"
)

// InsertIndividualDatastream appends one datastream value row. ttl is in
// seconds; nil appends without expiry.
func (r *RealmQueries) InsertIndividualDatastream(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, valueTimestampMillis, receptionDecimicro int64, valueType interfaces.ValueType, value any, ttl *int, consistency gocql.Consistency) error {
	column := valueType.ColumnName()
	if err := validIdentifier(column); err != nil {
		return err
	}

	stmt := fmt.Sprintf(`INSERT INTO %s.individual_datastreams (device_id, interface_id, endpoint_id, path, value_timestamp, reception_timestamp, reception_timestamp_submillis, %s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, r.keyspace, column)
	args := []any{
		gocql.UUID(deviceID), gocql.UUID(interfaceID), gocql.UUID(endpointID), path,
		time.UnixMilli(valueTimestampMillis).UTC(),
		time.UnixMilli(timeutil.ToMillis(receptionDecimicro)).UTC(),
		int(timeutil.SubmillisTicks(receptionDecimicro)),
		value,
	}
	if ttl != nil {
		stmt += " USING TTL ?"
		args = append(args, *ttl)
	}

	err := r.session.Query(stmt, args...).
		WithContext(ctx).
		Consistency(consistency).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to insert datastream value %s on %s: %w", path, interfaceID, err)
	}
	return nil
}

// ObjectColumn is one payload key mapped to its storage column.
type ObjectColumn struct {
	Column string
	Value  any
}

// InsertObjectDatastream appends one aggregated object row into the
// interface's own table. The value_timestamp column is included only for
// interfaces with explicit timestamps.
func (r *RealmQueries) InsertObjectDatastream(ctx context.Context, table string, deviceID deviceid.DeviceID, path string, valueTimestampMillis, receptionDecimicro int64, explicitTimestamp bool, columns []ObjectColumn, ttl *int, consistency gocql.Consistency) error {
	if err := validIdentifier(table); err != nil {
		return err
	}
	// Deterministic column order keeps statements cacheable.
	sort.Slice(columns, func(i, j int) bool { return columns[i].Column < columns[j].Column })

	names := []string{"device_id", "path", "reception_timestamp", "reception_timestamp_submillis"}
	args := []any{
		gocql.UUID(deviceID), path,
		time.UnixMilli(timeutil.ToMillis(receptionDecimicro)).UTC(),
		int(timeutil.SubmillisTicks(receptionDecimicro)),
	}
	if explicitTimestamp {
		names = append(names, "value_timestamp")
		args = append(args, time.UnixMilli(valueTimestampMillis).UTC())
	}
	for _, col := range columns {
		if err := validIdentifier(col.Column); err != nil {
			return err
		}
		names = append(names, col.Column)
		args = append(args, col.Value)
	}

	stmt := fmt.Sprintf(`INSERT INTO %s.%s (%s) VALUES (%s)`,
		r.keyspace, table, strings.Join(names, ", "), placeholders(len(names)))
	if ttl != nil {
		stmt += " USING TTL ?"
		args = append(args, *ttl)
	}

	err := r.session.Query(stmt, args...).
		WithContext(ctx).
		Consistency(consistency).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to insert object datastream into %s: %w", table, err)
	}
	return nil
}

func placeholders(n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = "?"
	}
	return strings.Join(marks, ", ")
}

// FetchPathExpiry inspects the path registry row of a datastream path. It
// reports whether the row exists and, if so, the remaining TTL in seconds
// (nil when the row never expires).
func (r *RealmQueries) FetchPathExpiry(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string) (registered bool, ttlRemaining *int, err error) {
	var remaining *int
	stmt := fmt.Sprintf(`SELECT TTL(datetime_value) FROM %s.individual_properties WHERE device_id=? AND interface_id=? AND endpoint_id=? AND path=?`, r.keyspace)
	scanErr := r.session.Query(stmt, gocql.UUID(deviceID), gocql.UUID(interfaceID), gocql.UUID(endpointID), path).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Scan(&remaining)
	if scanErr == gocql.ErrNotFound {
		return false, nil, nil
	}
	if scanErr != nil {
		return false, nil, fmt.Errorf("failed to fetch path expiry for %s: %w", path, scanErr)
	}
	return true, remaining, nil
}

// InsertPathRow registers a datastream path in the path registry; the row
// expires after ttl seconds so stale paths vanish with their data.
func (r *RealmQueries) InsertPathRow(ctx context.Context, deviceID deviceid.DeviceID, interfaceID, endpointID uuid.UUID, path string, valueTimestampMillis, receptionDecimicro int64, ttl *int, consistency gocql.Consistency) error {
	stmt := fmt.Sprintf(`INSERT INTO %s.individual_properties (device_id, interface_id, endpoint_id, path, reception_timestamp, reception_timestamp_submillis, datetime_value) VALUES (?, ?, ?, ?, ?, ?, ?)`, r.keyspace)
	args := []any{
		gocql.UUID(deviceID), gocql.UUID(interfaceID), gocql.UUID(endpointID), path,
		time.UnixMilli(timeutil.ToMillis(receptionDecimicro)).UTC(),
		int(timeutil.SubmillisTicks(receptionDecimicro)),
		time.UnixMilli(valueTimestampMillis).UTC(),
	}
	if ttl != nil {
		stmt += " USING TTL ?"
		args = append(args, *ttl)
	}

	err := r.session.Query(stmt, args...).
		WithContext(ctx).
		Consistency(consistency).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to register path %s on %s: %w", path, interfaceID, err)
	}
	return nil
}

// PathRegistryTTL derives the registry row TTL from the realm retention:
// two and a half times the retention, so the registry row outlives the
// data it points at. A nil retention keeps the row forever.
func PathRegistryTTL(retention *int) *int {
	if retention == nil {
		return nil
	}
	ttl := 2*(*retention) + (*retention)/2
	return &ttl
}

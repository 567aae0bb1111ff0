package queries

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
)

// FetchInterfaceDescriptor loads one interface schema row.
func (r *RealmQueries) FetchInterfaceDescriptor(ctx context.Context, name string, major int) (*interfaces.Descriptor, error) {
	var (
		interfaceID gocql.UUID
		minor       int
		typeCode    int
		ownership   int
		aggregation int
		storage     string
		storageType int
	)

	stmt := fmt.Sprintf(`SELECT interface_id, minor_version, type, ownership, aggregation, storage, storage_type FROM %s.interfaces WHERE name=? AND major_version=?`, r.keyspace)
	err := r.session.Query(stmt, name, major).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Scan(&interfaceID, &minor, &typeCode, &ownership, &aggregation, &storage, &storageType)
	if err == gocql.ErrNotFound {
		return nil, fmt.Errorf("%w: %s v%d", ErrInterfaceNotFound, name, major)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch interface %s v%d: %w", name, major, err)
	}

	descriptor := &interfaces.Descriptor{
		InterfaceID:  uuid.UUID(interfaceID),
		Name:         name,
		MajorVersion: major,
		MinorVersion: minor,
		Storage:      storage,
	}
	if descriptor.Type, err = interfaces.TypeFromInt(typeCode); err != nil {
		return nil, fmt.Errorf("interface %s v%d: %w", name, major, err)
	}
	if descriptor.Ownership, err = interfaces.OwnershipFromInt(ownership); err != nil {
		return nil, fmt.Errorf("interface %s v%d: %w", name, major, err)
	}
	if descriptor.Aggregation, err = interfaces.AggregationFromInt(aggregation); err != nil {
		return nil, fmt.Errorf("interface %s v%d: %w", name, major, err)
	}
	if descriptor.StorageType, err = interfaces.StorageTypeFromInt(storageType); err != nil {
		return nil, fmt.Errorf("interface %s v%d: %w", name, major, err)
	}
	return descriptor, nil
}

// FetchInterfaceMappings loads the endpoint rows of an interface and
// compiles them.
func (r *RealmQueries) FetchInterfaceMappings(ctx context.Context, interfaceID uuid.UUID) ([]interfaces.Mapping, error) {
	stmt := fmt.Sprintf(`SELECT endpoint_id, endpoint, value_type, reliability, retention, expiry, database_retention_policy, database_retention_ttl, allow_unset, explicit_timestamp FROM %s.endpoints WHERE interface_id=?`, r.keyspace)
	iter := r.session.Query(stmt, gocql.UUID(interfaceID)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Iter()

	var mappings []interfaces.Mapping
	var (
		endpointID      gocql.UUID
		endpoint        string
		valueType       int
		reliability     int
		retention       int
		expiry          int
		retentionPolicy int
		retentionTTL    int
		allowUnset      bool
		explicitTs      bool
	)
	for iter.Scan(&endpointID, &endpoint, &valueType, &reliability, &retention, &expiry, &retentionPolicy, &retentionTTL, &allowUnset, &explicitTs) {
		mapping := interfaces.Mapping{
			EndpointID:           uuid.UUID(endpointID),
			InterfaceID:          interfaceID,
			Endpoint:             endpoint,
			Expiry:               expiry,
			DatabaseRetentionTTL: retentionTTL,
			AllowUnset:           allowUnset,
			ExplicitTimestamp:    explicitTs,
		}
		var err error
		if mapping.ValueType, err = interfaces.ValueTypeFromInt(valueType); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", endpoint, err)
		}
		if mapping.Reliability, err = interfaces.ReliabilityFromInt(reliability); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", endpoint, err)
		}
		if mapping.Retention, err = interfaces.RetentionFromInt(retention); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", endpoint, err)
		}
		if mapping.DatabaseRetentionPolicy, err = interfaces.DatabaseRetentionPolicyFromInt(retentionPolicy); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", endpoint, err)
		}
		mappings = append(mappings, mapping)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch mappings for interface %s: %w", interfaceID, err)
	}
	return mappings, nil
}

// LoadInterface fetches an interface with its mappings and builds its
// endpoint automaton, returning the ready-to-use descriptor.
func (r *RealmQueries) LoadInterface(ctx context.Context, name string, major int) (*interfaces.Descriptor, []interfaces.Mapping, error) {
	descriptor, err := r.FetchInterfaceDescriptor(ctx, name, major)
	if err != nil {
		return nil, nil, err
	}
	mappings, err := r.FetchInterfaceMappings(ctx, descriptor.InterfaceID)
	if err != nil {
		return nil, nil, err
	}
	descriptor.Automaton = interfaces.BuildAutomaton(mappings)
	return descriptor, mappings, nil
}

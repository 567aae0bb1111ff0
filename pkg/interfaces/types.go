package interfaces

import "fmt"

// Enumerations below mirror the integer codes stored in the realm schema.

// Type discriminates properties from datastream interfaces.
type Type int

const (
	TypeProperties Type = 1
	TypeDatastream Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeProperties:
		return "properties"
	case TypeDatastream:
		return "datastream"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// TypeFromInt converts the stored integer code.
func TypeFromInt(code int) (Type, error) {
	switch Type(code) {
	case TypeProperties, TypeDatastream:
		return Type(code), nil
	default:
		return 0, fmt.Errorf("unknown interface type code %d", code)
	}
}

// Ownership states which side of the transport owns an interface.
type Ownership int

const (
	OwnershipDevice Ownership = 1
	OwnershipServer Ownership = 2
)

func (o Ownership) String() string {
	switch o {
	case OwnershipDevice:
		return "device"
	case OwnershipServer:
		return "server"
	default:
		return fmt.Sprintf("ownership(%d)", int(o))
	}
}

// OwnershipFromInt converts the stored integer code.
func OwnershipFromInt(code int) (Ownership, error) {
	switch Ownership(code) {
	case OwnershipDevice, OwnershipServer:
		return Ownership(code), nil
	default:
		return 0, fmt.Errorf("unknown ownership code %d", code)
	}
}

// Aggregation distinguishes per-path values from aggregated objects.
type Aggregation int

const (
	AggregationIndividual Aggregation = 1
	AggregationObject     Aggregation = 2
)

func (a Aggregation) String() string {
	switch a {
	case AggregationIndividual:
		return "individual"
	case AggregationObject:
		return "object"
	default:
		return fmt.Sprintf("aggregation(%d)", int(a))
	}
}

// AggregationFromInt converts the stored integer code.
func AggregationFromInt(code int) (Aggregation, error) {
	switch Aggregation(code) {
	case AggregationIndividual, AggregationObject:
		return Aggregation(code), nil
	default:
		return 0, fmt.Errorf("unknown aggregation code %d", code)
	}
}

// StorageType selects the table layout values are written to.
type StorageType int

const (
	StorageMultiInterfaceIndividualProperties StorageType = 1
	StorageMultiInterfaceIndividualDatastream StorageType = 2
	StorageOneObjectDatastream                StorageType = 3
	StorageOneIndividualProperties            StorageType = 4
	StorageOneIndividualDatastream            StorageType = 5
)

func (s StorageType) String() string {
	switch s {
	case StorageMultiInterfaceIndividualProperties:
		return "multi_interface_individual_properties_dbtable"
	case StorageMultiInterfaceIndividualDatastream:
		return "multi_interface_individual_datastream_dbtable"
	case StorageOneObjectDatastream:
		return "one_object_datastream_dbtable"
	case StorageOneIndividualProperties:
		return "one_individual_properties_dbtable"
	case StorageOneIndividualDatastream:
		return "one_individual_datastream_dbtable"
	default:
		return fmt.Sprintf("storage_type(%d)", int(s))
	}
}

// StorageTypeFromInt converts the stored integer code.
func StorageTypeFromInt(code int) (StorageType, error) {
	if code < 1 || code > 5 {
		return 0, fmt.Errorf("unknown storage type code %d", code)
	}
	return StorageType(code), nil
}

// Reliability is the per-mapping delivery guarantee declared by the schema.
type Reliability int

const (
	ReliabilityUnreliable Reliability = 1
	ReliabilityGuaranteed Reliability = 2
	ReliabilityUnique     Reliability = 3
)

func (r Reliability) String() string {
	switch r {
	case ReliabilityUnreliable:
		return "unreliable"
	case ReliabilityGuaranteed:
		return "guaranteed"
	case ReliabilityUnique:
		return "unique"
	default:
		return fmt.Sprintf("reliability(%d)", int(r))
	}
}

// ReliabilityFromInt converts the stored integer code.
func ReliabilityFromInt(code int) (Reliability, error) {
	switch Reliability(code) {
	case ReliabilityUnreliable, ReliabilityGuaranteed, ReliabilityUnique:
		return Reliability(code), nil
	default:
		return 0, fmt.Errorf("unknown reliability code %d", code)
	}
}

// Retention is the per-mapping policy for values the broker cannot deliver.
type Retention int

const (
	RetentionDiscard  Retention = 1
	RetentionVolatile Retention = 2
	RetentionStored   Retention = 3
)

func (r Retention) String() string {
	switch r {
	case RetentionDiscard:
		return "discard"
	case RetentionVolatile:
		return "volatile"
	case RetentionStored:
		return "stored"
	default:
		return fmt.Sprintf("retention(%d)", int(r))
	}
}

// RetentionFromInt converts the stored integer code.
func RetentionFromInt(code int) (Retention, error) {
	switch Retention(code) {
	case RetentionDiscard, RetentionVolatile, RetentionStored:
		return Retention(code), nil
	default:
		return 0, fmt.Errorf("unknown retention code %d", code)
	}
}

// DatabaseRetentionPolicy states whether datastream rows carry a TTL.
type DatabaseRetentionPolicy int

const (
	DatabaseRetentionNoTTL  DatabaseRetentionPolicy = 1
	DatabaseRetentionUseTTL DatabaseRetentionPolicy = 2
)

func (p DatabaseRetentionPolicy) String() string {
	switch p {
	case DatabaseRetentionNoTTL:
		return "no_ttl"
	case DatabaseRetentionUseTTL:
		return "use_ttl"
	default:
		return fmt.Sprintf("database_retention_policy(%d)", int(p))
	}
}

// DatabaseRetentionPolicyFromInt converts the stored integer code. A zero
// code means the column was never written and defaults to no TTL.
func DatabaseRetentionPolicyFromInt(code int) (DatabaseRetentionPolicy, error) {
	switch DatabaseRetentionPolicy(code) {
	case 0, DatabaseRetentionNoTTL:
		return DatabaseRetentionNoTTL, nil
	case DatabaseRetentionUseTTL:
		return DatabaseRetentionUseTTL, nil
	default:
		return 0, fmt.Errorf("unknown database retention policy code %d", code)
	}
}

// Package queries implements the logical database operations of the plant
// against the realm keyspaces: device rows, interface schema loading,
// property and datastream writes, the path registry and trigger lookup.
package queries

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/gocql/gocql"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
)

var (
	// ErrDeviceNotFound indicates a device with no row in the realm.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInterfaceNotFound indicates a missing interface schema row.
	ErrInterfaceNotFound = errors.New("interface not found")

	// ErrInterfaceNotInIntrospection indicates a device that never declared
	// the interface.
	ErrInterfaceNotInIntrospection = errors.New("interface not in device introspection")

	// ErrInvalidRealmName guards keyspace interpolation.
	ErrInvalidRealmName = errors.New("invalid realm name")
)

// realmNameRegex is the shape of a valid realm keyspace name.
var realmNameRegex = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

// identifierRegex guards table and column names read from schema rows
// before they are interpolated into statements.
var identifierRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Queries is the entry point, bound to a session pool.
type Queries struct {
	session *gocql.Session
}

// New creates the queries layer on an established session.
func New(session *gocql.Session) *Queries {
	return &Queries{session: session}
}

// Realm scopes the operations to one realm keyspace, validating the name
// once so statement interpolation is safe everywhere below.
func (q *Queries) Realm(realm string) (*RealmQueries, error) {
	if !realmNameRegex.MatchString(realm) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRealmName, realm)
	}
	return &RealmQueries{session: q.session, keyspace: realm}, nil
}

// RealmQueries runs the per-realm operations. One instance is shared by
// every device actor of the realm.
type RealmQueries struct {
	session  *gocql.Session
	keyspace string
}

func validIdentifier(name string) error {
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("invalid identifier %q in schema", name)
	}
	return nil
}

// DataConsistency selects the write consistency for a value insert:
// properties need full quorum, stored guaranteed datastreams a local one,
// unreliable data is fire-and-forget and everything else settles for one
// replica.
func DataConsistency(interfaceType interfaces.Type, reliability interfaces.Reliability, retention interfaces.Retention) gocql.Consistency {
	switch {
	case interfaceType == interfaces.TypeProperties:
		return gocql.Quorum
	case interfaceType == interfaces.TypeDatastream &&
		reliability == interfaces.ReliabilityGuaranteed && retention == interfaces.RetentionStored:
		return gocql.LocalQuorum
	case reliability == interfaces.ReliabilityUnreliable:
		return gocql.Any
	default:
		return gocql.One
	}
}

// PathConsistency selects the consistency for path registry writes.
func PathConsistency(reliability interfaces.Reliability) gocql.Consistency {
	if reliability == interfaces.ReliabilityUnreliable {
		return gocql.One
	}
	return gocql.LocalQuorum
}

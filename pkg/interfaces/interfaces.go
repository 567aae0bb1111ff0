// Package interfaces models the realm interface schema: descriptors,
// mappings, the endpoint automaton and the value typing rules.
package interfaces

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// idNamespace is the UUIDv5 namespace interface and endpoint ids derive from.
var idNamespace = uuid.MustParse("f79ad91f-c638-4889-ae74-9d001a3b4cf8")

var nonAlnumRegex = regexp.MustCompile(`[^a-z0-9]`)

// Descriptor is a compiled interface schema row.
type Descriptor struct {
	InterfaceID  uuid.UUID
	Name         string
	MajorVersion int
	MinorVersion int
	Type         Type
	Ownership    Ownership
	Aggregation  Aggregation
	Storage      string
	StorageType  StorageType
	Automaton    *Automaton
}

// Mapping is a compiled endpoint schema row.
type Mapping struct {
	EndpointID              uuid.UUID
	InterfaceID             uuid.UUID
	Endpoint                string
	ValueType               ValueType
	Reliability             Reliability
	Retention               Retention
	Expiry                  int
	DatabaseRetentionPolicy DatabaseRetentionPolicy
	DatabaseRetentionTTL    int
	AllowUnset              bool
	ExplicitTimestamp       bool
}

// Depth is the number of levels in the mapping's endpoint.
func (m Mapping) Depth() int {
	return len(SplitPathLevels(m.Endpoint))
}

// LastLevel is the endpoint's trailing level, the payload key an object
// aggregated interface maps to this endpoint.
func (m Mapping) LastLevel() string {
	levels := SplitPathLevels(m.Endpoint)
	if len(levels) == 0 {
		return ""
	}
	return levels[len(levels)-1]
}

// InterfaceID derives the deterministic id of an interface name and major.
func InterfaceID(name string, major int) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s:%d", name, major)))
}

// EndpointID derives the deterministic id of an endpoint within an interface.
// Object aggregated interfaces use the empty endpoint string for the mapping
// shared by the whole object.
func EndpointID(interfaceName string, major int, endpoint string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s:%d:%s", interfaceName, major, endpoint)))
}

// TableName derives the storage table of a one-table-per-interface layout.
func TableName(interfaceName string, major int) string {
	return fmt.Sprintf("%s_v%d", nonAlnumRegex.ReplaceAllString(strings.ToLower(interfaceName), "_"), major)
}

// EndpointToDBColumnName derives the value column an object payload key maps
// to: the endpoint's last level, lowercased, non-alphanumerics folded to "_",
// prefixed with "v_".
func EndpointToDBColumnName(endpointLastLevel string) string {
	return "v_" + nonAlnumRegex.ReplaceAllString(strings.ToLower(endpointLastLevel), "_")
}

// SplitPathLevels splits a path or endpoint into its levels, dropping the
// empty leading level produced by the "/" prefix.
func SplitPathLevels(path string) []string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// PathDepth is the number of levels in a path.
func PathDepth(path string) int {
	return len(SplitPathLevels(path))
}

// ObjectColumns maps each last endpoint level of an object aggregated
// interface to its mapping, for payload key lookup.
func (d *Descriptor) ObjectColumns(mappings map[uuid.UUID]Mapping) map[string]Mapping {
	columns := make(map[string]Mapping)
	for _, m := range mappings {
		if m.InterfaceID == d.InterfaceID {
			columns[m.LastLevel()] = m
		}
	}
	return columns
}

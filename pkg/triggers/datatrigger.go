package triggers

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
)

// Operator compares an incoming value to a trigger's known value.
type Operator int

const (
	OperatorAny Operator = iota
	OperatorEqualTo
	OperatorNotEqualTo
	OperatorGreaterThan
	OperatorGreaterOrEqualTo
	OperatorLessThan
	OperatorLessOrEqualTo
)

var operatorNames = map[Operator]string{
	OperatorAny:              "*",
	OperatorEqualTo:          "==",
	OperatorNotEqualTo:       "!=",
	OperatorGreaterThan:      ">",
	OperatorGreaterOrEqualTo: ">=",
	OperatorLessThan:         "<",
	OperatorLessOrEqualTo:    "<=",
}

func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operator(%d)", int(o))
}

// OperatorFromString parses the stored operator representation.
func OperatorFromString(s string) (Operator, error) {
	for op, name := range operatorNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown value match operator %q", s)
}

// DataTrigger is a compiled data-path trigger. InterfaceID is uuid.Nil for
// any-interface triggers and PathMatchTokens is nil for any-endpoint ones;
// an empty token matches any single path level.
type DataTrigger struct {
	Event              DataEvent
	InterfaceID        uuid.UUID
	PathMatchTokens    []string
	ValueMatchOperator Operator
	KnownValue         any
	Targets            []Target
}

// CongruentWith reports whether two triggers differ only by their targets,
// in which case they are folded into one entry with the union of targets.
func (t *DataTrigger) CongruentWith(other *DataTrigger) bool {
	return t.Event == other.Event &&
		t.InterfaceID == other.InterfaceID &&
		equalTokens(t.PathMatchTokens, other.PathMatchTokens) &&
		t.ValueMatchOperator == other.ValueMatchOperator &&
		reflect.DeepEqual(t.KnownValue, other.KnownValue)
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PathMatches walks the incoming path against the match tokens.
func (t *DataTrigger) PathMatches(path string) bool {
	if t.PathMatchTokens == nil {
		return true
	}
	levels := splitLevels(path)
	if len(levels) != len(t.PathMatchTokens) {
		return false
	}
	for i, token := range t.PathMatchTokens {
		if token != "" && token != levels[i] {
			return false
		}
	}
	return true
}

// ValueMatches evaluates the operator against the known value. Comparison
// operators only fire for values that are mutually comparable; anything
// else does not match.
func (t *DataTrigger) ValueMatches(value any) bool {
	switch t.ValueMatchOperator {
	case OperatorAny:
		return true
	case OperatorEqualTo:
		return equalValues(value, t.KnownValue)
	case OperatorNotEqualTo:
		return !equalValues(value, t.KnownValue)
	}

	cmp, ok := compareValues(value, t.KnownValue)
	if !ok {
		return false
	}
	switch t.ValueMatchOperator {
	case OperatorGreaterThan:
		return cmp > 0
	case OperatorGreaterOrEqualTo:
		return cmp >= 0
	case OperatorLessThan:
		return cmp < 0
	case OperatorLessOrEqualTo:
		return cmp <= 0
	default:
		return false
	}
}

// MatchPathTokens compiles a trigger match path; "/*" means any endpoint
// (nil tokens) and both "*" and "%{...}" levels become single-level
// wildcards.
func MatchPathTokens(matchPath string) []string {
	if matchPath == "" || matchPath == "/*" {
		return nil
	}
	levels := splitLevels(matchPath)
	tokens := make([]string, len(levels))
	for i, level := range levels {
		if level == "*" || (strings.HasPrefix(level, "%{") && strings.HasSuffix(level, "}")) {
			tokens[i] = ""
		} else {
			tokens[i] = level
		}
	}
	return tokens
}

func splitLevels(path string) []string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func equalValues(a, b any) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two numeric values, widening to float64.
func compareValues(a, b any) (int, bool) {
	fa, ok := asFloat(a)
	if !ok {
		return 0, false
	}
	fb, ok := asFloat(b)
	if !ok {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	default:
		return 0, true
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

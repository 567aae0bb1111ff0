package interfaces

import (
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ValueType is the leaf type a mapping accepts.
type ValueType int

const (
	ValueTypeDouble ValueType = iota + 1
	ValueTypeInteger
	ValueTypeBoolean
	ValueTypeLongInteger
	ValueTypeString
	ValueTypeBinaryBlob
	ValueTypeDateTime
	ValueTypeDoubleArray
	ValueTypeIntegerArray
	ValueTypeBooleanArray
	ValueTypeLongIntegerArray
	ValueTypeStringArray
	ValueTypeBinaryBlobArray
	ValueTypeDateTimeArray
)

// Size caps enforced on decoded values.
const (
	maxStringBytes = 65535
	maxBlobBytes   = 65535
	maxArrayItems  = 1024
)

var (
	// ErrUnexpectedValueType indicates a decoded value not conforming to
	// the mapping's declared type.
	ErrUnexpectedValueType = errors.New("unexpected value type")

	// ErrValueSizeExceeded indicates a value past the string/blob/array caps.
	ErrValueSizeExceeded = errors.New("value size exceeded")
)

var valueTypeNames = map[ValueType]string{
	ValueTypeDouble:           "double",
	ValueTypeInteger:          "integer",
	ValueTypeBoolean:          "boolean",
	ValueTypeLongInteger:      "longinteger",
	ValueTypeString:           "string",
	ValueTypeBinaryBlob:       "binaryblob",
	ValueTypeDateTime:         "datetime",
	ValueTypeDoubleArray:      "doublearray",
	ValueTypeIntegerArray:     "integerarray",
	ValueTypeBooleanArray:     "booleanarray",
	ValueTypeLongIntegerArray: "longintegerarray",
	ValueTypeStringArray:      "stringarray",
	ValueTypeBinaryBlobArray:  "binaryblobarray",
	ValueTypeDateTimeArray:    "datetimearray",
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("value_type(%d)", int(t))
}

// ColumnName is the typed value column this type is stored into.
func (t ValueType) ColumnName() string {
	return t.String() + "_value"
}

// ValueTypeFromInt converts the stored integer code.
func ValueTypeFromInt(code int) (ValueType, error) {
	t := ValueType(code)
	if _, ok := valueTypeNames[t]; !ok {
		return 0, fmt.Errorf("unknown value type code %d", code)
	}
	return t, nil
}

// elementType maps an array type to its element type, or 0 for scalars.
func (t ValueType) elementType() ValueType {
	switch t {
	case ValueTypeDoubleArray:
		return ValueTypeDouble
	case ValueTypeIntegerArray:
		return ValueTypeInteger
	case ValueTypeBooleanArray:
		return ValueTypeBoolean
	case ValueTypeLongIntegerArray:
		return ValueTypeLongInteger
	case ValueTypeStringArray:
		return ValueTypeString
	case ValueTypeBinaryBlobArray:
		return ValueTypeBinaryBlob
	case ValueTypeDateTimeArray:
		return ValueTypeDateTime
	default:
		return 0
	}
}

// ValidateValue checks a BSON-decoded value against the declared type.
// Numeric BSON encodings are interchangeable where lossless: integers are
// accepted for doubles, and int64 values within int32 range are accepted
// for integers.
func ValidateValue(t ValueType, value any) error {
	if elem := t.elementType(); elem != 0 {
		items, ok := asArray(value)
		if !ok {
			return fmt.Errorf("%w: %s expects an array", ErrUnexpectedValueType, t)
		}
		if len(items) > maxArrayItems {
			return fmt.Errorf("%w: array of %d items", ErrValueSizeExceeded, len(items))
		}
		for _, item := range items {
			if err := ValidateValue(elem, item); err != nil {
				return err
			}
		}
		return nil
	}

	switch t {
	case ValueTypeDouble:
		switch value.(type) {
		case float64, float32, int32, int64:
			return nil
		}
	case ValueTypeInteger:
		switch v := value.(type) {
		case int32:
			return nil
		case int64:
			if v >= math.MinInt32 && v <= math.MaxInt32 {
				return nil
			}
		}
	case ValueTypeBoolean:
		if _, ok := value.(bool); ok {
			return nil
		}
	case ValueTypeLongInteger:
		switch value.(type) {
		case int32, int64:
			return nil
		}
	case ValueTypeString:
		if s, ok := value.(string); ok {
			if len(s) > maxStringBytes {
				return fmt.Errorf("%w: string of %d bytes", ErrValueSizeExceeded, len(s))
			}
			if !utf8.ValidString(s) {
				return fmt.Errorf("%w: string is not valid UTF-8", ErrUnexpectedValueType)
			}
			return nil
		}
	case ValueTypeBinaryBlob:
		if bin, ok := value.(primitive.Binary); ok {
			if len(bin.Data) > maxBlobBytes {
				return fmt.Errorf("%w: blob of %d bytes", ErrValueSizeExceeded, len(bin.Data))
			}
			return nil
		}
	case ValueTypeDateTime:
		switch value.(type) {
		case primitive.DateTime, time.Time:
			return nil
		}
	}
	return fmt.Errorf("%w: %T is not a valid %s", ErrUnexpectedValueType, value, t)
}

// NormalizeValue converts a validated BSON-decoded value into the native Go
// type the database driver marshals for the corresponding column.
func NormalizeValue(t ValueType, value any) (any, error) {
	if err := ValidateValue(t, value); err != nil {
		return nil, err
	}

	if elem := t.elementType(); elem != 0 {
		items, _ := asArray(value)
		return normalizeArray(elem, items)
	}

	switch t {
	case ValueTypeDouble:
		return toFloat64(value), nil
	case ValueTypeInteger:
		return toInt32(value), nil
	case ValueTypeBoolean:
		return value.(bool), nil
	case ValueTypeLongInteger:
		return toInt64(value), nil
	case ValueTypeString:
		return value.(string), nil
	case ValueTypeBinaryBlob:
		return value.(primitive.Binary).Data, nil
	case ValueTypeDateTime:
		return toTime(value), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpectedValueType, t)
}

func normalizeArray(elem ValueType, items []any) (any, error) {
	switch elem {
	case ValueTypeDouble:
		out := make([]float64, len(items))
		for i, item := range items {
			out[i] = toFloat64(item)
		}
		return out, nil
	case ValueTypeInteger:
		out := make([]int32, len(items))
		for i, item := range items {
			out[i] = toInt32(item)
		}
		return out, nil
	case ValueTypeBoolean:
		out := make([]bool, len(items))
		for i, item := range items {
			out[i] = item.(bool)
		}
		return out, nil
	case ValueTypeLongInteger:
		out := make([]int64, len(items))
		for i, item := range items {
			out[i] = toInt64(item)
		}
		return out, nil
	case ValueTypeString:
		out := make([]string, len(items))
		for i, item := range items {
			out[i] = item.(string)
		}
		return out, nil
	case ValueTypeBinaryBlob:
		out := make([][]byte, len(items))
		for i, item := range items {
			out[i] = item.(primitive.Binary).Data
		}
		return out, nil
	case ValueTypeDateTime:
		out := make([]time.Time, len(items))
		for i, item := range items {
			out[i] = toTime(item)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: array of %s", ErrUnexpectedValueType, elem)
}

func asArray(value any) ([]any, bool) {
	switch v := value.(type) {
	case primitive.A:
		return v, true
	case []any:
		return v, true
	default:
		return nil, false
	}
}

func toFloat64(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func toInt32(value any) int32 {
	switch v := value.(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	}
	return 0
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int32:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func toTime(value any) time.Time {
	switch v := value.(type) {
	case primitive.DateTime:
		return v.Time().UTC()
	case time.Time:
		return v.UTC()
	}
	return time.Time{}
}

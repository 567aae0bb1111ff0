// Package payloads decodes the device-facing wire formats: BSON-framed
// values, zlib-compressed property lists and introspection strings.
package payloads

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MaxUncompressedPayloadSize caps safe inflation at 10 MiB; a compressed
// control payload expanding beyond this is refused outright.
const MaxUncompressedPayloadSize = 10 * 1024 * 1024

var (
	// ErrUndecodableBSONPayload indicates a data payload that is not valid BSON.
	ErrUndecodableBSONPayload = errors.New("undecodable bson payload")

	// ErrInvalidIntrospection indicates a malformed introspection string.
	ErrInvalidIntrospection = errors.New("invalid introspection")

	// ErrInvalidProperties indicates a malformed producer properties payload.
	ErrInvalidProperties = errors.New("invalid properties payload")

	// ErrPayloadTooLarge indicates a compressed payload expanding past the cap.
	ErrPayloadTooLarge = errors.New("uncompressed payload exceeds size cap")
)

// interfaceNameRegex constrains interface names in introspection entries.
var interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z]+(\.[a-zA-Z0-9]+)*$`)

// DecodeBSONValue decodes a device data payload.
//
// Accepted document shapes, in matching order:
//
//	{v: <value>, t: <UTC datetime>, m: <metadata doc>}
//	{v: <value>, m: <metadata doc>}
//	{v: <value>, t: <UTC datetime>}
//	{v: <value>}
//	{...}  (legacy aggregated object: the whole document is the value)
//
// An empty payload decodes to (nil, nil, nil) and an empty generic-subtype
// binary value normalizes to nil; both mean "unset". A document carrying a
// "t" or "m" field of the wrong BSON type keeps the value and drops the field.
func DecodeBSONValue(payload []byte) (value any, timestampMillis *int64, metadata bson.M, err error) {
	if len(payload) == 0 {
		return nil, nil, nil, nil
	}

	var doc bson.M
	if err := bson.Unmarshal(payload, &doc); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrUndecodableBSONPayload, err)
	}

	v, hasValue := doc["v"]
	if !hasValue {
		// Legacy aggregated object: the document itself is the value.
		return doc, nil, nil, nil
	}

	if t, ok := doc["t"].(primitive.DateTime); ok {
		ms := int64(t)
		timestampMillis = &ms
	}
	if m, ok := doc["m"].(bson.M); ok {
		metadata = m
	}

	return normalizeUnset(v), timestampMillis, metadata, nil
}

// normalizeUnset maps the empty generic-subtype binary marker to nil.
func normalizeUnset(v any) any {
	if bin, ok := v.(primitive.Binary); ok {
		if bin.Subtype == 0 && len(bin.Data) == 0 {
			return nil
		}
	}
	return v
}

// EncodeBSONValue wraps a value into the standard {v: ...} document. It is
// used for trigger event payloads and server-to-device property resends.
func EncodeBSONValue(value any) ([]byte, error) {
	return bson.Marshal(bson.M{"v": value})
}

// SafeInflate decompresses a zlib stream, refusing to expand past
// MaxUncompressedPayloadSize. The compressed bytes exclude any size prefix.
func SafeInflate(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
	}
	defer func() { _ = r.Close() }()

	var buf bytes.Buffer
	// Read one byte past the cap so overflow is detectable.
	n, err := io.Copy(&buf, io.LimitReader(r, MaxUncompressedPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
	}
	if n > MaxUncompressedPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return buf.Bytes(), nil
}

// Property identifies a single device-owned property path.
type Property struct {
	Interface string
	Path      string
}

// DecodeDeviceProperties decodes a /producer/properties control payload:
// a 4-byte big-endian uncompressed-size prefix followed by a zlib stream of
// ";"-separated "interface/path" entries. The literal four zero bytes decode
// to the empty set, which prunes every stored device-owned property.
func DecodeDeviceProperties(payload []byte) (map[Property]struct{}, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: missing size prefix", ErrInvalidProperties)
	}
	if len(payload) == 4 && payload[0] == 0 && payload[1] == 0 && payload[2] == 0 && payload[3] == 0 {
		return map[Property]struct{}{}, nil
	}

	decompressed, err := SafeInflate(payload[4:])
	if err != nil {
		return nil, err
	}
	return ParseDeviceProperties(string(decompressed)), nil
}

// EncodeDeviceProperties builds a consumer properties control payload out of
// absolute "interface/path" entries: the 4-byte big-endian uncompressed-size
// prefix followed by the zlib-compressed ";"-separated list.
func EncodeDeviceProperties(entries []string) ([]byte, error) {
	list := strings.Join(entries, ";")

	var buf bytes.Buffer
	prefix := [4]byte{}
	binary.BigEndian.PutUint32(prefix[:], uint32(len(list)))
	buf.Write(prefix[:])

	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(list)); err != nil {
		return nil, fmt.Errorf("failed to compress properties payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress properties payload: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseDeviceProperties parses the decompressed ";"-separated entry list.
// Entries without a "/" separator are skipped.
func ParseDeviceProperties(list string) map[Property]struct{} {
	set := make(map[Property]struct{})
	for _, token := range strings.Split(list, ";") {
		if token == "" {
			continue
		}
		idx := strings.Index(token, "/")
		if idx <= 0 {
			continue
		}
		set[Property{Interface: token[:idx], Path: token[idx:]}] = struct{}{}
	}
	return set
}

// ParseIntrospection parses a ";"-separated list of "name:major:minor"
// entries into the major and minor version maps. The payload must be valid
// UTF-8, names must match ^[a-zA-Z]+(\.[a-zA-Z0-9]+)*$ and versions must be
// non-negative integers.
func ParseIntrospection(payload []byte) (majors map[string]int, minors map[string]int, err error) {
	if !utf8.Valid(payload) {
		return nil, nil, fmt.Errorf("%w: not valid UTF-8", ErrInvalidIntrospection)
	}

	majors = make(map[string]int)
	minors = make(map[string]int)

	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return majors, minors, nil
	}

	for _, entry := range strings.Split(trimmed, ";") {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, nil, fmt.Errorf("%w: malformed entry %q", ErrInvalidIntrospection, entry)
		}
		name := parts[0]
		if !interfaceNameRegex.MatchString(name) {
			return nil, nil, fmt.Errorf("%w: bad interface name %q", ErrInvalidIntrospection, name)
		}
		major, err := strconv.Atoi(parts[1])
		if err != nil || major < 0 {
			return nil, nil, fmt.Errorf("%w: bad major version %q", ErrInvalidIntrospection, parts[1])
		}
		minor, err := strconv.Atoi(parts[2])
		if err != nil || minor < 0 {
			return nil, nil, fmt.Errorf("%w: bad minor version %q", ErrInvalidIntrospection, parts[2])
		}
		majors[name] = major
		minors[name] = minor
	}
	return majors, minors, nil
}

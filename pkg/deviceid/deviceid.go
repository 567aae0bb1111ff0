// Package deviceid handles the 128-bit Astarte device identifier and its
// external representation (URL-safe base64 without padding).
package deviceid

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// Size is the length in bytes of a raw device identifier.
const Size = 16

// ErrInvalid indicates a device id that is not 16 raw bytes or whose encoded
// form is not unpadded URL-safe base64.
var ErrInvalid = errors.New("invalid device id")

// DeviceID is a 128-bit device identifier. The raw bytes are what the
// database stores; the encoded form is what appears on MQTT topics, AMQP
// headers and API paths.
type DeviceID [Size]byte

// FromBytes builds a DeviceID from its raw 16-byte representation.
func FromBytes(b []byte) (DeviceID, error) {
	var id DeviceID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalid, len(b), Size)
	}
	copy(id[:], b)
	return id, nil
}

// Decode parses the external base64-url (unpadded) form.
func Decode(encoded string) (DeviceID, error) {
	var id DeviceID
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return FromBytes(raw)
}

// String returns the external base64-url form without padding.
func (id DeviceID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Bytes returns the raw 16-byte representation.
func (id DeviceID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

package events

// DeviceConnectedEvent is emitted when a device session is established.
type DeviceConnectedEvent struct {
	DeviceIPAddress string `json:"device_ip_address"`
}

// DeviceDisconnectedEvent is emitted when a device session ends.
type DeviceDisconnectedEvent struct{}

// DeviceEmptyCacheReceivedEvent is emitted when a device announces an empty
// session cache and the plant finishes resending its server-owned state.
type DeviceEmptyCacheReceivedEvent struct{}

// IncomingDataEvent is emitted for every accepted data message.
type IncomingDataEvent struct {
	Interface string `json:"interface"`
	Path      string `json:"path"`
	BSONValue []byte `json:"bson_value,omitempty"` // {v: ...} document; empty on unset
}

// IncomingIntrospectionEvent carries the raw introspection string a device
// declared.
type IncomingIntrospectionEvent struct {
	Introspection string `json:"introspection"`
}

// InterfaceAddedEvent is emitted for each interface an introspection change
// added.
type InterfaceAddedEvent struct {
	Interface    string `json:"interface"`
	MajorVersion int    `json:"major_version"`
	MinorVersion int    `json:"minor_version"`
}

// InterfaceRemovedEvent is emitted for each interface an introspection
// change removed.
type InterfaceRemovedEvent struct {
	Interface    string `json:"interface"`
	MajorVersion int    `json:"major_version"`
}

// ValueChangeEvent is emitted before a property write that changes the
// stored value.
type ValueChangeEvent struct {
	Interface    string `json:"interface"`
	Path         string `json:"path"`
	OldBSONValue []byte `json:"old_bson_value,omitempty"`
	NewBSONValue []byte `json:"new_bson_value,omitempty"`
}

// ValueChangeAppliedEvent is emitted after the changed value is stored.
type ValueChangeAppliedEvent struct {
	Interface    string `json:"interface"`
	Path         string `json:"path"`
	OldBSONValue []byte `json:"old_bson_value,omitempty"`
	NewBSONValue []byte `json:"new_bson_value,omitempty"`
}

// PathCreatedEvent is emitted when a write sets a path that had no stored
// value.
type PathCreatedEvent struct {
	Interface string `json:"interface"`
	Path      string `json:"path"`
	BSONValue []byte `json:"bson_value,omitempty"`
}

// PathRemovedEvent is emitted when an unset or prune deletes a stored path.
type PathRemovedEvent struct {
	Interface string `json:"interface"`
	Path      string `json:"path"`
}

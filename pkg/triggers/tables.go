package triggers

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/interfaces"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/payloads"
)

// DataKey addresses a data trigger list. uuid.Nil stands for any interface
// or any endpoint.
type DataKey struct {
	Event       DataEvent
	InterfaceID uuid.UUID
	EndpointID  uuid.UUID
}

// Container is the stored form of a simple trigger: exactly one of the
// variants is set.
type Container struct {
	DataTrigger   *DataTriggerConfig   `json:"data_trigger,omitempty"`
	DeviceTrigger *DeviceTriggerConfig `json:"device_trigger,omitempty"`
}

// DataTriggerConfig is the stored configuration of a data-path trigger.
/// KnownValue, when present, is a BSON {v: ...} document.
type DataTriggerConfig struct {
	Type               DataEvent `json:"type"`
	InterfaceName      string    `json:"interface_name"`
	InterfaceMajor     int       `json:"interface_major"`
	MatchPath          string    `json:"match_path"`
	ValueMatchOperator string    `json:"value_match_operator"`
	KnownValue         []byte    `json:"known_value,omitempty"`
}

// DeviceTriggerConfig is the stored configuration of a device lifecycle or
// introspection trigger.
type DeviceTriggerConfig struct {
	Type string `json:"type"`
}

// EndpointResolver resolves a specific match path to its endpoint id, using
// the loaded interface schema or the database.
type EndpointResolver func(interfaceName string, interfaceMajor int, matchPath string) (uuid.UUID, error)

// Tables holds the compiled triggers the actor evaluates per message.
type Tables struct {
	Data          map[DataKey][]*DataTrigger
	Device        map[DeviceEvent][]Target
	Introspection map[IntrospectionEvent][]Target
}

// NewTables returns empty trigger tables.
func NewTables() *Tables {
	return &Tables{
		Data:          make(map[DataKey][]*DataTrigger),
		Device:        make(map[DeviceEvent][]Target),
		Introspection: make(map[IntrospectionEvent][]Target),
	}
}

// Install parses a stored trigger row and compiles it into the tables.
// objectID and objectType say what the row was installed on; resolve is
// consulted for data triggers with a specific match path.
func (t *Tables) Install(objectID uuid.UUID, objectType ObjectType, parentTriggerID, simpleTriggerID uuid.UUID, containerData, targetData []byte, resolve EndpointResolver) error {
	var container Container
	if err := json.Unmarshal(containerData, &container); err != nil {
		return fmt.Errorf("failed to decode trigger container: %w", err)
	}
	var target Target
	if err := json.Unmarshal(targetData, &target); err != nil {
		return fmt.Errorf("failed to decode trigger target: %w", err)
	}
	target.SimpleTriggerID = simpleTriggerID
	target.ParentTriggerID = parentTriggerID

	switch {
	case container.DataTrigger != nil:
		return t.installDataTrigger(objectType, container.DataTrigger, target, resolve)
	case container.DeviceTrigger != nil:
		return t.installDeviceTrigger(container.DeviceTrigger, target)
	default:
		return fmt.Errorf("trigger container for object %s/%s has no trigger", objectType, objectID)
	}
}

func (t *Tables) installDataTrigger(objectType ObjectType, config *DataTriggerConfig, target Target, resolve EndpointResolver) error {
	operator, err := OperatorFromString(config.ValueMatchOperator)
	if err != nil {
		return err
	}

	var knownValue any
	if len(config.KnownValue) > 0 {
		value, _, _, err := payloads.DecodeBSONValue(config.KnownValue)
		if err != nil {
			return fmt.Errorf("failed to decode trigger known value: %w", err)
		}
		knownValue = value
	}

	interfaceID := uuid.Nil
	endpointID := uuid.Nil
	var pathTokens []string
	if objectType == ObjectInterface {
		interfaceID = interfaces.InterfaceID(config.InterfaceName, config.InterfaceMajor)
		if config.MatchPath != "" && config.MatchPath != "/*" {
			pathTokens = MatchPathTokens(config.MatchPath)
			if resolve == nil {
				return fmt.Errorf("no endpoint resolver for match path %q", config.MatchPath)
			}
			endpointID, err = resolve(config.InterfaceName, config.InterfaceMajor, config.MatchPath)
			if err != nil {
				return fmt.Errorf("failed to resolve match path %q: %w", config.MatchPath, err)
			}
		}
	}

	t.AddDataTrigger(DataKey{Event: config.Type, InterfaceID: interfaceID, EndpointID: endpointID}, &DataTrigger{
		Event:              config.Type,
		InterfaceID:        interfaceID,
		PathMatchTokens:    pathTokens,
		ValueMatchOperator: operator,
		KnownValue:         knownValue,
		Targets:            []Target{target},
	})
	return nil
}

func (t *Tables) installDeviceTrigger(config *DeviceTriggerConfig, target Target) error {
	switch event := IntrospectionEvent(config.Type); event {
	case OnIncomingIntrospection, OnInterfaceAdded, OnInterfaceRemoved:
		t.Introspection[event] = append(t.Introspection[event], target)
		return nil
	}
	switch event := DeviceEvent(config.Type); event {
	case OnDeviceConnection, OnDeviceDisconnection, OnDeviceEmptyCache:
		t.Device[event] = append(t.Device[event], target)
		return nil
	}
	return fmt.Errorf("unknown device trigger type %q", config.Type)
}

// AddDataTrigger inserts a compiled trigger, folding it into a congruent
// entry when one exists so no duplicate rows accumulate.
func (t *Tables) AddDataTrigger(key DataKey, trigger *DataTrigger) {
	for _, existing := range t.Data[key] {
		if existing.CongruentWith(trigger) {
			existing.Targets = mergeTargets(existing.Targets, trigger.Targets)
			return
		}
	}
	t.Data[key] = append(t.Data[key], trigger)
}

func mergeTargets(existing, incoming []Target) []Target {
	seen := make(map[uuid.UUID]struct{}, len(existing))
	for _, target := range existing {
		seen[target.SimpleTriggerID] = struct{}{}
	}
	for _, target := range incoming {
		if _, ok := seen[target.SimpleTriggerID]; !ok {
			existing = append(existing, target)
			seen[target.SimpleTriggerID] = struct{}{}
		}
	}
	return existing
}

// DataTriggersFor returns the triggers under one exact key.
func (t *Tables) DataTriggersFor(event DataEvent, interfaceID, endpointID uuid.UUID) []*DataTrigger {
	return t.Data[DataKey{Event: event, InterfaceID: interfaceID, EndpointID: endpointID}]
}

// MatchingDataTriggers filters one key's triggers by path and value.
func (t *Tables) MatchingDataTriggers(event DataEvent, interfaceID, endpointID uuid.UUID, path string, value any) []*DataTrigger {
	var out []*DataTrigger
	for _, trigger := range t.DataTriggersFor(event, interfaceID, endpointID) {
		if trigger.PathMatches(path) && trigger.ValueMatches(value) {
			out = append(out, trigger)
		}
	}
	return out
}

// ForgetInterface drops every data trigger keyed by an interface id, used
// when an introspection change unloads the interface.
func (t *Tables) ForgetInterface(interfaceID uuid.UUID) {
	for key := range t.Data {
		if key.InterfaceID == interfaceID {
			delete(t.Data, key)
		}
	}
}

// ResetDeviceTriggers clears the device and introspection tables and the
// any-interface data triggers ahead of a periodic reload. Triggers keyed by
// a loaded interface are left in place: they reload with the interface.
func (t *Tables) ResetDeviceTriggers() {
	t.Device = make(map[DeviceEvent][]Target)
	t.Introspection = make(map[IntrospectionEvent][]Target)
	t.ForgetInterface(uuid.Nil)
}

// RemoveTarget deletes a target from every table by its simple trigger id,
// dropping entries left with no targets. It reports whether anything was
// removed.
func (t *Tables) RemoveTarget(simpleTriggerID uuid.UUID) bool {
	removed := false
	for key, list := range t.Data {
		kept := list[:0]
		for _, trigger := range list {
			trigger.Targets = filterTargets(trigger.Targets, simpleTriggerID, &removed)
			if len(trigger.Targets) > 0 {
				kept = append(kept, trigger)
			}
		}
		if len(kept) == 0 {
			delete(t.Data, key)
		} else {
			t.Data[key] = kept
		}
	}
	for event, targets := range t.Device {
		t.Device[event] = filterTargets(targets, simpleTriggerID, &removed)
		if len(t.Device[event]) == 0 {
			delete(t.Device, event)
		}
	}
	for event, targets := range t.Introspection {
		t.Introspection[event] = filterTargets(targets, simpleTriggerID, &removed)
		if len(t.Introspection[event]) == 0 {
			delete(t.Introspection, event)
		}
	}
	return removed
}

func filterTargets(targets []Target, simpleTriggerID uuid.UUID, removed *bool) []Target {
	kept := targets[:0]
	for _, target := range targets {
		if target.SimpleTriggerID == simpleTriggerID {
			*removed = true
			continue
		}
		kept = append(kept, target)
	}
	return kept
}

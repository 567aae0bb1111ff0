package updater

import (
	"context"
	"fmt"
	"sort"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/payloads"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/timeutil"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/triggers"
)

// interfacePair is one {name, major} entry of an introspection. A major
// version bump shows up in a diff as a removal of the old pair plus an
// addition of the new one.
type interfacePair struct {
	name  string
	major int
}

// handleIntrospection diffs the declared interface set against the stored
// one, fires the introspection triggers and persists the new maps. Removed
// interfaces move into the old-introspection bag with their last minor, so
// their stored data stays addressable.
func (u *DataUpdater) handleIntrospection(ctx context.Context, msg *message) error {
	defer u.updateStats(msg)

	majors, minors, err := payloads.ParseIntrospection(msg.payload)
	if err != nil {
		return u.discardViolation(ctx, msg, "invalid introspection", "error", err)
	}

	timestampMillis := timeutil.ToMillis(msg.timestamp)
	incomingTargets := u.triggers.Introspection[triggers.OnIncomingIntrospection]
	if len(incomingTargets) > 0 {
		err := u.emitter.IncomingIntrospection(ctx, incomingTargets, u.realm, u.encodedDeviceID, string(msg.payload), timestampMillis)
		if err != nil {
			return err
		}
	}

	added, removed := diffIntrospection(sortedPairs(u.introspection), sortedPairs(majors))

	addedTargets := u.triggers.Introspection[triggers.OnInterfaceAdded]
	readdedKeys := make([]string, 0, len(added))
	for _, pair := range added {
		u.logger.Info("Interface added", "interface", pair.name, "major", pair.major)
		if len(addedTargets) > 0 {
			err := u.emitter.InterfaceAdded(ctx, addedTargets, u.realm, u.encodedDeviceID, pair.name, pair.major, minors[pair.name], timestampMillis)
			if err != nil {
				return err
			}
		}
		if pair.major == 0 {
			if err := u.repo.RegisterDeviceWithInterface(ctx, u.deviceID, pair.name, 0); err != nil {
				return err
			}
		}
		readdedKeys = append(readdedKeys, fmt.Sprintf("%s:%d", pair.name, pair.major))
	}

	removedTargets := u.triggers.Introspection[triggers.OnInterfaceRemoved]
	oldInterfaces := make(map[string]int, len(removed))
	for _, pair := range removed {
		u.logger.Info("Interface removed", "interface", pair.name, "major", pair.major)
		if len(removedTargets) > 0 {
			err := u.emitter.InterfaceRemoved(ctx, removedTargets, u.realm, u.encodedDeviceID, pair.name, pair.major, timestampMillis)
			if err != nil {
				return err
			}
		}
		if pair.major == 0 {
			if err := u.repo.UnregisterDeviceWithInterface(ctx, u.deviceID, pair.name, 0); err != nil {
				return err
			}
		}
		oldInterfaces[fmt.Sprintf("%s:%d", pair.name, pair.major)] = u.introspectionMinor[pair.name]
		u.forgetInterface(pair.name)
	}

	if err := u.repo.AddOldInterfaces(ctx, u.deviceID, oldInterfaces); err != nil {
		return err
	}
	if err := u.repo.RemoveOldInterfaces(ctx, u.deviceID, readdedKeys); err != nil {
		return err
	}
	if err := u.repo.UpdateDeviceIntrospection(ctx, u.deviceID, majors, minors); err != nil {
		return err
	}

	u.introspection = majors
	u.introspectionMinor = minors
	u.pathsCache.Purge()

	return u.tracker.AckDelivery(msg.messageID)
}

func sortedPairs(introspection map[string]int) []interfacePair {
	pairs := make([]interfacePair, 0, len(introspection))
	for name, major := range introspection {
		pairs = append(pairs, interfacePair{name: name, major: major})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].major < pairs[j].major
	})
	return pairs
}

// diffIntrospection merges two sorted pair sequences, splitting them into
// the pairs only the new introspection has and the pairs only the old one
// had. A minor-only change produces neither.
func diffIntrospection(old, updated []interfacePair) (added, removed []interfacePair) {
	i, j := 0, 0
	for i < len(old) && j < len(updated) {
		switch {
		case old[i] == updated[j]:
			i++
			j++
		case pairLess(old[i], updated[j]):
			removed = append(removed, old[i])
			i++
		default:
			added = append(added, updated[j])
			j++
		}
	}
	removed = append(removed, old[i:]...)
	added = append(added, updated[j:]...)
	return added, removed
}

func pairLess(a, b interfacePair) bool {
	if a.name != b.name {
		return a.name < b.name
	}
	return a.major < b.major
}

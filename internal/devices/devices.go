// Package devices tracks which wireless clients are associated with the
// access point and classifies every change between two polls.
//
// The [Registry] is the single piece of state shared between the poller
// (sole writer) and the metrics handler (reader). Devices are never
// removed from it once seen; only their connected flag toggles.
package devices

import (
	"slices"
	"strings"
)

// DeviceID is a canonical client identifier, normally a MAC address in
// the upper-case colon-separated form "AA:BB:CC:DD:EE:FF".
type DeviceID string

// Canonicalize trims surrounding whitespace and upper-cases raw. Any
// punctuation is preserved.
func Canonicalize(raw string) DeviceID {
	return DeviceID(strings.ToUpper(strings.TrimSpace(raw)))
}

// Kind classifies a transition.
type Kind int

const (
	// KindNew is emitted the first time a device is observed.
	KindNew Kind = iota
	// KindConnected is emitted when a known device reappears.
	KindConnected
	// KindDisconnected is emitted when a connected device disappears.
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "discovered"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transition is a single observed change for one device.
type Transition struct {
	Device DeviceID
	Kind   Kind
}

// Diff applies snapshot to current and returns the resulting transitions.
// current is mutated in place.
//
// Every KindDisconnected transition precedes every KindConnected and
// KindNew transition. Disconnects are ordered by device ID; connects and
// discoveries follow snapshot order. Repeated IDs in snapshot are
// considered once. A snapshot equal to the currently connected set
// yields no transitions.
func Diff(current map[DeviceID]bool, snapshot []DeviceID) []Transition {
	seen := make(map[DeviceID]struct{}, len(snapshot))
	for _, id := range snapshot {
		seen[id] = struct{}{}
	}

	var gone []DeviceID
	for id, connected := range current {
		if _, ok := seen[id]; connected && !ok {
			gone = append(gone, id)
		}
	}
	slices.Sort(gone)

	transitions := make([]Transition, 0, len(gone)+4)
	for _, id := range gone {
		current[id] = false
		transitions = append(transitions, Transition{Device: id, Kind: KindDisconnected})
	}

	for _, id := range snapshot {
		connected, known := current[id]
		switch {
		case !known:
			current[id] = true
			transitions = append(transitions, Transition{Device: id, Kind: KindNew})
		case !connected:
			current[id] = true
			transitions = append(transitions, Transition{Device: id, Kind: KindConnected})
		}
	}

	return transitions
}

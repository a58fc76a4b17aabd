package vaod

import (
	"fmt"
	"strings"
)

// FilterMode is the lifecycle of estimation confidence.
type FilterMode uint8

const (
	ModeInit FilterMode = iota
	ModeAcquiring
	ModeTracking
	ModeDegraded
	ModeLost
)

var filterModeNames = [...]string{
	ModeInit:      "INIT",
	ModeAcquiring: "ACQUIRING",
	ModeTracking:  "TRACKING",
	ModeDegraded:  "DEGRADED",
	ModeLost:      "LOST",
}

func (m FilterMode) String() string {
	if int(m) < len(filterModeNames) {
		return filterModeNames[m]
	}
	return fmt.Sprintf("FilterMode(%d)", uint8(m))
}

// ParseFilterMode parses the upper- or lower-case mode name.
func ParseFilterMode(s string) (FilterMode, error) {
	for i, name := range filterModeNames {
		if strings.EqualFold(s, name) {
			return FilterMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown filter mode %q", s)
}

// modeTransitions is the complete set of legal mode changes. A forced
// re-INIT is legal from every mode that holds a state.
var modeTransitions = map[FilterMode][]FilterMode{
	ModeInit:      {ModeAcquiring},
	ModeAcquiring: {ModeTracking, ModeDegraded, ModeLost, ModeInit},
	ModeTracking:  {ModeDegraded, ModeLost, ModeInit},
	ModeDegraded:  {ModeTracking, ModeLost, ModeInit},
	ModeLost:      {ModeAcquiring, ModeInit},
}

// CanTransition reports whether from → to is in the transition table.
// Staying in the same mode is not a transition.
func CanTransition(from, to FilterMode) bool {
	for _, next := range modeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HasState reports whether the filter holds a propagated state in mode m.
func (m FilterMode) HasState() bool { return m != ModeInit }

// Valid reports whether a state published in mode m may be used at all.
func (m FilterMode) Valid() bool { return m == ModeAcquiring || m == ModeTracking || m == ModeDegraded }

// Authoritative reports whether a state published in mode m is closed-loop
// and converged.
func (m FilterMode) Authoritative() bool { return m == ModeTracking }

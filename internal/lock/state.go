package lock

import (
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/gimdow-ble/internal/registry"
)

// State is the bolt state as the core believes it.
type State int

const (
	// Unknown is the state before the first device report and after a
	// command whose outcome could not be confirmed.
	Unknown State = iota
	Locked
	Unlocked
	// Jammed means a lock command was withheld because the door is open.
	// It is never reported by the device.
	Jammed
	// Calibrating means a calibration action is in progress.
	Calibrating
)

var stateNames = []string{"unknown", "locked", "unlocked", "jammed", "calibrating"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState parses a state name as produced by String.
func ParseState(s string) (State, error) {
	s = strings.ToLower(s)
	for i, name := range stateNames {
		if s == name {
			return State(i), nil
		}
	}
	return Unknown, fmt.Errorf("lock: unknown state %q", s)
}

// bolt reports whether s is a device-reported bolt position.
func (s State) bolt() bool { return s == Locked || s == Unlocked }

// DoorState is the door position reported by an external sensor.
type DoorState int

const (
	DoorUnknown DoorState = iota
	DoorClosed
	DoorOpen
)

func (d DoorState) String() string {
	switch d {
	case DoorClosed:
		return "closed"
	case DoorOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Status is a snapshot of everything known about the lock. It is comparable;
// subscribers are only notified when it changes.
type Status struct {
	State     State
	Door      DoorState
	Connected bool

	Battery      int // percent, -1 until reported
	BatteryState registry.BatteryState
	HasBattery   bool // BatteryState has been reported

	AutoLock        bool // hardware auto-lock
	AutoLockSeconds int
	Direction       registry.Direction
	Volume          registry.Volume

	VirtualAutoLock      bool
	VirtualAutoLockDelay time.Duration

	RSSI int // dBm from the last advertisement scan, 0 if never seen

	// LastSeen is when the lock last reported anything. It alone never
	// triggers a notification.
	LastSeen time.Time
}

// differs compares two snapshots ignoring LastSeen.
func (s Status) differs(o Status) bool {
	s.LastSeen, o.LastSeen = time.Time{}, time.Time{}
	return s != o
}

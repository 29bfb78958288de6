package registry

import (
	"fmt"
	"strings"
)

// Bolt is the reported bolt position.
type Bolt int

const (
	Locked Bolt = iota
	Unlocked
)

func (b Bolt) String() string {
	if b == Unlocked {
		return "unlocked"
	}
	return "locked"
}

// Direction is the motor turning direction.
type Direction uint8

const (
	DirectionDefault Direction = iota
	DirectionReversed
)

func (d Direction) String() string {
	switch d {
	case DirectionDefault:
		return "default"
	case DirectionReversed:
		return "reversed"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ParseDirection parses "default" or "reversed".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "default", "normal", "forward":
		return DirectionDefault, nil
	case "reversed", "reverse":
		return DirectionReversed, nil
	}
	return 0, fmt.Errorf("%w: direction %q", ErrUnsupportedValue, s)
}

// Volume is the beeper volume level.
type Volume uint8

const (
	VolumeMute Volume = iota
	VolumeLow
	VolumeNormal
	VolumeHigh
)

var volumeNames = []string{"mute", "low", "normal", "high"}

func (v Volume) String() string {
	if int(v) < len(volumeNames) {
		return volumeNames[v]
	}
	return fmt.Sprintf("volume(%d)", uint8(v))
}

// ParseVolume parses a volume level name.
func ParseVolume(s string) (Volume, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range volumeNames {
		if s == name {
			return Volume(i), nil
		}
	}
	return 0, fmt.Errorf("%w: volume %q", ErrUnsupportedValue, s)
}

// BatteryState is the coarse battery report.
type BatteryState uint8

const (
	BatteryHigh BatteryState = iota
	BatteryNormal
	BatteryLow
)

func (b BatteryState) String() string {
	switch b {
	case BatteryHigh:
		return "high"
	case BatteryNormal:
		return "normal"
	case BatteryLow:
		return "low"
	default:
		return fmt.Sprintf("battery(%d)", uint8(b))
	}
}

// batteryStateFromWire maps the enum; the firmware uses both 2 and 3 for low.
func batteryStateFromWire(n uint32) (any, bool) {
	switch n {
	case 0:
		return BatteryHigh, true
	case 1:
		return BatteryNormal, true
	case 2, 3:
		return BatteryLow, true
	}
	return nil, false
}

// Package registry maps the lock's semantic properties to datapoint ids and
// encodings. The schema is fixed for this device family.
package registry

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/gimdow-ble/internal/ble/protocol"
)

var (
	// ErrUnsupportedValue is returned when a value is of the wrong kind or out
	// of range for its property. Nothing is sent to the device.
	ErrUnsupportedValue = errors.New("registry: unsupported value")
	// ErrUnknownProperty is returned for property names outside the schema.
	ErrUnknownProperty = errors.New("registry: unknown property")
	// ErrReadOnly is returned when encoding a property the device only reports.
	ErrReadOnly = errors.New("registry: property is read-only")
)

// Property names a semantic lock property or action.
type Property string

const (
	Lock            Property = "lock"
	Unlock          Property = "unlock"
	LockState       Property = "lock_state"
	BatteryLevel    Property = "battery_level"
	BatteryStatus   Property = "battery_state"
	AutoLock        Property = "auto_lock"
	AutoLockSeconds Property = "auto_lock_seconds"
	MotorDirection  Property = "motor_direction"
	VolumeLevel     Property = "volume"
	SyncClock       Property = "sync_clock"
	Recalibrate     Property = "recalibrate"
	UnlockMore      Property = "unlock_more"
	KeepRetracted   Property = "keep_retracted"
	AddForce        Property = "add_force"
)

// Datapoint ids.
const (
	dpUnlock          uint8 = 6
	dpBattery         uint8 = 8
	dpBatteryState    uint8 = 9
	dpVolume          uint8 = 31
	dpAutoLock        uint8 = 33
	dpAutoLockSeconds uint8 = 36
	dpSyncClock       uint8 = 44
	dpLock            uint8 = 46
	dpLockState       uint8 = 47
	dpCalibration     uint8 = 68
	dpMotorDirection  uint8 = 78
)

// Auto-lock delay bounds accepted by the firmware.
const (
	MinAutoLockSeconds = 1
	MaxAutoLockSeconds = 1800
)

// Reading is a decoded device report.
type Reading struct {
	Property Property
	Value    any
}

type entry struct {
	id       uint8
	typ      protocol.DatapointType
	trigger  protocol.Value // fixed value for actions; nil for state
	readOnly bool
	encode   func(v any) (protocol.Value, bool)
	decode   func(v protocol.Value) (any, bool)
}

var schema = map[Property]entry{
	Lock:   {id: dpLock, typ: protocol.TypeBool, trigger: protocol.Bool(true)},
	Unlock: {id: dpUnlock, typ: protocol.TypeBool, trigger: protocol.Bool(true)},
	LockState: {
		id: dpLockState, typ: protocol.TypeBool, readOnly: true,
		decode: func(v protocol.Value) (any, bool) {
			if v.(protocol.Bool) {
				return Unlocked, true
			}
			return Locked, true
		},
	},
	BatteryLevel: {
		id: dpBattery, typ: protocol.TypeValue, readOnly: true,
		decode: func(v protocol.Value) (any, bool) {
			n := int(v.(protocol.Int))
			return n, n >= 0 && n <= 100
		},
	},
	BatteryStatus: {
		id: dpBatteryState, typ: protocol.TypeEnum, readOnly: true,
		decode: func(v protocol.Value) (any, bool) {
			return batteryStateFromWire(uint32(v.(protocol.Enum)))
		},
	},
	AutoLock: {
		id: dpAutoLock, typ: protocol.TypeBool,
		encode: func(v any) (protocol.Value, bool) {
			b, ok := v.(bool)
			return protocol.Bool(b), ok
		},
		decode: func(v protocol.Value) (any, bool) { return bool(v.(protocol.Bool)), true },
	},
	AutoLockSeconds: {
		id: dpAutoLockSeconds, typ: protocol.TypeValue,
		encode: func(v any) (protocol.Value, bool) {
			n, ok := v.(int)
			if !ok || n < MinAutoLockSeconds || n > MaxAutoLockSeconds {
				return nil, false
			}
			return protocol.Int(n), true
		},
		decode: func(v protocol.Value) (any, bool) { return int(v.(protocol.Int)), true },
	},
	MotorDirection: {
		id: dpMotorDirection, typ: protocol.TypeBool,
		encode: func(v any) (protocol.Value, bool) {
			d, ok := v.(Direction)
			if !ok || d > DirectionReversed {
				return nil, false
			}
			return protocol.Bool(d == DirectionReversed), true
		},
		decode: func(v protocol.Value) (any, bool) {
			if v.(protocol.Bool) {
				return DirectionReversed, true
			}
			return DirectionDefault, true
		},
	},
	VolumeLevel: {
		id: dpVolume, typ: protocol.TypeEnum,
		encode: func(v any) (protocol.Value, bool) {
			vol, ok := v.(Volume)
			if !ok || vol > VolumeHigh {
				return nil, false
			}
			return protocol.Enum(vol), true
		},
		decode: func(v protocol.Value) (any, bool) {
			n := uint32(v.(protocol.Enum))
			return Volume(n), n <= uint32(VolumeHigh)
		},
	},
	SyncClock:     {id: dpSyncClock, typ: protocol.TypeBool, trigger: protocol.Bool(true)},
	Recalibrate:   {id: dpCalibration, typ: protocol.TypeEnum, trigger: protocol.Enum(0)},
	UnlockMore:    {id: dpCalibration, typ: protocol.TypeEnum, trigger: protocol.Enum(1)},
	KeepRetracted: {id: dpCalibration, typ: protocol.TypeEnum, trigger: protocol.Enum(2)},
	AddForce:      {id: dpCalibration, typ: protocol.TypeEnum, trigger: protocol.Enum(3)},
}

// byID indexes the queryable properties. Action ids are absent, so their
// echoes are never reported as state.
var byID = func() map[uint8]Property {
	m := make(map[uint8]Property)
	for p, e := range schema {
		if e.trigger == nil {
			m[e.id] = p
		}
	}
	return m
}()

// ToDatapoint encodes value for property. Actions ignore value and always
// encode their fixed trigger.
func ToDatapoint(p Property, value any) (protocol.Datapoint, error) {
	e, ok := schema[p]
	if !ok {
		return protocol.Datapoint{}, fmt.Errorf("%w: %q", ErrUnknownProperty, p)
	}
	if e.trigger != nil {
		return protocol.Datapoint{ID: e.id, Value: e.trigger}, nil
	}
	if e.readOnly {
		return protocol.Datapoint{}, fmt.Errorf("%w: %s", ErrReadOnly, p)
	}
	v, ok := e.encode(value)
	if !ok {
		return protocol.Datapoint{}, fmt.Errorf("%w: %v (%T) for %s", ErrUnsupportedValue, value, value, p)
	}
	return protocol.Datapoint{ID: e.id, Value: v}, nil
}

// Trigger encodes an action property.
func Trigger(p Property) (protocol.Datapoint, error) {
	if !IsAction(p) {
		return protocol.Datapoint{}, fmt.Errorf("%w: %s is not an action", ErrUnsupportedValue, p)
	}
	return ToDatapoint(p, nil)
}

// FromDatapoint decodes a device report. It returns false for unknown ids,
// action ids, type mismatches and out-of-range values.
func FromDatapoint(dp protocol.Datapoint) (Reading, bool) {
	p, ok := byID[dp.ID]
	if !ok || dp.Value == nil {
		return Reading{}, false
	}
	e := schema[p]
	if dp.Type() != e.typ {
		slog.Debug("[REGISTRY] datapoint type mismatch", "id", dp.ID, "got", dp.Type(), "want", e.typ)
		return Reading{}, false
	}
	v, ok := e.decode(dp.Value)
	if !ok {
		slog.Debug("[REGISTRY] datapoint value out of range", "id", dp.ID, "value", dp.Value)
		return Reading{}, false
	}
	return Reading{Property: p, Value: v}, true
}

// IsAction reports whether p is a fire-and-forget action rather than state.
func IsAction(p Property) bool {
	e, ok := schema[p]
	return ok && e.trigger != nil
}

// IsCalibration reports whether p is one of the calibration actions.
func IsCalibration(p Property) bool {
	switch p {
	case SyncClock, Recalibrate, UnlockMore, KeepRetracted, AddForce:
		return true
	}
	return false
}

// Lookup returns the datapoint id of p.
func Lookup(p Property) (uint8, bool) {
	e, ok := schema[p]
	return e.id, ok
}

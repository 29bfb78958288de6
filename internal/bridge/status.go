package bridge

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gimdow-ble/internal/lock"
)

// statusPayload is the retained JSON document on the status topic.
type statusPayload struct {
	State        string     `json:"state"`
	Door         string     `json:"door"`
	Connected    bool       `json:"connected"`
	Battery      *int       `json:"battery,omitempty"`
	BatteryState string     `json:"battery_state,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	RSSI         int        `json:"rssi,omitempty"` // dBm

	AutoLock        bool   `json:"auto_lock"`
	AutoLockSeconds int    `json:"auto_lock_seconds"`
	MotorDirection  string `json:"motor_direction"`
	Volume          string `json:"volume"`

	VirtualAutoLock      bool `json:"virtual_auto_lock"`
	VirtualAutoLockDelay int  `json:"virtual_auto_lock_delay"` // seconds
}

func newStatusPayload(s lock.Status) statusPayload {
	p := statusPayload{
		State:                s.State.String(),
		Door:                 s.Door.String(),
		Connected:            s.Connected,
		RSSI:                 s.RSSI,
		AutoLock:             s.AutoLock,
		AutoLockSeconds:      s.AutoLockSeconds,
		MotorDirection:       s.Direction.String(),
		Volume:               s.Volume.String(),
		VirtualAutoLock:      s.VirtualAutoLock,
		VirtualAutoLockDelay: int(s.VirtualAutoLockDelay / time.Second),
	}
	if s.Battery >= 0 {
		battery := s.Battery
		p.Battery = &battery
	}
	if s.HasBattery {
		p.BatteryState = s.BatteryState.String()
	}
	if !s.LastSeen.IsZero() {
		seen := s.LastSeen.UTC()
		p.LastSeen = &seen
	}
	return p
}

// resultPayload reports the outcome of one remote command on the result
// topic. ID matches the dispatcher's command id in the logs.
type resultPayload struct {
	ID       uuid.UUID `json:"id"`
	Command  string    `json:"command"`
	OK       bool      `json:"ok"`
	Deferred bool      `json:"deferred,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func newResultPayload(id uuid.UUID, command string, err error) resultPayload {
	r := resultPayload{ID: id, Command: command, OK: err == nil}
	switch {
	case errors.Is(err, lock.ErrDeferred):
		r.Deferred = true
	case err != nil:
		r.Error = err.Error()
	}
	return r
}

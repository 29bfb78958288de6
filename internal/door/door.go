// Package door turns an MQTT contact sensor into door state transitions for
// the lock state machine.
package door

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/gimdow-ble/internal/config"
	"github.com/chaz8081/gimdow-ble/internal/lock"
	"github.com/chaz8081/gimdow-ble/internal/mqtt"
)

// ErrUnrecognised is returned for payloads that match neither the open nor
// the closed payload.
var ErrUnrecognised = errors.New("door: unrecognised payload")

// Subscriber is the part of the MQTT client the sensor needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Sink receives door transitions. *device.Device implements it.
type Sink interface {
	Door(lock.DoorState)
}

// Sensor maps payloads on one topic to door states.
type Sensor struct {
	cfg  config.DoorConfig
	sink Sink
}

// New creates a Sensor feeding sink.
func New(cfg config.DoorConfig, sink Sink) *Sensor {
	return &Sensor{cfg: cfg, sink: sink}
}

// Start subscribes to the sensor topic.
func (s *Sensor) Start(sub Subscriber, qos byte) error {
	if err := sub.Subscribe(s.cfg.Topic, qos, s.handle); err != nil {
		return fmt.Errorf("door: subscribing to %s: %w", s.cfg.Topic, err)
	}
	slog.Info("[DOOR] listening", "topic", s.cfg.Topic)
	return nil
}

func (s *Sensor) handle(topic string, payload []byte) error {
	state, err := s.Parse(payload)
	if err != nil {
		return err
	}
	slog.Debug("[DOOR] state", "topic", topic, "door", state)
	s.sink.Door(state)
	return nil
}

// contactReport is the JSON shape published by zigbee2mqtt contact sensors,
// where contact true means closed.
type contactReport struct {
	Contact *bool `json:"contact"`
}

// Parse maps a payload to a door state. The configured payloads are matched
// exactly after trimming whitespace; a JSON object with a "contact" field is
// also accepted.
func (s *Sensor) Parse(payload []byte) (lock.DoorState, error) {
	p := string(bytes.TrimSpace(payload))
	switch p {
	case s.cfg.OpenPayload:
		return lock.DoorOpen, nil
	case s.cfg.ClosedPayload:
		return lock.DoorClosed, nil
	}

	var report contactReport
	if err := json.Unmarshal([]byte(p), &report); err == nil && report.Contact != nil {
		if *report.Contact {
			return lock.DoorClosed, nil
		}
		return lock.DoorOpen, nil
	}
	return lock.DoorUnknown, fmt.Errorf("%w: %q", ErrUnrecognised, p)
}

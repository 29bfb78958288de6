package ble

import (
	"context"
	"errors"
	"log/slog"

	"github.com/looplab/fsm"
)

// Session states.
const (
	StateDisconnected = "disconnected"
	StateHandshaking  = "handshaking"
	StateReady        = "ready"
)

const (
	eventHandshake = "handshake"
	eventReady     = "ready"
	eventDrop      = "drop"
)

// sessionState tracks Disconnected -> Handshaking -> Ready, with any state
// dropping back to Disconnected.
type sessionState struct {
	fsm *fsm.FSM
}

func newSessionState(address string) *sessionState {
	return &sessionState{
		fsm: fsm.NewFSM(
			StateDisconnected,
			fsm.Events{
				{Name: eventHandshake, Src: []string{StateDisconnected}, Dst: StateHandshaking},
				{Name: eventReady, Src: []string{StateHandshaking}, Dst: StateReady},
				{Name: eventDrop, Src: []string{StateHandshaking, StateReady}, Dst: StateDisconnected},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					slog.Debug("[BLE] session state", "address", address, "from", e.Src, "to", e.Dst)
				},
			},
		),
	}
}

func (s *sessionState) fire(event string) error {
	err := s.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

func (s *sessionState) begin() error { return s.fire(eventHandshake) }
func (s *sessionState) ready() error { return s.fire(eventReady) }

// drop moves to Disconnected. It reports whether the state changed.
func (s *sessionState) drop() bool {
	if s.fsm.Is(StateDisconnected) {
		return false
	}
	return s.fire(eventDrop) == nil
}

func (s *sessionState) current() string { return s.fsm.Current() }
func (s *sessionState) is(state string) bool {
	return s.fsm.Is(state)
}

// Package bridge exposes a lock over MQTT: the status is published retained
// on every change and commands arrive on per-name command topics.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gimdow-ble/internal/dispatch"
	"github.com/chaz8081/gimdow-ble/internal/lock"
	"github.com/chaz8081/gimdow-ble/internal/mqtt"
	"github.com/chaz8081/gimdow-ble/internal/registry"
)

// VirtualAutoLock is the command name that toggles locking on door close.
// It is handled locally and never reaches the lock.
const VirtualAutoLock = "virtual_auto_lock"

// ErrStopped is returned for commands that arrive after Run has returned.
var ErrStopped = errors.New("bridge: stopped")

// PubSub is the part of the MQTT client the bridge needs.
type PubSub interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	QoS() byte
}

// Lock is the part of the device facade the bridge drives.
type Lock interface {
	Status() lock.Status
	Subscribe() (<-chan lock.Status, func())
	Execute(ctx context.Context, p registry.Property, value any) error
	SetVirtualAutoLock(enabled bool, delay time.Duration)
}

// Options configures a Bridge.
type Options struct {
	// CommandTimeout bounds each remote command. Default 30s.
	CommandTimeout time.Duration
}

// Bridge connects one lock to the broker.
type Bridge struct {
	ps     PubSub
	dev    Lock
	topics mqtt.Topics
	opts   Options

	// mu guards ctx and stopped against command handlers running on the
	// MQTT client's goroutines.
	mu      sync.Mutex
	ctx     context.Context
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Bridge. Call Run to start it.
func New(ps PubSub, dev Lock, topics mqtt.Topics, opts Options) *Bridge {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	return &Bridge{ps: ps, dev: dev, topics: topics, opts: opts}
}

// Run subscribes to commands and publishes status changes until ctx is done.
// Commands still running when ctx ends are cancelled and waited for.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
	defer b.stop()

	updates, unsubscribe := b.dev.Subscribe()
	defer unsubscribe()

	if err := b.ps.Subscribe(b.topics.AllCommands(), b.ps.QoS(), b.handleCommand); err != nil {
		return fmt.Errorf("bridge: subscribing to commands: %w", err)
	}
	b.publish(b.dev.Status())

	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-updates:
			if !ok {
				return nil
			}
			b.publish(s)
		}
	}
}

// stop rejects further commands and waits for those already running.
func (b *Bridge) stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.wg.Wait()
}

// track reserves a slot for one background command, or reports that the
// bridge is no longer running.
func (b *Bridge) track() (context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.ctx == nil || b.ctx.Err() != nil {
		return nil, false
	}
	b.wg.Add(1)
	return b.ctx, true
}

func (b *Bridge) publish(s lock.Status) {
	data, err := json.Marshal(newStatusPayload(s))
	if err != nil {
		slog.Error("[BRIDGE] encoding status", "error", err)
		return
	}
	if err := b.ps.PublishRetained(b.topics.Status(), data); err != nil {
		slog.Warn("[BRIDGE] publishing status failed", "topic", b.topics.Status(), "error", err)
	}
}

// handleCommand runs on the MQTT client's goroutine, so the command itself
// runs in the background.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	name, ok := b.topics.CommandName(topic)
	if !ok {
		return fmt.Errorf("bridge: not a command topic: %s", topic)
	}
	text := strings.TrimSpace(string(payload))

	if name == VirtualAutoLock {
		return b.setVirtualAutoLock(text)
	}

	p := registry.Property(name)
	value, err := ParseValue(p, text)
	if err != nil {
		return err
	}

	parent, ok := b.track()
	if !ok {
		return fmt.Errorf("%w: dropping %s", ErrStopped, name)
	}
	id := uuid.New()
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(dispatch.WithCommandID(parent, id), b.opts.CommandTimeout)
		defer cancel()

		err := b.dev.Execute(ctx, p, value)
		switch {
		case err == nil:
			slog.Info("[BRIDGE] command done", "id", id, "command", name)
		case errors.Is(err, lock.ErrDeferred):
			slog.Info("[BRIDGE] lock deferred until the door closes", "id", id, "command", name)
		default:
			slog.Warn("[BRIDGE] command failed", "id", id, "command", name, "error", err)
		}
		b.publishResult(newResultPayload(id, name, err))
	}()
	return nil
}

func (b *Bridge) publishResult(r resultPayload) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Error("[BRIDGE] encoding result", "error", err)
		return
	}
	if err := b.ps.Publish(b.topics.Result(), data, b.ps.QoS(), false); err != nil {
		slog.Warn("[BRIDGE] publishing result failed", "id", r.ID, "error", err)
	}
}

// setVirtualAutoLock accepts an on/off word (including "1" and "0"), or a
// delay in seconds of 2 or more, which also enables it.
func (b *Bridge) setVirtualAutoLock(text string) error {
	if on, err := parseBool(text); err == nil {
		b.dev.SetVirtualAutoLock(on, b.dev.Status().VirtualAutoLockDelay)
		return nil
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("%w: %q is not on/off or a delay", registry.ErrUnsupportedValue, text)
	}
	if n <= 0 {
		return fmt.Errorf("%w: delay %d", registry.ErrUnsupportedValue, n)
	}
	b.dev.SetVirtualAutoLock(true, time.Duration(n)*time.Second)
	return nil
}

// ParseValue converts a command payload into the value Execute expects for p.
// Actions take no value and ignore the payload.
func ParseValue(p registry.Property, text string) (any, error) {
	if registry.IsAction(p) {
		return nil, nil
	}
	switch p {
	case registry.AutoLockSeconds:
		n, err := strconv.Atoi(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %q for %s", registry.ErrUnsupportedValue, text, p)
		}
		return n, nil
	case registry.MotorDirection:
		return registry.ParseDirection(text)
	case registry.VolumeLevel:
		return registry.ParseVolume(text)
	case registry.AutoLock:
		return parseBool(text)
	}
	if _, ok := registry.Lookup(p); ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrReadOnly, p)
	}
	return nil, fmt.Errorf("%w: %q", registry.ErrUnknownProperty, p)
}

func parseBool(text string) (bool, error) {
	switch strings.ToLower(text) {
	case "on", "true", "1", "yes", "enable", "enabled":
		return true, nil
	case "off", "false", "0", "no", "disable", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not on/off", registry.ErrUnsupportedValue, text)
}

// Package device is the caller-facing API for one lock. It wires the BLE
// client, the command dispatcher and the lock state machine together.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gimdow-ble/internal/ble"
	"github.com/chaz8081/gimdow-ble/internal/ble/protocol"
	"github.com/chaz8081/gimdow-ble/internal/dispatch"
	"github.com/chaz8081/gimdow-ble/internal/lock"
	"github.com/chaz8081/gimdow-ble/internal/registry"
)

// Options configures a Device.
type Options struct {
	Client   ble.ClientOptions
	Dispatch dispatch.Options
	Lock     lock.Options
	// PollInterval is how often DEVICE_STATUS is sent while connected so the
	// lock keeps reporting. Zero disables polling.
	PollInterval time.Duration
	// DoorSensor forces the hardware auto-lock off on every connect so the
	// bolt never throws into an open door.
	DoorSensor bool
}

// DefaultOptions returns the default device options.
func DefaultOptions() Options {
	return Options{
		Client:       ble.DefaultClientOptions(),
		Dispatch:     dispatch.DefaultOptions(),
		PollInterval: 5 * time.Minute,
	}
}

// Device is one Gimdow lock.
type Device struct {
	id         string
	opts       Options
	client     *ble.Client
	dispatcher *dispatch.Dispatcher
	machine    *lock.Machine

	mu        sync.Mutex
	info      ble.DeviceInfo
	hasInfo   bool
	stopReady context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Device. Call Start to begin connecting.
func New(adapter ble.Adapter, creds ble.Credentials, opts Options) (*Device, error) {
	d := &Device{
		id:         creds.DeviceID,
		opts:       opts,
		dispatcher: dispatch.New(opts.Dispatch),
	}
	d.machine = lock.New(d.dispatcher, opts.Lock)

	client, err := ble.NewClient(adapter, creds, d, opts.Client)
	if err != nil {
		d.machine.Close()
		d.dispatcher.Close()
		return nil, fmt.Errorf("device: %w", err)
	}
	d.client = client
	return d, nil
}

// ID returns the device id from the credentials.
func (d *Device) ID() string { return d.id }

// Start begins connecting in the background.
func (d *Device) Start(ctx context.Context) error {
	return d.client.Start(ctx)
}

// Close disconnects and fails all outstanding commands.
func (d *Device) Close() error {
	err := d.client.Close()
	d.stop()
	d.dispatcher.Close()
	d.machine.Close()
	return err
}

// SessionReady implements ble.Observer.
func (d *Device) SessionReady(s *ble.Session, info ble.DeviceInfo) {
	d.ready(s, info)
}

// SessionLost implements ble.Observer.
func (d *Device) SessionLost(err error) {
	slog.Info("[DEVICE] connection lost", "device", d.id, "error", err)
	d.stop()
	d.dispatcher.Detach()
	d.machine.SetConnected(false)
}

// Signal implements ble.SignalObserver.
func (d *Device) Signal(rssi int) {
	d.machine.SetSignal(rssi)
}

// Push implements ble.Observer.
func (d *Device) Push(p protocol.Push) {
	d.machine.HandlePush(p)
}

func (d *Device) ready(r dispatch.Requester, info ble.DeviceInfo) {
	slog.Info("[DEVICE] connected", "device", d.id,
		"firmware", info.DeviceVersion, "protocol", info.ProtocolVersion, "hardware", info.HardwareVersion)

	d.mu.Lock()
	d.info, d.hasInfo = info, true
	d.mu.Unlock()

	d.dispatcher.Attach(r)
	d.machine.SetConnected(true)

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.stopReady = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.initialize(ctx)
		d.poll(ctx)
	}()
}

// initialize runs once per session: the hardware auto-lock is switched off
// when a door sensor is in charge, then all datapoints are requested.
func (d *Device) initialize(ctx context.Context) {
	if d.opts.DoorSensor {
		if err := d.machine.SetHardwareAutoLock(ctx, false); err != nil {
			slog.Warn("[DEVICE] could not disable hardware auto-lock", "device", d.id, "error", err)
		}
	}
	if _, err := d.dispatcher.Do(ctx, dispatch.QueryStatus()); err != nil {
		slog.Warn("[DEVICE] status query failed", "device", d.id, "error", err)
	}
}

func (d *Device) poll(ctx context.Context) {
	if d.opts.PollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.dispatcher.Do(ctx, dispatch.QueryStatus()); err != nil {
				slog.Warn("[DEVICE] status poll failed", "device", d.id, "error", err)
			}
		}
	}
}

func (d *Device) stop() {
	d.mu.Lock()
	cancel := d.stopReady
	d.stopReady = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Info returns the versions reported during the last handshake.
func (d *Device) Info() (ble.DeviceInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info, d.hasInfo
}

// Status returns the current lock status.
func (d *Device) Status() lock.Status { return d.machine.Status() }

// Subscribe streams status changes, including connectivity.
func (d *Device) Subscribe() (<-chan lock.Status, func()) { return d.machine.Subscribe() }

// Restore seeds the last known status, typically from the store.
func (d *Device) Restore(s lock.Status) { d.machine.Restore(s) }

// Door feeds a door sensor transition.
func (d *Device) Door(s lock.DoorState) { d.machine.SetDoor(s) }

// Lock throws the bolt, or returns lock.ErrDeferred while the door is open.
func (d *Device) Lock(ctx context.Context) error { return d.machine.Lock(ctx) }

// Unlock retracts the bolt.
func (d *Device) Unlock(ctx context.Context) error { return d.machine.Unlock(ctx) }

// SetAutoLockSeconds sets the hardware auto-lock delay (1..1800).
func (d *Device) SetAutoLockSeconds(ctx context.Context, n int) error {
	return d.machine.SetAutoLockSeconds(ctx, n)
}

// SetMotorDirection sets the motor direction.
func (d *Device) SetMotorDirection(ctx context.Context, dir registry.Direction) error {
	return d.machine.SetMotorDirection(ctx, dir)
}

// SetVolume sets the beeper volume.
func (d *Device) SetVolume(ctx context.Context, v registry.Volume) error {
	return d.machine.SetVolume(ctx, v)
}

// SetVirtualAutoLock enables or disables locking after the door closes.
func (d *Device) SetVirtualAutoLock(enabled bool, delay time.Duration) {
	d.machine.SetVirtualAutoLock(enabled, delay)
}

// SyncClock asks the lock to resync its clock.
func (d *Device) SyncClock(ctx context.Context) error {
	return d.machine.Calibrate(ctx, registry.SyncClock)
}

// Recalibrate runs the bolt calibration.
func (d *Device) Recalibrate(ctx context.Context) error {
	return d.machine.Calibrate(ctx, registry.Recalibrate)
}

// UnlockMore turns the motor further when unlocking.
func (d *Device) UnlockMore(ctx context.Context) error {
	return d.machine.Calibrate(ctx, registry.UnlockMore)
}

// KeepRetracted holds the latch retracted.
func (d *Device) KeepRetracted(ctx context.Context) error {
	return d.machine.Calibrate(ctx, registry.KeepRetracted)
}

// AddForce increases the motor force.
func (d *Device) AddForce(ctx context.Context) error {
	return d.machine.Calibrate(ctx, registry.AddForce)
}

// Execute runs a named action or setting, as received from a remote command
// channel. Value is ignored for actions.
func (d *Device) Execute(ctx context.Context, p registry.Property, value any) error {
	switch {
	case p == registry.Lock:
		return d.Lock(ctx)
	case p == registry.Unlock:
		return d.Unlock(ctx)
	case registry.IsCalibration(p):
		return d.machine.Calibrate(ctx, p)
	}
	switch p {
	case registry.AutoLockSeconds:
		n, ok := value.(int)
		if !ok {
			return fmt.Errorf("%w: %v for %s", registry.ErrUnsupportedValue, value, p)
		}
		return d.SetAutoLockSeconds(ctx, n)
	case registry.MotorDirection:
		dir, ok := value.(registry.Direction)
		if !ok {
			return fmt.Errorf("%w: %v for %s", registry.ErrUnsupportedValue, value, p)
		}
		return d.SetMotorDirection(ctx, dir)
	case registry.VolumeLevel:
		v, ok := value.(registry.Volume)
		if !ok {
			return fmt.Errorf("%w: %v for %s", registry.ErrUnsupportedValue, value, p)
		}
		return d.SetVolume(ctx, v)
	case registry.AutoLock:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %v for %s", registry.ErrUnsupportedValue, value, p)
		}
		return d.machine.SetHardwareAutoLock(ctx, on)
	}
	if _, ok := registry.Lookup(p); ok {
		return fmt.Errorf("%w: %s", registry.ErrReadOnly, p)
	}
	return fmt.Errorf("%w: %q", registry.ErrUnknownProperty, p)
}

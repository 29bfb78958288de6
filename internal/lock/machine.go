// Package lock tracks the bolt state of one lock and gates lock commands on
// the door position: a lock requested while the door is open is withheld
// (Jammed) and sent when the door closes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gimdow-ble/internal/ble/protocol"
	"github.com/chaz8081/gimdow-ble/internal/dispatch"
	"github.com/chaz8081/gimdow-ble/internal/registry"
)

// ErrDeferred is returned by Lock when the door is open. The lock is sent
// once the door closes, unless an unlock or a disconnect cancels it first.
var ErrDeferred = errors.New("lock: deferred until the door closes")

// Executor writes datapoints to the lock and waits for it to accept them.
// *dispatch.Dispatcher implements it.
type Executor interface {
	Write(ctx context.Context, name string, dps ...protocol.Datapoint) error
}

// Options configures a Machine.
type Options struct {
	VirtualAutoLock bool          // lock AutoLockDelay after the door closes
	AutoLockDelay   time.Duration // default 30s
	// CommandTimeout bounds locks the machine sends on its own (deferred and
	// automatic). Default 30s.
	CommandTimeout time.Duration
}

const subscriberBuffer = 16

// Machine is the lock state machine. All methods are safe for concurrent use.
type Machine struct {
	exec Executor
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	status    Status
	published Status
	lastBolt  State  // last device-reported bolt position
	intent    bool   // lock withheld while Jammed
	token     uint64 // bumped by every bolt operation; stale results are ignored
	pending   State  // target of the bolt operation in flight, Unknown if none
	autoGen   uint64
	autoTimer *time.Timer
	subs      map[int]chan Status
	nextSub   int
	closed    bool
}

// New creates a Machine in the Unknown state.
func New(exec Executor, opts Options) *Machine {
	if opts.AutoLockDelay <= 0 {
		opts.AutoLockDelay = 30 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		exec:   exec,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]chan Status),
	}
	m.status = Status{
		Battery:              -1,
		VirtualAutoLock:      opts.VirtualAutoLock,
		VirtualAutoLockDelay: opts.AutoLockDelay,
	}
	m.published = m.status
	return m
}

// Status returns the current snapshot.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe returns a channel receiving every status change in order. A
// subscriber that falls behind loses the oldest pending snapshot. The returned
// func unsubscribes and closes the channel.
func (m *Machine) Subscribe() (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Status, subscriberBuffer)
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		})
	}
}

// Restore seeds the machine with a previously persisted status. Local-only
// states do not survive a restart and become Unknown.
func (m *Machine) Restore(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.State.bolt() {
		s.State = Unknown
	}
	s.Door = m.status.Door
	s.Connected = m.status.Connected
	s.VirtualAutoLock = m.status.VirtualAutoLock
	s.VirtualAutoLockDelay = m.status.VirtualAutoLockDelay
	s.RSSI = m.status.RSSI
	m.status = s
	m.lastBolt = s.State
	m.commitLocked()
}

// Lock throws the bolt. It is a no-op while Locked with nothing in flight.
// With the door open nothing is sent, the state becomes Jammed and
// ErrDeferred is returned.
func (m *Machine) Lock(ctx context.Context) error {
	dp, err := registry.Trigger(registry.Lock)
	if err != nil {
		return err
	}

	m.mu.Lock()
	switch {
	case m.status.State == Locked && m.pending == Unknown:
		m.mu.Unlock()
		return nil
	case m.status.Door == DoorOpen:
		m.intent = true
		m.supersedeLocked()
		m.cancelAutoLocked()
		m.status.State = Jammed
		m.commitLocked()
		m.mu.Unlock()
		slog.Info("[LOCK] lock withheld, door is open")
		return ErrDeferred
	}
	m.intent = false
	tok := m.beginLocked(Locked)
	m.mu.Unlock()

	return m.finish(ctx, tok, string(registry.Lock), dp, func() { m.adoptLocked(Locked) })
}

// Unlock retracts the bolt regardless of the door and cancels a withheld lock.
func (m *Machine) Unlock(ctx context.Context) error {
	dp, err := registry.Trigger(registry.Unlock)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cancelAutoLocked()
	if m.status.State == Unlocked && m.pending == Unknown {
		m.mu.Unlock()
		return nil
	}
	if m.intent {
		m.intent = false
		m.status.State = m.lastBolt
		slog.Info("[LOCK] withheld lock cancelled by unlock")
	}
	tok := m.beginLocked(Unlocked)
	m.commitLocked()
	m.mu.Unlock()

	return m.finish(ctx, tok, string(registry.Unlock), dp, func() { m.adoptLocked(Unlocked) })
}

// Calibrate runs one of the calibration actions. The state is Calibrating
// until the device acknowledges, then returns to the last reported bolt state.
func (m *Machine) Calibrate(ctx context.Context, action registry.Property) error {
	if !registry.IsCalibration(action) {
		return fmt.Errorf("%w: %s is not a calibration action", registry.ErrUnsupportedValue, action)
	}
	dp, err := registry.Trigger(action)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.intent = false
	m.cancelAutoLocked()
	tok := m.beginLocked(Calibrating)
	m.status.State = Calibrating
	m.commitLocked()
	m.mu.Unlock()

	return m.finish(ctx, tok, string(action), dp, func() { m.status.State = m.lastBolt })
}

// SetAutoLockSeconds sets the hardware auto-lock delay.
func (m *Machine) SetAutoLockSeconds(ctx context.Context, n int) error {
	return m.set(ctx, registry.AutoLockSeconds, n, func(s *Status) { s.AutoLockSeconds = n })
}

// SetHardwareAutoLock switches the lock's own auto-lock on or off.
func (m *Machine) SetHardwareAutoLock(ctx context.Context, on bool) error {
	return m.set(ctx, registry.AutoLock, on, func(s *Status) { s.AutoLock = on })
}

// SetMotorDirection sets the motor turning direction.
func (m *Machine) SetMotorDirection(ctx context.Context, d registry.Direction) error {
	return m.set(ctx, registry.MotorDirection, d, func(s *Status) { s.Direction = d })
}

// SetVolume sets the beeper volume.
func (m *Machine) SetVolume(ctx context.Context, v registry.Volume) error {
	return m.set(ctx, registry.VolumeLevel, v, func(s *Status) { s.Volume = v })
}

// SetVirtualAutoLock configures locking after the door closes. A zero delay
// keeps the current one.
func (m *Machine) SetVirtualAutoLock(enabled bool, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.VirtualAutoLock = enabled
	if delay > 0 {
		m.status.VirtualAutoLockDelay = delay
	}
	if !enabled {
		m.cancelAutoLocked()
	}
	m.commitLocked()
}

// SetDoor records a door sensor transition. Closing the door sends a withheld
// lock, or arms the virtual auto-lock when the bolt is retracted.
func (m *Machine) SetDoor(d DoorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.status.Door
	m.status.Door = d
	if d != prev {
		slog.Debug("[LOCK] door changed", "from", prev, "to", d)
	}

	switch d {
	case DoorOpen:
		m.cancelAutoLocked()
	case DoorClosed:
		if m.intent && m.status.State == Jammed {
			m.intent = false
			tok := m.beginLocked(Locked)
			m.goLocked(func(ctx context.Context) { m.sendDeferred(ctx, tok) })
		} else if prev != DoorClosed && m.status.State == Unlocked && m.status.VirtualAutoLock {
			m.armAutoLocked()
		}
	}
	m.commitLocked()
}

// SetConnected records connectivity. Losing the connection discards a
// withheld lock and the auto-lock timer; the last known bolt state is kept.
func (m *Machine) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Connected = connected
	if !connected {
		m.intent = false
		m.supersedeLocked()
		m.cancelAutoLocked()
		if m.status.State == Jammed || m.status.State == Calibrating {
			m.status.State = m.lastBolt
		}
	}
	m.commitLocked()
}

// SetSignal records the lock's advertised signal strength in dBm.
func (m *Machine) SetSignal(rssi int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.RSSI = rssi
	m.commitLocked()
}

// HandlePush applies a device report. A reported bolt position overrides the
// local state except while Jammed or Calibrating, where it is remembered and
// applied once the local state resolves.
func (m *Machine) HandlePush(p protocol.Push) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dp := range p.Datapoints {
		r, ok := registry.FromDatapoint(dp)
		if !ok {
			continue
		}
		m.applyLocked(r)
	}
	m.status.LastSeen = time.Now()
	m.commitLocked()
}

func (m *Machine) applyLocked(r registry.Reading) {
	switch r.Property {
	case registry.LockState:
		bolt := Locked
		if r.Value.(registry.Bolt) == registry.Unlocked {
			bolt = Unlocked
		}
		m.lastBolt = bolt
		if m.status.State != Jammed && m.status.State != Calibrating {
			m.status.State = bolt
		}
	case registry.BatteryLevel:
		m.status.Battery = r.Value.(int)
	case registry.BatteryStatus:
		m.status.BatteryState = r.Value.(registry.BatteryState)
		m.status.HasBattery = true
	case registry.AutoLock:
		m.status.AutoLock = r.Value.(bool)
	case registry.AutoLockSeconds:
		m.status.AutoLockSeconds = r.Value.(int)
	case registry.MotorDirection:
		m.status.Direction = r.Value.(registry.Direction)
	case registry.VolumeLevel:
		m.status.Volume = r.Value.(registry.Volume)
	}
}

// Close stops background locks and closes all subscriptions.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancelAutoLocked()
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

// beginLocked starts a bolt operation towards target, superseding any
// operation in flight.
func (m *Machine) beginLocked(target State) uint64 {
	m.token++
	m.pending = target
	return m.token
}

// supersedeLocked makes the result of the operation in flight stale.
func (m *Machine) supersedeLocked() {
	m.token++
	m.pending = Unknown
}

// finish sends dp and applies onSuccess unless a newer operation or a
// disconnect superseded this one.
func (m *Machine) finish(ctx context.Context, tok uint64, name string, dp protocol.Datapoint, onSuccess func()) error {
	err := m.exec.Write(ctx, name, dp)

	m.mu.Lock()
	defer m.mu.Unlock()
	if tok != m.token {
		slog.Debug("[LOCK] superseded result ignored", "command", name, "error", err)
		return err
	}
	m.pending = Unknown
	if err != nil {
		m.failLocked(name, err)
	} else {
		onSuccess()
	}
	m.commitLocked()
	return err
}

// failLocked resolves the state after an unconfirmed operation. When the
// session went away the command may not have reached the lock, so the last
// reported state stands; otherwise the bolt position is unknown.
func (m *Machine) failLocked(name string, err error) {
	if errors.Is(err, dispatch.ErrSessionLost) || errors.Is(err, dispatch.ErrNotReady) || errors.Is(err, dispatch.ErrClosed) {
		m.status.State = m.lastBolt
		slog.Warn("[LOCK] command not confirmed, keeping last known state", "command", name, "state", m.lastBolt, "error", err)
		return
	}
	m.status.State = Unknown
	m.lastBolt = Unknown
	slog.Error("[LOCK] command failed, bolt state unknown", "command", name, "error", err)
}

func (m *Machine) adoptLocked(s State) {
	m.status.State = s
	m.lastBolt = s
}

func (m *Machine) sendDeferred(ctx context.Context, tok uint64) {
	slog.Info("[LOCK] door closed, sending withheld lock")
	dp, _ := registry.Trigger(registry.Lock)
	if err := m.finish(ctx, tok, "deferred lock", dp, func() { m.adoptLocked(Locked) }); err != nil {
		slog.Warn("[LOCK] withheld lock failed", "error", err)
	}
}

func (m *Machine) set(ctx context.Context, p registry.Property, value any, apply func(*Status)) error {
	dp, err := registry.ToDatapoint(p, value)
	if err != nil {
		return err
	}
	if err := m.exec.Write(ctx, string(p), dp); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.status)
	m.commitLocked()
	return nil
}

// goLocked runs fn in the background with the machine's context.
func (m *Machine) goLocked(fn func(ctx context.Context)) {
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.CommandTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (m *Machine) armAutoLocked() {
	m.cancelAutoLocked()
	gen := m.autoGen
	delay := m.status.VirtualAutoLockDelay
	slog.Debug("[LOCK] auto-lock armed", "delay", delay)
	m.autoTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.autoGen || m.status.Door != DoorClosed || m.status.State != Unlocked {
			return
		}
		m.autoTimer = nil
		m.goLocked(func(ctx context.Context) {
			slog.Info("[LOCK] auto-locking after door close")
			if err := m.Lock(ctx); err != nil {
				slog.Warn("[LOCK] auto-lock failed", "error", err)
			}
		})
	})
}

func (m *Machine) cancelAutoLocked() {
	m.autoGen++
	if m.autoTimer != nil {
		m.autoTimer.Stop()
		m.autoTimer = nil
	}
}

// commitLocked notifies subscribers if the status changed.
func (m *Machine) commitLocked() {
	if !m.status.differs(m.published) {
		return
	}
	m.published = m.status
	slog.Debug("[LOCK] status changed", "state", m.status.State, "door", m.status.Door, "battery", m.status.Battery)
	for _, ch := range m.subs {
		select {
		case ch <- m.status:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- m.status:
			default:
			}
		}
	}
}

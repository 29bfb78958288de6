package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gimdow-ble/internal/dispatch"
	"github.com/chaz8081/gimdow-ble/internal/lock"
	"github.com/chaz8081/gimdow-ble/internal/mqtt"
	"github.com/chaz8081/gimdow-ble/internal/registry"
)

type published struct {
	topic   string
	payload []byte
}

type fakePubSub struct {
	mu       sync.Mutex
	messages []published
	results  []published
	handlers map[string]mqtt.MessageHandler
	subErr   error
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakePubSub) PublishRetained(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic, payload})
	return nil
}

func (f *fakePubSub) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if retained {
		f.messages = append(f.messages, published{topic, payload})
	} else {
		f.results = append(f.results, published{topic, payload})
	}
	return nil
}

func (f *fakePubSub) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakePubSub) QoS() byte { return 1 }

func (f *fakePubSub) handler(topic string) mqtt.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

func (f *fakePubSub) statuses(t *testing.T) []statusPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []statusPayload
	for _, m := range f.messages {
		var p statusPayload
		if err := json.Unmarshal(m.payload, &p); err != nil {
			t.Fatalf("bad status payload %s: %v", m.payload, err)
		}
		out = append(out, p)
	}
	return out
}

func (f *fakePubSub) commandResults(t *testing.T) []resultPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []resultPayload
	for _, m := range f.results {
		if m.topic != "gimdow/bf01/result" {
			t.Errorf("result topic = %q", m.topic)
		}
		var r resultPayload
		if err := json.Unmarshal(m.payload, &r); err != nil {
			t.Fatalf("bad result payload %s: %v", m.payload, err)
		}
		out = append(out, r)
	}
	return out
}

type call struct {
	prop  registry.Property
	value any
}

type fakeLock struct {
	mu      sync.Mutex
	status  lock.Status
	updates chan lock.Status
	calls   []call
	ids     []uuid.UUID
	err     error

	virtual bool
	delay   time.Duration
}

func newFakeLock() *fakeLock {
	return &fakeLock{
		status:  lock.Status{Battery: -1, VirtualAutoLockDelay: 30 * time.Second},
		updates: make(chan lock.Status, 4),
	}
}

func (f *fakeLock) Status() lock.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeLock) Subscribe() (<-chan lock.Status, func()) { return f.updates, func() {} }

func (f *fakeLock) Execute(ctx context.Context, p registry.Property, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{p, value})
	id, _ := dispatch.CommandID(ctx)
	f.ids = append(f.ids, id)
	return f.err
}

func (f *fakeLock) SetVirtualAutoLock(enabled bool, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.virtual, f.delay = enabled, delay
}

func (f *fakeLock) executed() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

var topics = mqtt.Topics{Prefix: "gimdow", DeviceID: "bf01"}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// start runs a bridge until the test ends.
func start(t *testing.T, ps *fakePubSub, dev *fakeLock) *Bridge {
	t.Helper()
	b := New(ps, dev, topics, Options{CommandTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
	waitFor(t, "command subscription", func() bool { return ps.handler(topics.AllCommands()) != nil })
	return b
}

func TestPublishesInitialAndChangedStatus(t *testing.T) {
	ps, dev := newFakePubSub(), newFakeLock()
	start(t, ps, dev)

	waitFor(t, "initial status", func() bool { return len(ps.statuses(t)) == 1 })
	first := ps.statuses(t)[0]
	if first.State != "unknown" || first.Battery != nil || first.LastSeen != nil {
		t.Errorf("initial status = %+v", first)
	}

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dev.updates <- lock.Status{
		State: lock.Locked, Door: lock.DoorClosed, Connected: true,
		Battery: 64, BatteryState: registry.BatteryNormal, HasBattery: true,
		Volume: registry.VolumeHigh, LastSeen: seen, RSSI: -58,
		VirtualAutoLock: true, VirtualAutoLockDelay: 45 * time.Second,
	}
	waitFor(t, "changed status", func() bool { return len(ps.statuses(t)) == 2 })
	got := ps.statuses(t)[1]
	if got.State != "locked" || got.Door != "closed" || !got.Connected {
		t.Errorf("status = %+v", got)
	}
	if got.Battery == nil || *got.Battery != 64 || got.BatteryState != "normal" {
		t.Errorf("battery = %v %q", got.Battery, got.BatteryState)
	}
	if got.Volume != "high" || got.VirtualAutoLockDelay != 45 || !got.VirtualAutoLock {
		t.Errorf("settings = %+v", got)
	}
	if got.RSSI != -58 || first.RSSI != 0 {
		t.Errorf("rssi = %d, initial %d", got.RSSI, first.RSSI)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("last_seen = %v, want %v", got.LastSeen, seen)
	}

	ps.mu.Lock()
	topic := ps.messages[0].topic
	ps.mu.Unlock()
	if topic != "gimdow/bf01/status" {
		t.Errorf("status topic = %q", topic)
	}
}

func TestCommandsReachDevice(t *testing.T) {
	ps, dev := newFakePubSub(), newFakeLock()
	start(t, ps, dev)
	h := ps.handler(topics.AllCommands())

	cmds := []struct {
		name    string
		payload string
		want    call
	}{
		{"lock", "", call{registry.Lock, nil}},
		{"volume", "Low", call{registry.VolumeLevel, registry.VolumeLow}},
		{"auto_lock_seconds", " 120 ", call{registry.AutoLockSeconds, 120}},
		{"motor_direction", "reversed", call{registry.MotorDirection, registry.DirectionReversed}},
		{"auto_lock", "off", call{registry.AutoLock, false}},
		{"recalibrate", "go", call{registry.Recalibrate, nil}},
	}
	for i, c := range cmds {
		if err := h(topics.Command(c.name), []byte(c.payload)); err != nil {
			t.Fatalf("%s: handler error = %v", c.name, err)
		}
		waitFor(t, c.name, func() bool { return len(dev.executed()) == i+1 })
		if got := dev.executed()[i]; got != c.want {
			t.Errorf("%s: executed %+v, want %+v", c.name, got, c.want)
		}
	}
}

func TestRejectedCommands(t *testing.T) {
	ps, dev := newFakePubSub(), newFakeLock()
	start(t, ps, dev)
	h := ps.handler(topics.AllCommands())

	tests := []struct {
		topic   string
		payload string
		want    error
	}{
		{topics.Command("volume"), "deafening", registry.ErrUnsupportedValue},
		{topics.Command("auto_lock_seconds"), "soon", registry.ErrUnsupportedValue},
		{topics.Command("battery_level"), "50", registry.ErrReadOnly},
		{topics.Command("horn"), "", registry.ErrUnknownProperty},
		{topics.Command(VirtualAutoLock), "maybe", registry.ErrUnsupportedValue},
		{topics.Command(VirtualAutoLock), "-5", registry.ErrUnsupportedValue},
	}
	for _, tt := range tests {
		if err := h(tt.topic, []byte(tt.payload)); !errors.Is(err, tt.want) {
			t.Errorf("%s %q: error = %v, want %v", tt.topic, tt.payload, err, tt.want)
		}
	}
	if err := h("gimdow/bf01/status", nil); err == nil {
		t.Error("non-command topic should be rejected")
	}
	if n := len(dev.executed()); n != 0 {
		t.Errorf("%d commands reached the device", n)
	}
}

func TestDeviceErrorsAreNotHandlerErrors(t *testing.T) {
	ps, dev := newFakePubSub(), newFakeLock()
	dev.err = lock.ErrDeferred
	start(t, ps, dev)

	if err := ps.handler(topics.AllCommands())(topics.Command("lock"), nil); err != nil {
		t.Errorf("handler error = %v", err)
	}
	waitFor(t, "lock", func() bool { return len(dev.executed()) == 1 })
}

func TestVirtualAutoLockCommand(t *testing.T) {
	ps, dev := newFakePubSub(), newFakeLock()
	start(t, ps, dev)
	h := ps.handler(topics.AllCommands())

	if err := h(topics.Command(VirtualAutoLock), []byte("on")); err != nil {
		t.Fatalf("on: %v", err)
	}
	if !dev.virtual || dev.delay != 30*time.Second {
		t.Errorf("on: virtual=%v delay=%v", dev.virtual, dev.delay)
	}
	if err := h(topics.Command(VirtualAutoLock), []byte("90")); err != nil {
		t.Fatalf("90: %v", err)
	}
	if !dev.virtual || dev.delay != 90*time.Second {
		t.Errorf("90: virtual=%v delay=%v", dev.virtual, dev.delay)
	}
	if err := h(topics.Command(VirtualAutoLock), []byte("off")); err != nil {
		t.Fatalf("off: %v", err)
	}
	if dev.virtual {
		t.Error("off: still enabled")
	}
}

func TestVirtualAutoLockNumericSwitch(t *testing.T) {
	ps, dev := newFakePubSub(), newFakeLock()
	start(t, ps, dev)
	h := ps.handler(topics.AllCommands())

	if err := h(topics.Command(VirtualAutoLock), []byte("1")); err != nil {
		t.Fatalf("1: %v", err)
	}
	if !dev.virtual || dev.delay != 30*time.Second {
		t.Errorf("1: virtual=%v delay=%v, want on with the current delay", dev.virtual, dev.delay)
	}
	if err := h(topics.Command(VirtualAutoLock), []byte("0")); err != nil {
		t.Fatalf("0: %v", err)
	}
	if dev.virtual {
		t.Error("0: still enabled")
	}
	if err := h(topics.Command(VirtualAutoLock), []byte("2")); err != nil {
		t.Fatalf("2: %v", err)
	}
	if !dev.virtual || dev.delay != 2*time.Second {
		t.Errorf("2: virtual=%v delay=%v", dev.virtual, dev.delay)
	}
}

func TestCommandsAfterStopAreRejected(t *testing.T) {
	ps, dev := newFakePubSub(), newFakeLock()
	b := New(ps, dev, topics, Options{CommandTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	waitFor(t, "command subscription", func() bool { return ps.handler(topics.AllCommands()) != nil })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	err := ps.handler(topics.AllCommands())(topics.Command("unlock"), nil)
	if !errors.Is(err, ErrStopped) {
		t.Errorf("handler error = %v, want ErrStopped", err)
	}
	time.Sleep(10 * time.Millisecond)
	if n := len(dev.executed()); n != 0 {
		t.Errorf("%d commands ran after Run returned", n)
	}
}

func TestCommandResultsCarryID(t *testing.T) {
	ps, dev := newFakePubSub(), newFakeLock()
	start(t, ps, dev)
	h := ps.handler(topics.AllCommands())

	if err := h(topics.Command("unlock"), nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first result", func() bool { return len(ps.commandResults(t)) == 1 })

	dev.mu.Lock()
	dev.err = dispatch.ErrTimeout
	dev.mu.Unlock()
	if err := h(topics.Command("lock"), nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second result", func() bool { return len(ps.commandResults(t)) == 2 })

	dev.mu.Lock()
	ids := append([]uuid.UUID(nil), dev.ids...)
	dev.mu.Unlock()
	res := ps.commandResults(t)

	if res[0].Command != "unlock" || !res[0].OK || res[0].Error != "" {
		t.Errorf("unlock result = %+v", res[0])
	}
	if res[1].Command != "lock" || res[1].OK || res[1].Error == "" {
		t.Errorf("lock result = %+v", res[1])
	}
	for i, r := range res {
		if r.ID == uuid.Nil || r.ID != ids[i] {
			t.Errorf("result %d id = %s, device saw %s", i, r.ID, ids[i])
		}
	}
	if res[0].ID == res[1].ID {
		t.Error("commands share an id")
	}
}

func TestDeferredResult(t *testing.T) {
	r := newResultPayload(uuid.New(), "lock", lock.ErrDeferred)
	if r.OK || !r.Deferred || r.Error != "" {
		t.Errorf("deferred result = %+v", r)
	}
}

func TestRunFailsWithoutSubscription(t *testing.T) {
	ps, dev := newFakePubSub(), newFakeLock()
	ps.subErr = mqtt.ErrNotConnected
	b := New(ps, dev, topics, Options{})
	if err := b.Run(context.Background()); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Run() error = %v, want ErrNotConnected", err)
	}
}

func TestParseValueActionsIgnorePayload(t *testing.T) {
	for _, p := range []registry.Property{registry.Lock, registry.Unlock, registry.SyncClock, registry.AddForce} {
		v, err := ParseValue(p, "anything")
		if err != nil || v != nil {
			t.Errorf("ParseValue(%s) = %v, %v", p, v, err)
		}
	}
}

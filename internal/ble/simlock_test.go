package ble

import (
	"bytes"
	"sync"
	"testing"
	"time"

	blecrypto "github.com/chaz8081/gimdow-ble/internal/ble/crypto"
	"github.com/chaz8081/gimdow-ble/internal/ble/protocol"
)

type simKeys map[protocol.SecurityFlag][]byte

func (k simKeys) Key(flag protocol.SecurityFlag) []byte { return k[flag] }

// simLock plays the peripheral side of the protocol on a mockConnection:
// it reassembles host writes, answers the handshake and datapoint writes, and
// can push datapoints.
type simLock struct {
	t     testing.TB
	creds Credentials
	srand []byte
	codec *protocol.Codec
	keys  simKeys

	mu         sync.Mutex
	notify     *mockCharacteristic
	r          protocol.Reassembler
	seq        uint32
	received   []protocol.Frame
	pairResult byte
	dpsResult  byte
	dropDPS    int
	silent     bool // ignore DEVICE_INFO
	hold       bool // queue responses until release
	held       []protocol.Frame
	status     []protocol.Datapoint
}

func newSimLock(t testing.TB, creds Credentials) *simLock {
	t.Helper()
	srand := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	login, err := blecrypto.LoginKey(creds.LocalKey)
	if err != nil {
		t.Fatal(err)
	}
	session, err := blecrypto.SessionKey(creds.LocalKey, srand)
	if err != nil {
		t.Fatal(err)
	}
	return &simLock{
		t:      t,
		creds:  creds,
		srand:  srand,
		codec:  protocol.NewCodec(blecrypto.CBC{}),
		keys:   simKeys{protocol.SecurityLogin: login, protocol.SecuritySession: session},
		status: []protocol.Datapoint{{ID: 47, Value: protocol.Bool(false)}, {ID: 8, Value: protocol.Int(90)}},
	}
}

// attach wires the simulated lock to a new connection.
func (s *simLock) attach(conn *mockConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = conn.notifyChar
	s.r.Reset()
	s.seq = 0
	conn.writeChar.mu.Lock()
	conn.writeChar.onWrite = s.onWrite
	conn.writeChar.mu.Unlock()
}

func (s *simLock) deviceInfo() []byte {
	data := make([]byte, 46)
	data[0], data[1] = 1, 4 // firmware 1.4
	data[2], data[3] = 3, 0 // protocol 3.0
	data[5] = 1             // bound
	copy(data[6:12], s.srand)
	data[12], data[13] = 2, 1 // hardware 2.1
	return data
}

func (s *simLock) onWrite(frag []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok, err := s.r.Feed(frag)
	if err != nil {
		s.t.Errorf("sim: fragment: %v", err)
	}
	if !ok {
		return
	}
	f, err := s.codec.Decode(s.keys, msg.Version, msg.Payload)
	if err != nil {
		s.t.Errorf("sim: decode host frame: %v", err)
		return
	}
	s.received = append(s.received, f)
	if f.IsResponse() {
		return
	}

	switch f.Code {
	case protocol.CodeDeviceInfo:
		if !s.silent {
			s.respondLocked(protocol.SecurityLogin, f, s.deviceInfo())
		}
	case protocol.CodePair:
		want, _ := pairRequest(s.creds)
		if !bytes.Equal(f.Data, want) {
			s.t.Errorf("sim: pair request = %q, want %q", f.Data, want)
		}
		s.respondLocked(protocol.SecuritySession, f, []byte{s.pairResult})
	case protocol.CodeSendDatapoints:
		if s.dropDPS > 0 {
			s.dropDPS--
			return
		}
		s.respondLocked(protocol.SecuritySession, f, []byte{s.dpsResult})
		if s.dpsResult == 0 {
			s.applyLocked(f.Data)
		}
	case protocol.CodeDeviceStatus:
		s.respondLocked(protocol.SecuritySession, f, []byte{0})
		data, _ := protocol.MarshalDatapoints(s.status)
		s.sendLocked(protocol.SecuritySession, protocol.Frame{Code: protocol.CodeReceiveDP, Data: data})
	}
}

// applyLocked reports the bolt state implied by a lock or unlock trigger.
func (s *simLock) applyLocked(data []byte) {
	dps, err := protocol.UnmarshalDatapoints(data)
	if err != nil {
		s.t.Errorf("sim: datapoints: %v", err)
		return
	}
	var report []protocol.Datapoint
	for _, dp := range dps {
		switch dp.ID {
		case 46:
			report = append(report, protocol.Datapoint{ID: 47, Value: protocol.Bool(false)})
		case 6:
			report = append(report, protocol.Datapoint{ID: 47, Value: protocol.Bool(true)})
		default:
			report = append(report, dp)
		}
	}
	buf, _ := protocol.MarshalDatapoints(report)
	s.sendLocked(protocol.SecuritySession, protocol.Frame{Code: protocol.CodeReceiveDP, Data: buf})
}

func (s *simLock) respondLocked(flag protocol.SecurityFlag, req protocol.Frame, data []byte) {
	resp := protocol.Frame{ResponseTo: req.Seq, Code: req.Code, Data: data}
	if s.hold {
		s.held = append(s.held, resp)
		return
	}
	s.sendLocked(flag, resp)
}

func (s *simLock) sendLocked(flag protocol.SecurityFlag, f protocol.Frame) uint32 {
	s.seq++
	f.Seq = s.seq
	buf, err := s.codec.Encode(s.keys[flag], flag, f)
	if err != nil {
		s.t.Errorf("sim: encode: %v", err)
		return 0
	}
	s.sendRawLocked(buf)
	return f.Seq
}

func (s *simLock) sendRawLocked(buf []byte) {
	frags, err := protocol.Fragment(buf, protocol.DefaultMTU, 3)
	if err != nil {
		s.t.Errorf("sim: fragment: %v", err)
		return
	}
	for _, f := range frags {
		s.notify.SimulateNotification(f)
	}
}

// push sends a device-initiated frame and returns its sequence number.
func (s *simLock) push(code protocol.Code, data []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(protocol.SecuritySession, protocol.Frame{Code: code, Data: data})
}

// releaseReversed sends held responses newest first.
func (s *simLock) releaseReversed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = false
	for i := len(s.held) - 1; i >= 0; i-- {
		s.sendLocked(protocol.SecuritySession, s.held[i])
	}
	s.held = nil
}

func (s *simLock) heldCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *simLock) set(fn func(s *simLock)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// frames returns the host frames received so far with the given code.
func (s *simLock) frames(code protocol.Code) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Frame
	for _, f := range s.received {
		if f.Code == code {
			out = append(out, f)
		}
	}
	return out
}

func (s *simLock) allFrames() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.received...)
}

// waitFor polls cond until it holds or the deadline passes.
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

func testCreds() Credentials {
	return Credentials{
		Address:  "AA:BB:CC:DD:EE:FF",
		UUID:     "0123456789abcdef",
		LocalKey: "a1b2c3d4e5f6g7h8",
		DeviceID: "bf0123456789abcdefghij",
	}
}

package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gimdow-ble/internal/ble/protocol"
)

var (
	// ErrAuthFailed reports a failed handshake: rejected pairing, timeout or a
	// malformed device-info response.
	ErrAuthFailed = errors.New("ble: authentication failed")
	// ErrSessionClosed is returned for requests on a terminated session.
	ErrSessionClosed = errors.New("ble: session closed")
	// ErrNotReady is returned for requests before the handshake completes.
	ErrNotReady = errors.New("ble: session not ready")
)

// DeviceError is a non-zero result code returned by the lock.
type DeviceError struct {
	Code   protocol.Code
	Result byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("ble: device rejected %s with result %d", e.Code, e.Result)
}

// MessageLink is the transport a Session runs over. *Link implements it.
type MessageLink interface {
	Send(payload []byte) error
	Inbound() <-chan protocol.Message
	Done() <-chan struct{}
	Err() error
	Close() error
}

// SessionOptions configures a Session.
type SessionOptions struct {
	ResponseTimeout time.Duration // per round trip during the handshake (default 5s)
	Keys            KeySchedule   // default VendorKeys
	Cipher          protocol.Cipher
	Now             func() time.Time // clock for device time requests
}

// Session is the keyed context for exchanging frames with one connected
// lock. It owns its link: closing the session closes the link, and a dropped
// link terminates the session.
type Session struct {
	link  MessageLink
	creds Credentials
	opts  SessionOptions
	codec *protocol.Codec
	keys  *keyring
	state *sessionState

	// sendMu keeps wire order equal to sequence order.
	sendMu sync.Mutex

	mu      sync.Mutex
	seq     uint32
	pending map[uint32]chan protocol.Frame
	info    DeviceInfo

	pushes chan protocol.Push

	once sync.Once
	done chan struct{}
	err  error
}

// NewSession starts reading from link. Call Handshake before Request.
func NewSession(link MessageLink, creds Credentials, opts SessionOptions) *Session {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 5 * time.Second
	}
	if opts.Keys == nil {
		opts.Keys = VendorKeys{}
	}
	if opts.Cipher == nil {
		opts.Cipher = defaultCipher()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		link:    link,
		creds:   creds,
		opts:    opts,
		codec:   protocol.NewCodec(opts.Cipher),
		keys:    &keyring{},
		state:   newSessionState(creds.Address),
		pending: make(map[uint32]chan protocol.Frame),
		pushes:  make(chan protocol.Push, 16),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Handshake exchanges device info, derives the session key and pairs. Any
// failure terminates the session and is reported as ErrAuthFailed.
func (s *Session) Handshake(ctx context.Context) (DeviceInfo, error) {
	if err := s.state.begin(); err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	info, err := s.handshake(ctx)
	if err != nil {
		s.terminate(ErrDisconnected)
		return DeviceInfo{}, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if err := s.state.ready(); err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	slog.Info("[BLE] session ready", "address", s.creds.Address,
		"firmware", info.DeviceVersion, "protocol", info.ProtocolVersion)
	return info, nil
}

func (s *Session) handshake(ctx context.Context) (DeviceInfo, error) {
	login, err := s.opts.Keys.LoginKey(s.creds.LocalKey)
	if err != nil {
		return DeviceInfo{}, err
	}
	s.keys.set(protocol.SecurityLogin, login)

	resp, err := s.roundTrip(ctx, protocol.SecurityLogin, protocol.CodeDeviceInfo, nil)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("device info: %w", err)
	}
	info, srand, authKey, err := parseDeviceInfo(resp.Data)
	if err != nil {
		return DeviceInfo{}, err
	}

	sessionKey, err := s.opts.Keys.SessionKey(s.creds.LocalKey, srand)
	if err != nil {
		return DeviceInfo{}, err
	}
	s.keys.set(protocol.SecuritySession, sessionKey)
	s.keys.set(protocol.SecurityAuth, authKey)

	req, err := pairRequest(s.creds)
	if err != nil {
		return DeviceInfo{}, err
	}
	resp, err = s.roundTrip(ctx, protocol.SecuritySession, protocol.CodePair, req)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("pair: %w", err)
	}
	if len(resp.Data) != 1 {
		return DeviceInfo{}, fmt.Errorf("pair: response length %d", len(resp.Data))
	}
	switch resp.Data[0] {
	case pairResultOK:
	case pairResultAlreadyPaired:
		slog.Debug("[BLE] device already paired", "address", s.creds.Address)
	default:
		return DeviceInfo{}, &DeviceError{Code: protocol.CodePair, Result: resp.Data[0]}
	}
	return info, nil
}

func (s *Session) roundTrip(ctx context.Context, flag protocol.SecurityFlag, code protocol.Code, data []byte) (protocol.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ResponseTimeout)
	defer cancel()
	return s.exchange(ctx, flag, code, data)
}

// Request sends a frame on a Ready session and waits for the response that
// carries its sequence number. A non-zero result byte yields *DeviceError.
// The wait is bounded only by ctx.
func (s *Session) Request(ctx context.Context, code protocol.Code, data []byte) (protocol.Frame, error) {
	if s.closed() {
		return protocol.Frame{}, ErrSessionClosed
	}
	if !s.state.is(StateReady) {
		return protocol.Frame{}, ErrNotReady
	}
	resp, err := s.exchange(ctx, protocol.SecuritySession, code, data)
	if err != nil {
		return protocol.Frame{}, err
	}
	if len(resp.Data) > 0 && resp.Data[0] != 0 {
		return resp, &DeviceError{Code: code, Result: resp.Data[0]}
	}
	return resp, nil
}

// SendDatapoints writes datapoints to the lock.
func (s *Session) SendDatapoints(ctx context.Context, dps []protocol.Datapoint) error {
	data, err := protocol.MarshalDatapoints(dps)
	if err != nil {
		return err
	}
	_, err = s.Request(ctx, protocol.CodeSendDatapoints, data)
	return err
}

// QueryStatus asks the lock to report all datapoints. The values arrive as
// pushes.
func (s *Session) QueryStatus(ctx context.Context) error {
	_, err := s.Request(ctx, protocol.CodeDeviceStatus, nil)
	return err
}

func (s *Session) exchange(ctx context.Context, flag protocol.SecurityFlag, code protocol.Code, data []byte) (protocol.Frame, error) {
	ch := make(chan protocol.Frame, 1)
	s.sendMu.Lock()
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		s.sendMu.Unlock()
		return protocol.Frame{}, ErrSessionClosed
	}
	seq := s.nextSeqLocked()
	s.pending[seq] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
	}()

	err := s.send(flag, protocol.Frame{Seq: seq, Code: code, Data: data})
	s.sendMu.Unlock()
	if err != nil {
		return protocol.Frame{}, err
	}
	slog.Debug("[BLE] request sent", "code", code, "seq", seq)

	select {
	case resp := <-ch:
		return resp, nil
	case <-s.done:
		return protocol.Frame{}, ErrDisconnected
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// nextSeqLocked returns the next sequence number. Zero is reserved for "not a
// response", so the counter wraps to 1.
func (s *Session) nextSeqLocked() uint32 {
	s.seq++
	if s.seq == 0 {
		s.seq = 1
	}
	return s.seq
}

func (s *Session) send(flag protocol.SecurityFlag, f protocol.Frame) error {
	buf, err := s.codec.Encode(s.keys.Key(flag), flag, f)
	if err != nil {
		return err
	}
	return s.link.Send(buf)
}

// reply answers a device-initiated frame. Replies take a sequence number but
// expect no response.
func (s *Session) reply(code protocol.Code, responseTo uint32, data []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	seq := s.nextSeqLocked()
	s.mu.Unlock()
	if err := s.send(protocol.SecuritySession, protocol.Frame{Seq: seq, ResponseTo: responseTo, Code: code, Data: data}); err != nil {
		slog.Warn("[BLE] reply failed", "code", code, "error", err)
	}
}

func (s *Session) run() {
	for {
		select {
		case msg := <-s.link.Inbound():
			s.handle(msg)
		case <-s.link.Done():
			s.terminate(ErrDisconnected)
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) handle(msg protocol.Message) {
	frame, err := s.codec.Decode(s.keys, msg.Version, msg.Payload)
	if err != nil {
		slog.Warn("[BLE] dropping frame", "error", err, "version", msg.Version, "len", len(msg.Payload))
		return
	}
	if frame.IsResponse() && s.resolve(frame) {
		return
	}

	switch {
	case protocol.IsPush(frame.Code):
		s.handlePush(frame)
	case protocol.IsTimeRequest(frame.Code):
		data, err := protocol.TimeResponse(frame.Code, s.opts.Now())
		if err != nil {
			slog.Warn("[BLE] time request", "error", err)
			return
		}
		s.reply(frame.Code, frame.Seq, data)
	default:
		slog.Debug("[BLE] ignoring unsolicited frame", "code", frame.Code, "seq", frame.Seq, "response_to", frame.ResponseTo)
	}
}

func (s *Session) resolve(frame protocol.Frame) bool {
	s.mu.Lock()
	ch, ok := s.pending[frame.ResponseTo]
	if ok {
		delete(s.pending, frame.ResponseTo)
	}
	s.mu.Unlock()
	if ok {
		ch <- frame
	}
	return ok
}

func (s *Session) handlePush(frame protocol.Frame) {
	p, err := protocol.ParsePush(frame.Code, frame.Data)
	if err != nil {
		slog.Warn("[BLE] dropping push", "code", frame.Code, "error", err)
		return
	}
	s.reply(frame.Code, frame.Seq, p.Ack())
	select {
	case s.pushes <- p:
	case <-s.done:
	}
}

// Pushes delivers device-initiated datapoint reports in arrival order.
func (s *Session) Pushes() <-chan protocol.Push { return s.pushes }

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session terminated, nil while it is alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the session state name.
func (s *Session) State() string { return s.state.current() }

// Info returns the device info learned during the handshake.
func (s *Session) Info() DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Close tears the session down and disconnects. Pending requests fail with
// ErrDisconnected.
func (s *Session) Close() error {
	s.terminate(ErrSessionClosed)
	return nil
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) terminate(err error) {
	s.once.Do(func() {
		s.state.drop()
		s.mu.Lock()
		s.err = err
		clear(s.pending)
		s.mu.Unlock()
		close(s.done)
		if cerr := s.link.Close(); cerr != nil {
			slog.Debug("[BLE] link close", "error", cerr)
		}
	})
}

// keyring holds the keys learned during the handshake.
type keyring struct {
	mu   sync.RWMutex
	keys map[protocol.SecurityFlag][]byte
}

func (k *keyring) set(flag protocol.SecurityFlag, key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = make(map[protocol.SecurityFlag][]byte)
	}
	k.keys[flag] = key
}

func (k *keyring) Key(flag protocol.SecurityFlag) []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[flag]
}

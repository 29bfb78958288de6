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
	// ErrDisconnected is the terminal error of a link whose connection dropped
	// or was closed.
	ErrDisconnected = errors.New("ble: disconnected")
	// ErrConnectFailed wraps adapter and GATT discovery failures during Dial.
	ErrConnectFailed = errors.New("ble: connect failed")
)

// TransportOptions configures the GATT transport.
type TransportOptions struct {
	MTU                int           // max bytes per GATT write (default 20)
	Version            uint8         // protocol version sent in fragment headers (default 3)
	InterFragmentDelay time.Duration // pause between fragment writes (default none)
}

// DefaultTransportOptions returns sensible defaults.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		MTU:     protocol.DefaultMTU,
		Version: protocol.MaxVersion,
	}
}

// Transport dials the lock and produces Links.
type Transport struct {
	adapter Adapter
	opts    TransportOptions
}

// NewTransport creates a transport over adapter.
func NewTransport(adapter Adapter, opts TransportOptions) *Transport {
	if opts.MTU <= 0 {
		opts.MTU = protocol.DefaultMTU
	}
	if opts.Version == 0 {
		opts.Version = protocol.MaxVersion
	}
	return &Transport{adapter: adapter, opts: opts}
}

// Dial connects to address, discovers the lock characteristics and starts
// delivering reassembled inbound messages.
func (t *Transport) Dial(ctx context.Context, address string) (*Link, error) {
	conn, err := t.adapter.Connect(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	writeChar, err := conn.DiscoverCharacteristic(ServiceUUID, WriteCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("%w: discover write characteristic: %w", ErrConnectFailed, err)
	}
	notifyChar, err := conn.DiscoverCharacteristic(ServiceUUID, NotifyCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("%w: discover notify characteristic: %w", ErrConnectFailed, err)
	}

	l := newLink(conn, writeChar, t.opts)
	conn.OnDisconnect(func() {
		slog.Warn("[BLE] link dropped", "address", address)
		l.shutdown(ErrDisconnected)
	})
	if err := notifyChar.Subscribe(l.enqueue); err != nil {
		l.Close()
		return nil, fmt.Errorf("%w: subscribe to notifications: %w", ErrConnectFailed, err)
	}
	go l.readLoop()
	return l, nil
}

// Link is one live GATT connection. Inbound notifications are queued without
// bound by the BLE callback and drained by a single goroutine that
// reassembles fragments, so a slow consumer never stalls the adapter.
type Link struct {
	conn      Connection
	writeChar Characteristic
	opts      TransportOptions

	writeMu sync.Mutex

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}

	inbound chan protocol.Message

	once sync.Once
	done chan struct{}
	err  error
}

func newLink(conn Connection, writeChar Characteristic, opts TransportOptions) *Link {
	return &Link{
		conn:      conn,
		writeChar: writeChar,
		opts:      opts,
		wake:      make(chan struct{}, 1),
		inbound:   make(chan protocol.Message),
		done:      make(chan struct{}),
	}
}

// Send fragments an encrypted message and writes it in order.
func (l *Link) Send(payload []byte) error {
	fragments, err := protocol.Fragment(payload, l.opts.MTU, l.opts.Version)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	for i, f := range fragments {
		select {
		case <-l.done:
			return l.Err()
		default:
		}
		if err := l.writeChar.Write(f); err != nil {
			return fmt.Errorf("ble: write fragment %d/%d: %w", i+1, len(fragments), err)
		}
		if l.opts.InterFragmentDelay > 0 && i < len(fragments)-1 {
			time.Sleep(l.opts.InterFragmentDelay)
		}
	}
	return nil
}

// Inbound delivers reassembled messages in arrival order. It is never closed;
// select on Done as well.
func (l *Link) Inbound() <-chan protocol.Message { return l.inbound }

// Done is closed when the link terminates.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns the terminal error once Done is closed, nil before.
func (l *Link) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Close disconnects and discards any partially reassembled message.
func (l *Link) Close() error {
	l.shutdown(ErrDisconnected)
	return l.conn.Disconnect()
}

func (l *Link) shutdown(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// enqueue is the notification callback. It must not block.
func (l *Link) enqueue(chunk []byte) {
	l.mu.Lock()
	l.pending = append(l.pending, chunk)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Link) next() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, false
	}
	chunk := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return chunk, true
}

func (l *Link) readLoop() {
	var r protocol.Reassembler
	for {
		chunk, ok := l.next()
		if !ok {
			select {
			case <-l.wake:
				continue
			case <-l.done:
				return
			}
		}

		msg, complete, err := r.Feed(chunk)
		if err != nil {
			slog.Warn("[BLE] fragment anomaly", "error", err)
		}
		if !complete {
			continue
		}
		select {
		case l.inbound <- msg:
		case <-l.done:
			return
		}
	}
}

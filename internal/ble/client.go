package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/gimdow-ble/internal/ble/protocol"
)

// ClientOptions configures the BLE client behavior.
type ClientOptions struct {
	ReconnectMax   time.Duration // max reconnect backoff (default 30s)
	BackoffUnit    time.Duration // first reconnect delay, doubled per attempt (default 1s)
	ConnectTimeout time.Duration // bound on dial plus handshake (default 30s)
	// SignalScan is how long to scan for the lock's advertisement before
	// each connect to read its RSSI. Zero skips the scan.
	SignalScan time.Duration
	Transport      TransportOptions
	Session        SessionOptions
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ReconnectMax:   30 * time.Second,
		BackoffUnit:    time.Second,
		ConnectTimeout: 30 * time.Second,
		Transport:      DefaultTransportOptions(),
	}
}

// Observer receives connection lifecycle events. Calls are made from the
// client goroutine, one at a time, in the order the events happened.
type Observer interface {
	// SessionReady is called after a successful handshake.
	SessionReady(s *Session, info DeviceInfo)
	// SessionLost is called once the ready session has terminated.
	SessionLost(err error)
	// Push is called for each device datapoint report, in arrival order.
	Push(p protocol.Push)
}

// SignalObserver is optionally implemented by an Observer that wants the
// lock's advertised signal strength, in dBm, seen before each connect.
type SignalObserver interface {
	Signal(rssi int)
}

// Client keeps one session with the lock alive, reconnecting with capped
// exponential backoff.
type Client struct {
	adapter   Adapter
	transport *Transport
	creds     Credentials
	observer  Observer
	opts      ClientOptions

	mu      sync.Mutex
	session *Session
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewClient creates a BLE client for the given lock.
func NewClient(adapter Adapter, creds Credentials, observer Observer, opts ClientOptions) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if observer == nil {
		return nil, fmt.Errorf("ble: observer is required")
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	return &Client{
		adapter:   adapter,
		transport: NewTransport(adapter, opts.Transport),
		creds:     creds,
		observer:  observer,
		opts:      opts,
	}, nil
}

// Start enables the adapter and begins connecting in the background.
func (c *Client) Start(ctx context.Context) error {
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("ble: client already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	return nil
}

// Session returns the current ready session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connected reports whether a ready session exists.
func (c *Client) Connected() bool {
	return c.Session() != nil
}

// Close stops reconnecting and disconnects. It waits for the client goroutine,
// so the observer sees SessionLost before Close returns.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	c.wg.Wait()
	return nil
}

// backoffDelay returns the reconnection delay for attempt n: unit doubled n
// times, capped at max.
func backoffDelay(attempt int, unit, max time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := unit << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

func (c *Client) loop(ctx context.Context) {
	defer c.wg.Done()

	for attempt := 0; ; attempt++ {
		// The first attempt is immediate; later ones back off.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.BackoffUnit, c.opts.ReconnectMax)
			slog.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		s, info, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("[BLE] connect failed", "address", c.creds.Address, "error", err, "attempt", attempt+1)
			continue
		}
		slog.Info("[BLE] connected", "address", c.creds.Address)

		c.setSession(s)
		c.observer.SessionReady(s, info)
		err = c.serve(ctx, s)
		c.setSession(nil)
		c.observer.SessionLost(err)

		if ctx.Err() != nil {
			return
		}
		slog.Warn("[BLE] disconnected, reconnecting...", "error", err)
		// A session that dies straight after connecting must not spin, so
		// the next attempt still backs off.
		attempt = 0
	}
}

func (c *Client) connect(ctx context.Context) (*Session, DeviceInfo, error) {
	c.readSignal(ctx)

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	link, err := c.transport.Dial(ctx, c.creds.Address)
	if err != nil {
		return nil, DeviceInfo{}, err
	}
	s := NewSession(link, c.creds, c.opts.Session)
	info, err := s.Handshake(ctx)
	if err != nil {
		return nil, DeviceInfo{}, err
	}
	return s, info, nil
}

// readSignal scans briefly for the lock and reports its RSSI. A failed or
// empty scan only costs the reading.
func (c *Client) readSignal(ctx context.Context) {
	so, ok := c.observer.(SignalObserver)
	if !ok || c.opts.SignalScan <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.SignalScan)
	defer cancel()

	devices, err := c.adapter.Scan(ctx, ServiceUUID)
	if err != nil {
		slog.Debug("[BLE] signal scan failed", "error", err)
		return
	}
	for _, d := range devices {
		if strings.EqualFold(d.Address, c.creds.Address) {
			slog.Debug("[BLE] signal", "address", d.Address, "rssi", d.RSSI)
			so.Signal(d.RSSI)
			return
		}
	}
	slog.Debug("[BLE] lock not seen in signal scan", "address", c.creds.Address)
}

// serve forwards pushes until the session ends or ctx is cancelled.
func (c *Client) serve(ctx context.Context, s *Session) error {
	for {
		select {
		case p := <-s.Pushes():
			c.observer.Push(p)
		case <-s.Done():
			return s.Err()
		case <-ctx.Done():
			s.Close()
			return s.Err()
		}
	}
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

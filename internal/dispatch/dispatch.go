// Package dispatch sends commands to the lock over the current session with a
// bounded number in flight, a per-attempt timeout and a fixed retry budget.
//
// Commands are never replayed across sessions: detaching a session fails
// everything pending or queued with ErrSessionLost, and the caller decides
// whether to resubmit after reconnecting.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gimdow-ble/internal/ble"
	"github.com/chaz8081/gimdow-ble/internal/ble/protocol"
)

var (
	// ErrTimeout is returned after every attempt of a command timed out.
	ErrTimeout = errors.New("dispatch: command timed out")
	// ErrSessionLost is returned for commands aborted by session invalidation.
	ErrSessionLost = errors.New("dispatch: session lost")
	// ErrNotReady is returned when no session is attached.
	ErrNotReady = errors.New("dispatch: no session")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatch: closed")
)

// Requester sends one request and waits for its matching response.
// *ble.Session implements it; every call uses a fresh sequence number.
type Requester interface {
	Request(ctx context.Context, code protocol.Code, data []byte) (protocol.Frame, error)
}

// Command is one request to the lock.
type Command struct {
	ID      uuid.UUID
	Name    string
	Code    protocol.Code
	Payload []byte
}

// WriteDatapoints builds a SEND_DPS command.
func WriteDatapoints(name string, dps ...protocol.Datapoint) (Command, error) {
	data, err := protocol.MarshalDatapoints(dps)
	if err != nil {
		return Command{}, err
	}
	return Command{ID: uuid.New(), Name: name, Code: protocol.CodeSendDatapoints, Payload: data}, nil
}

// QueryStatus builds a DEVICE_STATUS command.
func QueryStatus() Command {
	return Command{ID: uuid.New(), Name: "status", Code: protocol.CodeDeviceStatus}
}

type commandIDKey struct{}

// WithCommandID returns a context whose writes are sent under id, so a
// caller can correlate its own logs and replies with the dispatcher's.
func WithCommandID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, commandIDKey{}, id)
}

// CommandID returns the id set by WithCommandID.
func CommandID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(commandIDKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// Result is the outcome of a successful command.
type Result struct {
	Command  Command
	Response protocol.Frame
	Attempts int
}

// Future resolves once with the command's result.
type Future struct {
	once sync.Once
	done chan struct{}
	res  Result
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(res Result, err error) {
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
	})
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the command completes or ctx is done. Giving up on the
// wait does not cancel the command.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Options configures a Dispatcher.
type Options struct {
	MaxInFlight int           // concurrent requests awaiting a response (default 2)
	Timeout     time.Duration // per attempt (default 5s)
	MaxAttempts int           // total attempts including the first (default 3)
}

// DefaultOptions returns the default dispatcher options.
func DefaultOptions() Options {
	return Options{MaxInFlight: 2, Timeout: 5 * time.Second, MaxAttempts: 3}
}

type job struct {
	cmd Command
	fut *Future
}

// Dispatcher queues commands in submission order and runs them on the attached
// session.
type Dispatcher struct {
	opts Options

	mu       sync.Mutex
	session  Requester
	ctx      context.Context // cancelled on detach
	cancel   context.CancelFunc
	gen      uint64
	queue    []job
	inFlight int
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Dispatcher with no session attached.
func New(opts Options) *Dispatcher {
	def := DefaultOptions()
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = def.MaxInFlight
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	return &Dispatcher{opts: opts}
}

// Attach makes s the session commands run on, replacing any previous one.
func (d *Dispatcher) Attach(s Requester) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.detachLocked(ErrSessionLost)
	d.session = s
	d.ctx, d.cancel = context.WithCancel(context.Background())
	slog.Debug("[DISPATCH] session attached", "generation", d.gen)
}

// Detach invalidates the current session. Pending and queued commands fail
// with ErrSessionLost.
func (d *Dispatcher) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detachLocked(ErrSessionLost)
}

func (d *Dispatcher) detachLocked(err error) {
	if d.session == nil {
		return
	}
	d.gen++
	d.cancel()
	d.session = nil
	d.inFlight = 0
	for _, j := range d.queue {
		j.fut.resolve(Result{Command: j.cmd}, err)
	}
	if n := len(d.queue); n > 0 {
		slog.Info("[DISPATCH] aborted queued commands", "count", n, "error", err)
	}
	d.queue = nil
}

// Ready reports whether a session is attached.
func (d *Dispatcher) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil
}

// Submit queues cmd. The future fails immediately with ErrNotReady when no
// session is attached.
func (d *Dispatcher) Submit(cmd Command) *Future {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	fut := newFuture()

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		fut.resolve(Result{Command: cmd}, ErrClosed)
	case d.session == nil:
		fut.resolve(Result{Command: cmd}, ErrNotReady)
	default:
		d.queue = append(d.queue, job{cmd: cmd, fut: fut})
		d.pumpLocked()
	}
	return fut
}

// Do submits cmd and waits for its result.
func (d *Dispatcher) Do(ctx context.Context, cmd Command) (Result, error) {
	return d.Submit(cmd).Wait(ctx)
}

// Write sends datapoints and waits for the device to accept them. The
// command takes its id from ctx when one was set with WithCommandID.
func (d *Dispatcher) Write(ctx context.Context, name string, dps ...protocol.Datapoint) error {
	cmd, err := WriteDatapoints(name, dps...)
	if err != nil {
		return err
	}
	if id, ok := CommandID(ctx); ok {
		cmd.ID = id
	}
	_, err = d.Do(ctx, cmd)
	return err
}

// Close aborts everything and rejects further commands.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.detachLocked(ErrClosed)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) pumpLocked() {
	for d.inFlight < d.opts.MaxInFlight && len(d.queue) > 0 {
		j := d.queue[0]
		d.queue[0] = job{}
		d.queue = d.queue[1:]
		d.inFlight++
		d.wg.Add(1)
		go d.run(d.ctx, d.gen, d.session, j)
	}
}

func (d *Dispatcher) run(ctx context.Context, gen uint64, s Requester, j job) {
	defer d.wg.Done()
	res, err := d.attempt(ctx, s, j.cmd)
	if err != nil && ctx.Err() != nil {
		d.mu.Lock()
		if d.closed {
			err = ErrClosed
		} else {
			err = ErrSessionLost
		}
		d.mu.Unlock()
	}
	j.fut.resolve(res, err)

	d.mu.Lock()
	defer d.mu.Unlock()
	if gen == d.gen && d.session != nil {
		d.inFlight--
		d.pumpLocked()
	}
}

// attempt runs cmd until it succeeds, fails for a reason other than a
// timeout, or exhausts the attempt budget.
func (d *Dispatcher) attempt(ctx context.Context, s Requester, cmd Command) (Result, error) {
	res := Result{Command: cmd}
	for res.Attempts < d.opts.MaxAttempts {
		res.Attempts++
		actx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		resp, err := s.Request(actx, cmd.Code, cmd.Payload)
		cancel()

		switch {
		case err == nil:
			res.Response = resp
			slog.Debug("[DISPATCH] command done", "id", cmd.ID, "name", cmd.Name, "attempts", res.Attempts)
			return res, nil
		case ctx.Err() != nil:
			return res, ErrSessionLost
		case errors.Is(err, context.DeadlineExceeded):
			slog.Warn("[DISPATCH] command timed out", "id", cmd.ID, "name", cmd.Name,
				"attempt", res.Attempts, "max", d.opts.MaxAttempts)
		case errors.Is(err, ble.ErrDisconnected), errors.Is(err, ble.ErrSessionClosed):
			return res, fmt.Errorf("%w: %w", ErrSessionLost, err)
		case errors.Is(err, ble.ErrNotReady):
			return res, fmt.Errorf("%w: %w", ErrNotReady, err)
		default:
			slog.Warn("[DISPATCH] command failed", "id", cmd.ID, "name", cmd.Name, "error", err)
			return res, err
		}
	}
	return res, fmt.Errorf("%w: %s %s after %d attempts", ErrTimeout, cmd.Name, cmd.ID, res.Attempts)
}

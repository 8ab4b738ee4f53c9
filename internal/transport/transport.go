// Package transport executes command/response exchanges with the token over
// its vendor specific USB control channel.
//
// An exchange sends the command, polls a status request until the device
// reports it is no longer busy and then reads the response. The channel is
// serial and stateful, so at most one exchange may be in flight: a caller
// that finds the channel taken fails with ErrBusy instead of queuing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/knadh/oathkey/internal/hexcodec"
	"github.com/sethvargo/go-retry"
	"github.com/zerodha/logf"
	"go.uber.org/atomic"
)

var (
	// ErrNotConnected is returned when there is no open device.
	ErrNotConnected = errors.New("device not connected")

	// ErrBusy is returned when an exchange is attempted while another one
	// holds the channel.
	ErrBusy = errors.New("another exchange is in progress")

	// ErrDeviceTimeout is returned when the device stays busy past the poll budget.
	ErrDeviceTimeout = errors.New("device timeout")

	// ErrProtocol is returned for empty or malformed responses.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice is returned by a Conn whose device went away.
	ErrNoDevice = errors.New("no device")

	// ErrAccessDenied is returned when no device could be authorized.
	ErrAccessDenied = errors.New("device access denied")
)

// State is the lifecycle state of the device handle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("UnknownState(%d)", int32(s))
	}
}

// Setup describes a vendor, interface recipient control transfer.
type Setup struct {
	Request uint8
	Value   uint16
	Index   uint16
	Timeout time.Duration
}

// Conn is an opened device with its control interface claimed.
type Conn interface {
	// ControlOut sends data with an outbound control transfer.
	ControlOut(s Setup, data []byte) error

	// ControlIn reads up to length bytes with an inbound control transfer.
	ControlIn(s Setup, length int) ([]byte, error)

	Close() error
}

// Handle is a device the host has authorized but not yet opened.
type Handle interface {
	// Open opens the device, selects its configuration if none is active
	// and claims the control interface.
	Open() (Conn, error)

	// Close releases a handle that was never opened. An opened handle is
	// released by closing its Conn.
	Close() error

	String() string
}

// Authorizer is the host's device authorization mechanism.
type Authorizer interface {
	// ListAuthorized returns devices that are already authorized.
	ListAuthorized() ([]Handle, error)

	// RequestAccess asks the host for a matching device.
	RequestAccess() (Handle, error)
}

// Transmitter sends one command and returns the raw response. It is only
// valid inside Transport.Do.
type Transmitter interface {
	Transmit(ctx context.Context, cmd []byte) ([]byte, error)
}

// Opt holds transport options. Zero values take the defaults.
type Opt struct {
	Protocol Protocol

	// Index is the wIndex of every transfer (the control interface).
	Index uint16

	PollRetries    uint64
	PollInterval   time.Duration
	PollTimeout    time.Duration
	SendTimeout    time.Duration
	ReceiveSize    int
	ReceiveTimeout time.Duration
}

const (
	defaultIndex          = 1
	defaultPollRetries    = 5
	defaultPollInterval   = 100 * time.Millisecond
	defaultPollTimeout    = time.Second
	defaultSendTimeout    = time.Second
	defaultReceiveSize    = 1500
	defaultReceiveTimeout = 1500 * time.Millisecond
)

// Transport owns the device handle and serializes access to it.
type Transport struct {
	auth Authorizer
	opt  Opt
	lo   *logf.Logger

	state *atomic.Int32

	// mu is held for the whole of an exchange, or a connect/disconnect.
	mu     sync.Mutex
	handle Handle
	conn   Conn
}

// New returns a disconnected Transport.
func New(auth Authorizer, o Opt, lo *logf.Logger) *Transport {
	if o.Protocol.Name == "" {
		o.Protocol = ProtocolV2
	}
	if o.Index == 0 {
		o.Index = defaultIndex
	}
	if o.PollRetries == 0 {
		o.PollRetries = defaultPollRetries
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = defaultPollTimeout
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.ReceiveSize == 0 {
		o.ReceiveSize = defaultReceiveSize
	}
	if o.ReceiveTimeout == 0 {
		o.ReceiveTimeout = defaultReceiveTimeout
	}

	return &Transport{
		auth:  auth,
		opt:   o,
		lo:    lo,
		state: atomic.NewInt32(int32(StateDisconnected)),
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Connected reports whether a device is open.
func (t *Transport) Connected() bool {
	return t.State() == StateOpen
}

// Connect opens the device. An already authorized device is preferred,
// otherwise access is requested from the host. Any failure leaves the
// transport Disconnected and is returned. It is never retried here.
func (t *Transport) Connect() error {
	if !t.mu.TryLock() {
		return ErrBusy
	}
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	t.setState(StateConnecting)
	conn, err := t.open()
	if err != nil {
		if t.handle != nil {
			t.handle.Close()
		}
		t.handle = nil
		t.setState(StateDisconnected)
		return err
	}

	t.conn = conn
	t.setState(StateOpen)
	t.lo.Info("device connected", "device", t.handle.String(), "protocol", t.opt.Protocol.Name)
	return nil
}

// Disconnect closes the device and forgets its handle.
func (t *Transport) Disconnect() error {
	if !t.mu.TryLock() {
		return ErrBusy
	}
	defer t.mu.Unlock()

	return t.drop()
}

// Do runs fn with exclusive use of the device. Every Transmit made by fn,
// for instance the continuation requests of a chained response, belongs to
// the same exchange and does not take the lock again. The lock is released
// on every exit path of fn.
func (t *Transport) Do(ctx context.Context, fn func(Transmitter) error) error {
	if !t.Connected() {
		return ErrNotConnected
	}
	if !t.mu.TryLock() {
		return ErrBusy
	}
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}

	x := &tx{t: t, conn: t.conn}
	defer func() { x.done = true }()

	return fn(x)
}

// Exchange sends a single command and returns its raw response.
func (t *Transport) Exchange(ctx context.Context, cmd []byte) ([]byte, error) {
	var out []byte
	err := t.Do(ctx, func(x Transmitter) error {
		b, err := x.Transmit(ctx, cmd)
		out = b
		return err
	})
	return out, err
}

func (t *Transport) open() (Conn, error) {
	if t.handle == nil {
		hs, err := t.auth.ListAuthorized()
		if err != nil {
			return nil, fmt.Errorf("error listing authorized devices: %w", err)
		}

		if len(hs) > 0 {
			t.handle = hs[0]
			for _, h := range hs[1:] {
				h.Close()
			}
		} else {
			h, err := t.auth.RequestAccess()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
			}
			if h == nil {
				return nil, ErrAccessDenied
			}
			t.handle = h
		}
	}

	conn, err := t.handle.Open()
	if err != nil {
		return nil, fmt.Errorf("error opening device %s: %w", t.handle.String(), err)
	}
	return conn, nil
}

// drop closes the connection. mu must be held.
func (t *Transport) drop() error {
	if t.conn == nil {
		t.setState(StateDisconnected)
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	t.handle = nil
	t.setState(StateDisconnected)
	return err
}

func (t *Transport) setState(s State) {
	t.state.Store(int32(s))
}

// tx is the Transmitter handed to Do callbacks.
type tx struct {
	t    *Transport
	conn Conn
	done bool
}

// Transmit performs the send, poll and receive cycle for one command.
func (x *tx) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	if x.done {
		return nil, ErrNotConnected
	}

	t := x.t
	t.lo.Debug("tx", "apdu", hexcodec.Encode(cmd))

	if err := t.send(x.conn, cmd); err != nil {
		return nil, t.fail(fmt.Errorf("error sending command: %w", err))
	}

	if err := t.poll(ctx, x.conn); err != nil {
		return nil, t.fail(err)
	}

	resp, err := x.conn.ControlIn(Setup{
		Request: t.opt.Protocol.RequestReceive,
		Index:   t.opt.Index,
		Timeout: t.opt.ReceiveTimeout,
	}, t.opt.ReceiveSize)
	if err != nil {
		if errors.Is(err, ErrNoDevice) {
			return nil, t.fail(err)
		}

		// A failed final transfer yields an empty response, which the
		// caller treats as a protocol failure.
		t.lo.Warn("error receiving response", "error", err)
		return []byte{}, nil
	}

	t.lo.Debug("rx", "apdu", hexcodec.Encode(resp))
	return resp, nil
}

func (t *Transport) send(conn Conn, cmd []byte) error {
	p := t.opt.Protocol

	if p.ChunkSize <= 0 {
		if err := conn.ControlOut(Setup{
			Request: p.RequestSend,
			Index:   t.opt.Index,
			Timeout: t.opt.SendTimeout,
		}, cmd); err != nil {
			return err
		}
	} else {
		for i, off := 0, 0; off < len(cmd); i, off = i+1, off+p.ChunkSize {
			val := uint16(chunkNext + i)
			if i == 0 {
				val = chunkFirst
			}

			end := min(off+p.ChunkSize, len(cmd))
			if err := conn.ControlOut(Setup{
				Request: p.RequestSend,
				Value:   val,
				Index:   t.opt.Index,
				Timeout: t.opt.SendTimeout,
			}, cmd[off:end]); err != nil {
				return err
			}
		}
	}

	if p.Exec {
		if _, err := conn.ControlIn(Setup{
			Request: p.RequestExec,
			Index:   t.opt.Index,
			Timeout: t.opt.SendTimeout,
		}, 0); err != nil {
			return err
		}
	}

	return nil
}

// poll waits for the device to report "not busy" (a first byte of 0),
// retrying at most PollRetries times after the first attempt.
func (t *Transport) poll(ctx context.Context, conn Conn) error {
	b := retry.WithMaxRetries(t.opt.PollRetries, retry.NewConstant(t.opt.PollInterval))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		resp, err := conn.ControlIn(Setup{
			Request: t.opt.Protocol.RequestPoll,
			Index:   t.opt.Index,
			Timeout: t.opt.PollTimeout,
		}, 1)
		if err != nil {
			return fmt.Errorf("error polling device: %w", err)
		}
		if len(resp) == 0 {
			return fmt.Errorf("%w: empty status from the device", ErrProtocol)
		}
		if resp[0] != 0 {
			return retry.RetryableError(ErrDeviceTimeout)
		}
		return nil
	})
}

// fail drops the connection if the device went away. mu must be held.
func (t *Transport) fail(err error) error {
	if errors.Is(err, ErrNoDevice) {
		t.lo.Warn("device lost", "error", err)
		_ = t.drop()
	}
	return err
}

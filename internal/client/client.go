// Package client talks to a running proxy over TCP, WebSocket or a serial
// line, the way a controlling application would.
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/ProxGo/internal/debug"
	"github.com/cjeanneret/ProxGo/internal/hw/button"
	"github.com/cjeanneret/ProxGo/internal/hw/stepper"
	"github.com/cjeanneret/ProxGo/internal/protocol"
)

// DefaultTimeout bounds a request whose context has no deadline.
const DefaultTimeout = 2 * time.Second

var (
	ErrClosed          = errors.New("client closed")
	ErrOutOfRange      = errors.New("value out of range")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// Event is a button edge pushed by the proxy.
type Event struct {
	Button   button.Event
	Position float64
	At       time.Time
}

// Client serializes requests: one outstanding request at a time, matched to
// the next response carrying the same command code.
type Client struct {
	c conn

	reqMu     sync.Mutex
	responses chan protocol.Packet
	events    chan Event

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	closing   bool
}

func newClient(c conn) *Client {
	cl := &Client{
		c:         c,
		responses: make(chan protocol.Packet, 8),
		events:    make(chan Event, 32),
		done:      make(chan struct{}),
	}
	go cl.readLoop()
	return cl
}

// Events delivers button edges. It is closed when the connection ends.
// Events are dropped while the channel is full.
func (cl *Client) Events() <-chan Event { return cl.events }

// Done is closed when the connection ends.
func (cl *Client) Done() <-chan struct{} { return cl.done }

// Err returns why the connection ended, or nil while it is up.
func (cl *Client) Err() error {
	cl.errMu.Lock()
	defer cl.errMu.Unlock()
	return cl.err
}

func (cl *Client) readLoop() {
	defer close(cl.events)
	defer close(cl.done)
	for {
		b, err := cl.c.readPacket()
		if err != nil {
			cl.errMu.Lock()
			if cl.closing {
				cl.err = ErrClosed
			} else {
				cl.err = fmt.Errorf("connection lost: %w", err)
			}
			cl.errMu.Unlock()
			return
		}
		pkt, err := protocol.Decode(b)
		if err != nil {
			debug.Warn("client: dropping malformed packet % x", b)
			continue
		}
		debug.Packet("<-", 0, pkt.Command.String(), pkt.Payload)
		if pkt.Command.IsEvent() {
			cl.pushEvent(pkt)
			continue
		}
		select {
		case cl.responses <- pkt:
		default:
			debug.Verbose("client: no request waiting for %s", pkt)
		}
	}
}

func (cl *Client) pushEvent(pkt protocol.Packet) {
	ev := Event{Button: button.Event(pkt.Command - 6), Position: float64(pkt.Payload), At: time.Now()}
	select {
	case cl.events <- ev:
	default:
		debug.Verbose("client: event queue full, dropping %s", pkt)
	}
}

// Send writes a packet without waiting for a response.
func (cl *Client) Send(cmd protocol.Command, payload float32) error {
	select {
	case <-cl.done:
		return cl.Err()
	default:
	}
	b := protocol.Encode(protocol.Packet{Command: cmd, Payload: payload})
	debug.Packet("->", 0, cmd.String(), payload)
	if err := cl.c.writePacket(b[:]); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

// Request sends one command and waits for its response. DISCONNECT returns
// as soon as it is written since the proxy never answers it.
func (cl *Client) Request(ctx context.Context, cmd protocol.Command, payload float32) (protocol.Packet, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	cl.reqMu.Lock()
	defer cl.reqMu.Unlock()

	// stale answers to requests that timed out
	for len(cl.responses) > 0 {
		<-cl.responses
	}

	if err := cl.Send(cmd, payload); err != nil {
		return protocol.Packet{}, err
	}
	if cmd == protocol.Disconnect {
		return protocol.Packet{}, nil
	}

	for {
		select {
		case pkt := <-cl.responses:
			if pkt.Command != cmd {
				debug.Verbose("client: skipping %s while waiting for %s", pkt, cmd)
				continue
			}
			return pkt, nil
		case <-ctx.Done():
			return protocol.Packet{}, fmt.Errorf("%s: %w", cmd, ctx.Err())
		case <-cl.done:
			return protocol.Packet{}, cl.Err()
		}
	}
}

func (cl *Client) ack(ctx context.Context, cmd protocol.Command, payload float32) error {
	pkt, err := cl.Request(ctx, cmd, payload)
	if err != nil {
		return err
	}
	if !pkt.IsAck() {
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, pkt)
	}
	return nil
}

func (cl *Client) value(ctx context.Context, cmd protocol.Command, payload float32) (float32, error) {
	pkt, err := cl.Request(ctx, cmd, payload)
	if err != nil {
		return 0, err
	}
	return pkt.Payload, nil
}

func checkPosition(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("%w: position %v not in [0,1]", ErrOutOfRange, p)
	}
	return nil
}

// Position returns the normalized current position.
func (cl *Client) Position(ctx context.Context) (float64, error) {
	v, err := cl.value(ctx, protocol.CheckCurrentPosition, 0)
	return float64(v), err
}

// SetTarget starts a move and returns the expected travel time. The proxy
// answers 0 when it is not calibrated.
func (cl *Client) SetTarget(ctx context.Context, p float64) (time.Duration, error) {
	if err := checkPosition(p); err != nil {
		return 0, err
	}
	v, err := cl.value(ctx, protocol.SendNewTargetPosition, float32(p))
	return time.Duration(v) * time.Millisecond, err
}

// SetSpeed changes the speed in steps per second. The proxy acknowledges
// even values it ignores.
func (cl *Client) SetSpeed(ctx context.Context, stepsPerSecond int) error {
	if stepsPerSecond <= 0 {
		return fmt.Errorf("%w: speed %d", ErrOutOfRange, stepsPerSecond)
	}
	return cl.ack(ctx, protocol.SendNewSpeed, float32(stepsPerSecond))
}

func (cl *Client) TargetReached(ctx context.Context) (bool, error) {
	v, err := cl.value(ctx, protocol.CheckIsTargetReached, 0)
	return v == 1, err
}

func (cl *Client) Speed(ctx context.Context) (int, error) {
	v, err := cl.value(ctx, protocol.CheckCurrentSpeed, 0)
	return int(v), err
}

// Recalibrate starts a calibration run.
func (cl *Client) Recalibrate(ctx context.Context) error {
	return cl.ack(ctx, protocol.Recalibrate, 0)
}

// ExpectedTime asks how long a move to p would take from here.
func (cl *Client) ExpectedTime(ctx context.Context, p float64) (time.Duration, error) {
	if err := checkPosition(p); err != nil {
		return 0, err
	}
	v, err := cl.value(ctx, protocol.CheckExpectedTime, float32(p))
	return time.Duration(v) * time.Millisecond, err
}

func (cl *Client) SavePower(ctx context.Context) error {
	return cl.ack(ctx, protocol.SendSavePower, 0)
}

func (cl *Client) SetMode(ctx context.Context, m stepper.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: stepping mode %d", ErrOutOfRange, int(m))
	}
	return cl.ack(ctx, protocol.SteppingMode, float32(m))
}

func (cl *Client) Version(ctx context.Context) (float32, error) {
	return cl.value(ctx, protocol.VersionInfo, 0)
}

// Check verifies the proxy answers at all.
func (cl *Client) Check(ctx context.Context) error {
	if _, err := cl.Version(ctx); err != nil {
		return fmt.Errorf("connection check: %w", err)
	}
	return nil
}

// Close says goodbye and closes the connection. It is safe to call twice.
func (cl *Client) Close() error {
	var err error
	cl.closeOnce.Do(func() {
		cl.errMu.Lock()
		cl.closing = true
		cl.errMu.Unlock()
		if sendErr := cl.Send(protocol.Disconnect, 0); sendErr != nil {
			debug.Verbose("client: disconnect notice: %v", sendErr)
		}
		err = cl.c.Close()
		<-cl.done
	})
	return err
}

// Package runloop drives the proxy: one goroutine alternates motion ticks,
// bounded waits for inbound packets and input sampling.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/ProxGo/internal/debug"
	"github.com/cjeanneret/ProxGo/internal/hw/button"
	"github.com/cjeanneret/ProxGo/internal/logic/proxy"
	"github.com/cjeanneret/ProxGo/internal/protocol"
	"github.com/cjeanneret/ProxGo/internal/transport"
)

const (
	DefaultReceiveTimeout = 100 * time.Millisecond
	DefaultPublishEvery   = 250 * time.Millisecond
)

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = errors.New("poll loop stopped")

// Input is a polled switch: the limit switches. Pressed reports the
// debounced level as of the last Poll.
type Input interface {
	Poll() (button.Event, error)
	Pressed() bool
}

// Publisher receives status changes and button events. Calls come from the
// loop goroutine and must not block.
type Publisher interface {
	PublishStatus(s Snapshot)
	PublishButton(ev button.Event, position float64)
}

// Option customizes a Loop.
type Option func(*Loop)

// WithLimitSwitches attaches the end-stops that close each calibration sweep.
// Either may be nil.
func WithLimitSwitches(upper, lower Input) Option {
	return func(l *Loop) {
		l.upper = upper
		l.lower = lower
	}
}

func WithPublisher(p Publisher) Option {
	return func(l *Loop) {
		if p != nil {
			l.pubs = append(l.pubs, p)
		}
	}
}

func WithReceiveTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.receiveTimeout = d
		}
	}
}

// WithPublishInterval bounds how often position-only changes are published.
func WithPublishInterval(d time.Duration) Option {
	return func(l *Loop) { l.publishEvery = d }
}

// WithClock replaces the wall clock used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

type request struct {
	pkt   protocol.Packet
	reply chan response
}

type response struct {
	pkt protocol.Packet
	ok  bool
}

// Loop owns the controller and the protocol server. Apart from Submit and
// Board, nothing here is safe to call from another goroutine.
type Loop struct {
	ctrl  *proxy.Controller
	srv   *protocol.Server
	upper Input
	lower Input
	pubs  []Publisher
	board *Board
	now   func() time.Time

	receiveTimeout time.Duration
	publishEvery   time.Duration

	local chan request
	done  chan struct{}

	last        proxy.Status
	lastPublish time.Time
	published   bool
}

// New creates a Loop.
func New(ctrl *proxy.Controller, srv *protocol.Server, opts ...Option) *Loop {
	l := &Loop{
		ctrl:           ctrl,
		srv:            srv,
		board:          &Board{},
		now:            time.Now,
		receiveTimeout: DefaultReceiveTimeout,
		publishEvery:   DefaultPublishEvery,
		local:          make(chan request, 8),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.refresh()
	return l
}

// Board returns the snapshot board refreshed every cycle.
func (l *Loop) Board() *Board { return l.board }

// Run repeats Cycle until ctx is done or the transport is closed.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	debug.Info("Poll loop started (receive timeout %v)", l.receiveTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := l.Cycle(); err != nil {
			return err
		}
	}
}

// Cycle runs one pass: tick, receive, local commands, button, limit
// switches, snapshot. Only a closed transport is returned as an error.
func (l *Loop) Cycle() error {
	if err := l.ctrl.Tick(); err != nil {
		debug.Error(fmt.Errorf("step: %w", err))
	}

	wait := l.receiveTimeout
	if next, ok := l.ctrl.NextStepIn(); ok && next < wait {
		wait = next
	}
	if err := l.srv.Poll(wait); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return err
		}
		debug.Error(err)
	}

	l.drainLocal()
	l.pollButton()
	l.pollLimits()
	l.refresh()
	return nil
}

// Submit runs pkt on the loop goroutine as if it had been received, and
// returns the response instead of sending it.
func (l *Loop) Submit(ctx context.Context, pkt protocol.Packet) (protocol.Packet, bool, error) {
	req := request{pkt: pkt, reply: make(chan response, 1)}
	select {
	case l.local <- req:
	case <-ctx.Done():
		return protocol.Packet{}, false, ctx.Err()
	case <-l.done:
		return protocol.Packet{}, false, ErrStopped
	}

	select {
	case r := <-req.reply:
		return r.pkt, r.ok, nil
	case <-ctx.Done():
		return protocol.Packet{}, false, ctx.Err()
	case <-l.done:
		return protocol.Packet{}, false, ErrStopped
	}
}

func (l *Loop) drainLocal() {
	for {
		select {
		case req := <-l.local:
			resp, ok := l.srv.Execute(req.pkt)
			req.reply <- response{pkt: resp, ok: ok}
		default:
			return
		}
	}
}

func (l *Loop) pollButton() {
	ev := l.ctrl.PollButtonEvent()
	if ev == button.None {
		return
	}
	pos := l.ctrl.CurrentPosition()
	debug.Live("Button %v at position %.3f", ev, pos)
	l.srv.SendButtonEvent(ev, pos)
	for _, p := range l.pubs {
		p.PublishButton(ev, pos)
	}
}

// pollLimits samples both switches every cycle and acts on the held level,
// so a sweep that starts against its end-stop finishes at once.
func (l *Loop) pollLimits() {
	if held(l.upper, "upper") && l.ctrl.UpperBoundReached() {
		debug.Live("Upper limit switch hit")
	}
	if held(l.lower, "lower") && l.ctrl.LowerBoundReached() {
		debug.Live("Lower limit switch hit")
	}
}

func held(in Input, name string) bool {
	if in == nil {
		return false
	}
	if _, err := in.Poll(); err != nil {
		debug.Error(fmt.Errorf("poll %s limit switch: %w", name, err))
		return false
	}
	return in.Pressed()
}

// refresh updates the board and publishes. State changes go out at once;
// position-only changes at most every publishEvery.
func (l *Loop) refresh() {
	st := l.ctrl.Status()
	now := l.now()
	snap := Snapshot{Status: st, Session: l.srv.Session(), UpdatedAt: now}
	l.board.Set(snap)

	if l.published && st == l.last {
		return
	}
	if l.published && !significant(l.last, st) && now.Sub(l.lastPublish) < l.publishEvery {
		return
	}
	for _, p := range l.pubs {
		p.PublishStatus(snap)
	}
	l.last = st
	l.lastPublish = now
	l.published = true
}

// significant reports a change beyond the moving position.
func significant(a, b proxy.Status) bool {
	a.Position, a.Step, b.Position, b.Step = 0, 0, 0, 0
	return a != b
}

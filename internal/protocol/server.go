package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/ProxGo/internal/debug"
	"github.com/cjeanneret/ProxGo/internal/hw/button"
	"github.com/cjeanneret/ProxGo/internal/transport"
)

// Session is what the server remembers between exchanges. There is no
// per-client table: responses and events go to the last channel seen.
type Session struct {
	LastChannel      uint8   `json:"last_channel"`
	HasChannel       bool    `json:"has_channel"`
	CommandsReceived uint64  `json:"commands_received"`
	Version          float32 `json:"version"`
}

// Server runs the receive/dispatch/send cycle over a Transport. Poll,
// Execute and SendButtonEvent must be called from one goroutine; Session
// and Stats may be read from any.
type Server struct {
	tr      transport.Transport
	handler *Handler

	mu          sync.Mutex
	stats       *Statistics
	lastChannel uint8
	hasChannel  bool
}

// NewServer binds a handler to a transport.
func NewServer(tr transport.Transport, h *Handler) *Server {
	return &Server{tr: tr, handler: h, stats: NewStatistics()}
}

// Poll waits at most timeout for one datagram and handles it. A receive
// error is returned for logging; the next Poll simply tries again.
func (s *Server) Poll(timeout time.Duration) error {
	f, ok, err := s.tr.Receive(timeout)
	if err != nil {
		s.count(func(st *Statistics) { st.ReceiveErrors++ })
		return fmt.Errorf("receive: %w", err)
	}
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.lastChannel = f.Channel
	s.hasChannel = true
	s.stats.Received++
	s.stats.touch()
	s.mu.Unlock()

	pkt, err := Decode(f.Data)
	if err != nil {
		s.count(func(st *Statistics) { st.Malformed++ })
		debug.Live("Data from channel %d is not protocol conform: % x", f.Channel, f.Data)
		return nil
	}
	s.dispatch(f.Channel, pkt)
	return nil
}

func (s *Server) dispatch(channel uint8, pkt Packet) {
	debug.Packet("<-", channel, pkt.Command.String(), pkt.Payload)
	if !s.handler.Handles(pkt.Command) {
		s.count(func(st *Statistics) { st.Unknown++ })
	} else {
		s.count(func(st *Statistics) { st.Dispatched++ })
	}

	resp, ok := s.handler.Handle(pkt)
	if !ok {
		return
	}
	_ = s.send(channel, resp)
}

// Execute runs a packet that did not come from the transport (the web API).
// The response is returned instead of sent.
func (s *Server) Execute(pkt Packet) (Packet, bool) {
	debug.Packet("<-", 0xff, pkt.Command.String(), pkt.Payload)
	s.count(func(st *Statistics) { st.Local++ })
	return s.handler.Handle(pkt)
}

// SendButtonEvent pushes an edge, with the current position as payload, to
// the last channel seen. It reports whether anything was sent.
func (s *Server) SendButtonEvent(ev button.Event, position float64) bool {
	cmd, ok := ButtonEventCommand(ev)
	if !ok {
		return false
	}
	s.mu.Lock()
	ch, has := s.lastChannel, s.hasChannel
	s.mu.Unlock()
	if !has {
		debug.Verbose("Button %v with no client to notify", ev)
		return false
	}
	if err := s.send(ch, Packet{Command: cmd, Payload: float32(position)}); err != nil {
		return false
	}
	s.count(func(st *Statistics) { st.Events++ })
	return true
}

// send is fire-and-forget: failures are logged and counted, never retried.
func (s *Server) send(channel uint8, pkt Packet) error {
	b := Encode(pkt)
	if err := s.tr.Send(channel, b[:]); err != nil {
		s.count(func(st *Statistics) { st.SendErrors++ })
		debug.Error(fmt.Errorf("ERROR sending %v: %w", pkt, err))
		return err
	}
	s.count(func(st *Statistics) { st.Sent++ })
	debug.Packet("->", channel, pkt.Command.String(), pkt.Payload)
	return nil
}

func (s *Server) count(f func(*Statistics)) {
	s.mu.Lock()
	f(s.stats)
	s.mu.Unlock()
}

// Session returns the current session view.
func (s *Server) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{
		LastChannel:      s.lastChannel,
		HasChannel:       s.hasChannel,
		CommandsReceived: s.handler.CommandsReceived(),
		Version:          s.handler.Version(),
	}
}

// Stats returns a copy of the counters.
func (s *Server) Stats() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.stats
}

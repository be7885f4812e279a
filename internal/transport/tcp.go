package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cjeanneret/ProxGo/internal/debug"
)

type tcpLink struct {
	conn net.Conn
	mu   sync.Mutex
}

func (l *tcpLink) write(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := l.conn.Write(data)
	return err
}

func (l *tcpLink) close() error { return l.conn.Close() }

// ListenTCP starts accepting TCP clients on addr and returns the bound address.
func (h *Hub) ListenTCP(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := h.ServeTCP(ln); err != nil {
		_ = ln.Close()
		return nil, err
	}
	debug.Info("TCP server listening on %s", ln.Addr())
	return ln.Addr(), nil
}

// ServeTCP accepts clients from ln until the hub is closed.
func (h *Hub) ServeTCP(ln net.Listener) error {
	if err := h.addListener(ln); err != nil {
		return err
	}
	h.wg.Add(1)
	go h.acceptTCP(ln)
	return nil
}

func (h *Hub) acceptTCP(ln net.Listener) {
	defer h.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-h.done:
				return
			default:
			}
			debug.Error(fmt.Errorf("accept: %w", err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		h.AttachConn(conn, "tcp")
	}
}

// AttachConn adds an already connected stream (TCP or any net.Conn).
// The connection is closed when no channel is free.
func (h *Hub) AttachConn(conn net.Conn, kind string) {
	l := &tcpLink{conn: conn}
	ch, err := h.register(l, kind, conn.RemoteAddr().String())
	if err != nil {
		debug.Warn("rejecting %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	h.wg.Add(1)
	go h.readStream(ch, l)
}

// readStream turns reads into datagrams: one read per datagram, or fixed
// size frames when FrameSize is set. A truncated trailing frame is still
// delivered so the receiver can count it.
func (h *Hub) readStream(ch uint8, l *tcpLink) {
	defer h.wg.Done()
	defer func() {
		h.unregister(ch, l)
		_ = l.conn.Close()
	}()

	size := h.opts.FrameSize
	bufSize := size
	if bufSize <= 0 {
		bufSize = 256
	}
	buf := make([]byte, bufSize)

	for {
		_ = l.conn.SetReadDeadline(h.idleDeadline())

		var n int
		var err error
		if size > 0 {
			n, err = io.ReadFull(l.conn, buf)
		} else {
			n, err = l.conn.Read(buf)
		}
		if n > 0 {
			if !h.deliver(ch, buf[:n]) {
				return
			}
		}
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				debug.Live("Link %d idle for %v, closing", ch, h.opts.IdleTimeout)
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
			default:
				debug.Verbose("Link %d read error: %v", ch, err)
			}
			return
		}
	}
}

package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"

	"github.com/cjeanneret/ProxGo/internal/protocol"
)

const writeTimeout = 2 * time.Second

// conn carries whole packets to and from the proxy.
type conn interface {
	writePacket(b []byte) error
	readPacket() ([]byte, error)
	Close() error
}

// streamConn frames a byte stream (TCP or serial) into fixed-size packets.
type streamConn struct {
	rw  io.ReadWriteCloser
	wmu sync.Mutex
	buf [protocol.PacketSize]byte
}

func (c *streamConn) writePacket(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if nc, ok := c.rw.(net.Conn); ok {
		nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	_, err := c.rw.Write(b)
	return err
}

func (c *streamConn) readPacket() ([]byte, error) {
	if _, err := io.ReadFull(c.rw, c.buf[:]); err != nil {
		return nil, err
	}
	return append([]byte(nil), c.buf[:]...), nil
}

func (c *streamConn) Close() error { return c.rw.Close() }

// wsConn exchanges one packet per binary message.
type wsConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *wsConn) writePacket(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) readPacket() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

// Dial connects to a proxy TCP listener.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newClient(&streamConn{rw: nc}), nil
}

// DialWebSocket connects to a proxy /ws endpoint (ws:// or wss:// URL).
func DialWebSocket(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newClient(&wsConn{ws: ws}), nil
}

// DialSerial opens a serial line to the proxy, 8N1.
func DialSerial(device string, baud int) (*Client, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	return newClient(&streamConn{rw: port}), nil
}

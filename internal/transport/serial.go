package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/cjeanneret/ProxGo/internal/debug"
)

// SerialGap is the inter-byte silence that ends a datagram on a serial link.
const SerialGap = 20 * time.Millisecond

// SerialPort is the part of serial.Port the hub needs.
type SerialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

type serialLink struct {
	port SerialPort
	mu   sync.Mutex
}

func (l *serialLink) write(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.port.Write(data)
	return err
}

func (l *serialLink) close() error { return l.port.Close() }

// OpenSerial opens device (8N1) and attaches it as a link.
func (h *Hub) OpenSerial(device string, baud int) (uint8, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	ch, err := h.AttachSerial(port, device)
	if err != nil {
		_ = port.Close()
		return 0, err
	}
	debug.Info("Serial link on %s at %d baud (channel %d)", device, baud, ch)
	return ch, nil
}

// AttachSerial adds an open port as a link. Serial links never idle out.
func (h *Hub) AttachSerial(port SerialPort, name string) (uint8, error) {
	if err := port.SetReadTimeout(SerialGap); err != nil {
		return 0, fmt.Errorf("set read timeout: %w", err)
	}
	l := &serialLink{port: port}
	ch, err := h.register(l, "serial", name)
	if err != nil {
		return 0, err
	}
	h.wg.Add(1)
	go h.readSerial(ch, l)
	return ch, nil
}

// readSerial accumulates bytes until the line goes quiet for SerialGap.
// With FrameSize set, complete frames are delivered as soon as they are in.
func (h *Hub) readSerial(ch uint8, l *serialLink) {
	defer h.wg.Done()
	defer h.unregister(ch, l)

	size := h.opts.FrameSize
	buf := make([]byte, 256)
	var pending []byte

	for {
		select {
		case <-h.done:
			return
		default:
		}

		n, err := l.port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for size > 0 && len(pending) >= size {
				if !h.deliver(ch, pending[:size]) {
					return
				}
				pending = pending[size:]
			}
			continue
		}
		if len(pending) > 0 {
			if !h.deliver(ch, pending) {
				return
			}
			pending = nil
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				var pe *serial.PortError
				if !errors.As(err, &pe) || pe.Code() != serial.PortClosed {
					debug.Verbose("Serial link %d read error: %v", ch, err)
				}
			}
			return
		}
	}
}

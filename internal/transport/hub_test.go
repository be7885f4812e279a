package transport

import (
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveFrame(t *testing.T, h *Hub) Frame {
	t.Helper()
	f, ok, err := h.Receive(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok, "no frame received")
	return f
}

// ---------- Hub ----------

func TestHub_ReceiveTimeout(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()

	start := time.Now()
	_, ok, err := h.Receive(30 * time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	_, ok, err = h.Receive(0)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestHub_ReceiveAfterClose(t *testing.T) {
	h := NewHub(Options{})
	require.NoError(t, h.Close())

	_, _, err := h.Receive(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.ListenTCP("127.0.0.1:0")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHub_SendUnknownChannel(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()

	assert.ErrorIs(t, h.Send(3, []byte{1}), ErrUnknownChannel)
	assert.ErrorIs(t, h.CloseChannel(3), ErrUnknownChannel)
}

// ---------- TCP ----------

func TestTCP_RoundTrip(t *testing.T) {
	h := NewHub(Options{FrameSize: 5})
	defer h.Close()
	addr, err := h.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{4, 0, 0, 0x7a, 0x43})
	require.NoError(t, err)

	f := receiveFrame(t, h)
	assert.Equal(t, uint8(0), f.Channel)
	assert.Equal(t, []byte{4, 0, 0, 0x7a, 0x43}, f.Data)

	require.NoError(t, h.Send(f.Channel, []byte{9, 1, 2, 3, 4}))
	buf := make([]byte, 5)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 1, 2, 3, 4}, buf)

	links := h.Links()
	require.Len(t, links, 1)
	assert.Equal(t, "tcp", links[0].Kind)
}

func TestTCP_FramesSplitCoalescedWrites(t *testing.T) {
	h := NewHub(Options{FrameSize: 5})
	defer h.Close()
	addr, err := h.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	_, err = conn.Write([]byte{1, 1, 1, 1, 1, 2, 2, 2, 2, 2, 3, 3})
	require.NoError(t, err)

	assert.Equal(t, []byte{1, 1, 1, 1, 1}, receiveFrame(t, h).Data)
	assert.Equal(t, []byte{2, 2, 2, 2, 2}, receiveFrame(t, h).Data)

	// the truncated tail is delivered when the client goes away
	require.NoError(t, conn.Close())
	assert.Equal(t, []byte{3, 3}, receiveFrame(t, h).Data)
}

func TestTCP_ChannelsAreDistinct(t *testing.T) {
	h := NewHub(Options{FrameSize: 1})
	defer h.Close()
	addr, err := h.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	a, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer a.Close()
	_, _ = a.Write([]byte{'a'})
	fa := receiveFrame(t, h)

	b, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer b.Close()
	_, _ = b.Write([]byte{'b'})
	fb := receiveFrame(t, h)

	assert.NotEqual(t, fa.Channel, fb.Channel)
	assert.Len(t, h.Links(), 2)
}

func TestTCP_TooManyLinks(t *testing.T) {
	h := NewHub(Options{MaxLinks: 1, FrameSize: 1})
	defer h.Close()
	addr, err := h.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	first, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer first.Close()
	_, _ = first.Write([]byte{1})
	receiveFrame(t, h)

	second, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err, "the extra connection should be closed by the hub")
	assert.Len(t, h.Links(), 1)
}

func TestTCP_IdleTimeout(t *testing.T) {
	h := NewHub(Options{IdleTimeout: 200 * time.Millisecond})
	defer h.Close()
	addr, err := h.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return len(h.Links()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(h.Links()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTCP_CloseChannel(t *testing.T) {
	h := NewHub(Options{FrameSize: 1})
	defer h.Close()
	addr, err := h.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, _ = conn.Write([]byte{1})
	f := receiveFrame(t, h)

	require.NoError(t, h.CloseChannel(f.Channel))
	assert.ErrorIs(t, h.Send(f.Channel, []byte{1}), ErrUnknownChannel)
}

// ---------- WebSocket ----------

func dialWS(t *testing.T, h *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(h.WebSocketHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestWebSocket_RoundTrip(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()
	conn, cleanup := dialWS(t, h)
	defer cleanup()

	// text messages are not datagrams
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 0, 0}))

	f := receiveFrame(t, h)
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, f.Data)

	require.NoError(t, h.Send(f.Channel, []byte{0, 0, 0, 0, 0x3f}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{0, 0, 0, 0, 0x3f}, data)

	links := h.Links()
	require.Len(t, links, 1)
	assert.Equal(t, "websocket", links[0].Kind)
}

func TestWebSocket_MessageIsDatagram(t *testing.T) {
	h := NewHub(Options{FrameSize: 5})
	defer h.Close()
	conn, cleanup := dialWS(t, h)
	defer cleanup()

	// frame size only applies to streams; a short message stays short
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, receiveFrame(t, h).Data)
}

// ---------- Serial ----------

// fakePort serves scripted chunks; an empty read means the gap elapsed.
type fakePort struct {
	reads   chan []byte
	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
	timeout time.Duration
}

func newFakePort(chunks ...[]byte) *fakePort {
	p := &fakePort{reads: make(chan []byte, len(chunks)+8), closed: make(chan struct{})}
	for _, c := range chunks {
		p.reads <- c
	}
	return p
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.EOF
	default:
	}
	select {
	case c := <-p.reads:
		return copy(b, c), nil
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func TestSerial_GapEndsDatagram(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()

	port := newFakePort([]byte("abc"), []byte("de"))
	ch, err := h.AttachSerial(port, "fake")
	require.NoError(t, err)
	assert.Equal(t, SerialGap, port.timeout)

	f := receiveFrame(t, h)
	assert.Equal(t, ch, f.Channel)
	assert.Equal(t, []byte("abcde"), f.Data)

	require.NoError(t, h.Send(ch, []byte("ok")))
	port.mu.Lock()
	assert.Equal(t, [][]byte{[]byte("ok")}, port.written)
	port.mu.Unlock()
}

func TestSerial_FrameSize(t *testing.T) {
	h := NewHub(Options{FrameSize: 5})
	defer h.Close()

	port := newFakePort([]byte("1234567"))
	_, err := h.AttachSerial(port, "fake")
	require.NoError(t, err)

	assert.Equal(t, []byte("12345"), receiveFrame(t, h).Data)
	assert.Equal(t, []byte("67"), receiveFrame(t, h).Data)
}

func TestSerial_ClosedPortUnregisters(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()

	port := newFakePort()
	_, err := h.AttachSerial(port, "fake")
	require.NoError(t, err)
	require.Len(t, h.Links(), 1)

	_ = port.Close()
	assert.Eventually(t, func() bool { return len(h.Links()) == 0 }, time.Second, 5*time.Millisecond)
}

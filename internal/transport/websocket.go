package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/ProxGo/internal/debug"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  256,
	WriteBufferSize: 256,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsLink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (l *wsLink) write(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (l *wsLink) close() error {
	l.mu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.mu.Unlock()
	return l.conn.Close()
}

// WebSocketHandler upgrades requests into links. Each binary message is
// one datagram; text messages are ignored.
func (h *Hub) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			debug.Verbose("websocket upgrade failed: %v", err)
			return
		}
		l := &wsLink{conn: conn}
		ch, err := h.register(l, "websocket", r.RemoteAddr)
		if err != nil {
			debug.Warn("rejecting websocket %s: %v", r.RemoteAddr, err)
			l.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
				time.Now().Add(time.Second))
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		h.wg.Add(1)
		go h.readWebSocket(ch, l)
	})
}

func (h *Hub) readWebSocket(ch uint8, l *wsLink) {
	defer h.wg.Done()
	defer func() {
		h.unregister(ch, l)
		_ = l.conn.Close()
	}()

	for {
		_ = l.conn.SetReadDeadline(h.idleDeadline())
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				debug.Live("Link %d idle for %v, closing", ch, h.opts.IdleTimeout)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			default:
				debug.Verbose("Link %d websocket error: %v", ch, err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if !h.deliver(ch, data) {
			return
		}
	}
}

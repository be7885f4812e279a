package web

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/ProxGo/internal/hw/button"
	"github.com/cjeanneret/ProxGo/internal/logic/runloop"
)

// Event kinds carried on the SSE stream.
const (
	KindLog    = "log"
	KindStatus = "status"
	KindButton = "button"
)

// StatusEvent is a single SSE message.
type StatusEvent struct {
	Time  string      `json:"t"`
	Kind  string      `json:"k"`
	Level string      `json:"l,omitempty"`
	Msg   string      `json:"msg,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// ButtonData is the payload of a button event.
type ButtonData struct {
	Event    string  `json:"event"`
	Code     uint8   `json:"code"`
	Position float64 `json:"position"`
}

// StatusBroadcaster distributes log lines and proxy events to SSE clients.
// It implements runloop.Publisher.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	now     func() time.Time
}

var _ runloop.Publisher = (*StatusBroadcaster)(nil)

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
		now:     time.Now,
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Subscribers returns the number of connected clients.
func (b *StatusBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends a log line to all subscribed clients.
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Kind: KindLog, Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// PublishStatus forwards a loop snapshot.
func (b *StatusBroadcaster) PublishStatus(s runloop.Snapshot) {
	b.send(StatusEvent{Kind: KindStatus, Data: s})
}

// PublishButton forwards a button edge.
func (b *StatusBroadcaster) PublishButton(ev button.Event, position float64) {
	b.send(StatusEvent{
		Kind: KindButton,
		Msg:  fmt.Sprintf("button %s at %.3f", ev, position),
		Data: ButtonData{Event: ev.String(), Code: uint8(6 + int(ev)), Position: position},
	})
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.clients) == 0 {
		return
	}
	evt.Time = b.now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if msg := strings.TrimSpace(line); msg != "" {
			w.b.Broadcast(level(msg), msg)
		}
	}
	return len(p), nil
}

// level guesses the severity of a debug line from its markers.
func level(msg string) string {
	switch {
	case strings.Contains(msg, "[ERROR]"):
		return "error"
	case strings.Contains(msg, "[WARN]"):
		return "warn"
	}
	return "info"
}

package transport

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cjeanneret/ProxGo/internal/debug"
)

const (
	DefaultMaxLinks  = 5
	DefaultQueueSize = 32
	writeTimeout     = 2 * time.Second
)

// Options configures a Hub.
type Options struct {
	MaxLinks    int           // channel ids are 0..MaxLinks-1
	IdleTimeout time.Duration // 0 disables; applies to TCP and WebSocket links
	QueueSize   int           // inbound datagrams buffered before readers block
	FrameSize   int           // > 0: stream links are cut into frames of this size
}

// link is the write side of one connection.
type link interface {
	write(data []byte) error
	close() error
}

// LinkInfo describes a connected link.
type LinkInfo struct {
	Channel  uint8     `json:"channel"`
	Kind     string    `json:"kind"`
	Remote   string    `json:"remote"`
	Since    time.Time `json:"since"`
	LastSeen time.Time `json:"last_seen"`
}

type slot struct {
	l    link
	info LinkInfo
}

// Hub implements Transport over any number of attached links.
type Hub struct {
	opts    Options
	inbound chan Frame

	mu        sync.Mutex
	links     map[uint8]*slot
	listeners []io.Closer
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHub creates an empty Hub.
func NewHub(opts Options) *Hub {
	if opts.MaxLinks <= 0 {
		opts.MaxLinks = DefaultMaxLinks
	}
	if opts.MaxLinks > 256 {
		opts.MaxLinks = 256
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Hub{
		opts:    opts,
		inbound: make(chan Frame, opts.QueueSize),
		links:   make(map[uint8]*slot),
		done:    make(chan struct{}),
	}
}

// Receive implements Transport.
func (h *Hub) Receive(timeout time.Duration) (Frame, bool, error) {
	if timeout <= 0 {
		select {
		case f := <-h.inbound:
			return f, true, nil
		case <-h.done:
			return Frame{}, false, ErrClosed
		default:
			return Frame{}, false, nil
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-h.inbound:
		return f, true, nil
	case <-t.C:
		return Frame{}, false, nil
	case <-h.done:
		return Frame{}, false, ErrClosed
	}
}

// Send implements Transport.
func (h *Hub) Send(channel uint8, data []byte) error {
	h.mu.Lock()
	s, ok := h.links[channel]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	if err := s.l.write(data); err != nil {
		return fmt.Errorf("send on channel %d: %w", channel, err)
	}
	return nil
}

// CloseChannel drops one link.
func (h *Hub) CloseChannel(channel uint8) error {
	h.mu.Lock()
	s, ok := h.links[channel]
	delete(h.links, channel)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	return s.l.close()
}

// Links lists the connected links ordered by channel.
func (h *Hub) Links() []LinkInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]LinkInfo, 0, len(h.links))
	for _, s := range h.links {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Close stops all listeners and links and waits for their goroutines.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		listeners := h.listeners
		h.listeners = nil
		links := h.links
		h.links = make(map[uint8]*slot)
		h.mu.Unlock()

		close(h.done)
		for _, ln := range listeners {
			_ = ln.Close()
		}
		for _, s := range links {
			_ = s.l.close()
		}
	})
	h.wg.Wait()
	return nil
}

func (h *Hub) addListener(c io.Closer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.listeners = append(h.listeners, c)
	return nil
}

// register hands out the lowest free channel id.
func (h *Hub) register(l link, kind, remote string) (uint8, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	for i := 0; i < h.opts.MaxLinks; i++ {
		ch := uint8(i)
		if _, used := h.links[ch]; used {
			continue
		}
		now := time.Now()
		h.links[ch] = &slot{l: l, info: LinkInfo{Channel: ch, Kind: kind, Remote: remote, Since: now, LastSeen: now}}
		debug.Live("Link %d connected (%s %s)", ch, kind, remote)
		return ch, nil
	}
	return 0, fmt.Errorf("%w (max %d)", ErrTooManyLinks, h.opts.MaxLinks)
}

func (h *Hub) unregister(ch uint8, l link) {
	h.mu.Lock()
	if s, ok := h.links[ch]; ok && s.l == l {
		delete(h.links, ch)
		debug.Live("Link %d disconnected", ch)
	}
	h.mu.Unlock()
}

// deliver queues a copy of data. It blocks while the queue is full and
// gives up once the hub is closed.
func (h *Hub) deliver(ch uint8, data []byte) bool {
	h.mu.Lock()
	if s, ok := h.links[ch]; ok {
		s.info.LastSeen = time.Now()
	}
	h.mu.Unlock()

	f := Frame{Channel: ch, Data: append([]byte(nil), data...)}
	select {
	case h.inbound <- f:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) idleDeadline() time.Time {
	if h.opts.IdleTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(h.opts.IdleTimeout)
}

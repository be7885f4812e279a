package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"time"

	"github.com/cjeanneret/ProxGo/internal/debug"
	"github.com/cjeanneret/ProxGo/internal/hw/stepper"
	"github.com/cjeanneret/ProxGo/internal/logic/runloop"
	"github.com/cjeanneret/ProxGo/internal/protocol"
	"github.com/cjeanneret/ProxGo/internal/transport"
)

// MaxBodyBytes caps POST /command bodies.
const MaxBodyBytes = 1 << 20

const submitTimeout = 5 * time.Second

// SubmitFunc runs a packet on the poll loop and returns its response.
type SubmitFunc func(ctx context.Context, pkt protocol.Packet) (protocol.Packet, bool, error)

// LinksFunc lists the connected transport links.
type LinksFunc func() []transport.LinkInfo

// CommandRequest is the body of POST /command.
type CommandRequest struct {
	Command uint8   `json:"command"`
	Payload float64 `json:"payload"`
}

// CommandResponse echoes what the proxy answered.
type CommandResponse struct {
	Command uint8   `json:"command"`
	Name    string  `json:"name"`
	Payload float64 `json:"payload"`
	Ack     bool    `json:"ack"`
	// Responded is false for commands with no reply (DISCONNECT).
	Responded bool `json:"responded"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	runloop.Snapshot
	Links []transport.LinkInfo `json:"links"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Board       *runloop.Board
	Submit      SubmitFunc
	Links       LinksFunc
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If submit is nil, POST /command returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, board *runloop.Board, submit SubmitFunc, links LinksFunc, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Board:       board,
		Submit:      submit,
		Links:       links,
		staticFS:    staticFS,
	}
}

// ValidateCommand checks that req can be injected on the loop: a known
// request code with a finite payload in range for that command.
func ValidateCommand(req CommandRequest) error {
	cmd := protocol.Command(req.Command)
	if !cmd.Known() {
		return fmt.Errorf("unknown command %d", req.Command)
	}
	if cmd.IsEvent() {
		return fmt.Errorf("%s is an event, not a request", cmd)
	}
	p := req.Payload
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return fmt.Errorf("payload must be finite")
	}
	if math.Abs(p) > math.MaxFloat32 {
		return fmt.Errorf("payload %g does not fit a float32", p)
	}
	switch cmd {
	case protocol.SendNewTargetPosition, protocol.CheckExpectedTime:
		if p < 0 || p > 1 {
			return fmt.Errorf("%s payload must be between 0 and 1", cmd)
		}
	case protocol.SteppingMode:
		if _, ok := stepper.ModeFromCode(int(p)); !ok || p != math.Trunc(p) {
			return fmt.Errorf("stepping mode must be 0, 1, 2 or 3")
		}
	}
	return nil
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatus returns the latest loop snapshot and the connected links.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Links: []transport.LinkInfo{}}
	if h.Board != nil {
		resp.Snapshot = h.Board.Get()
	}
	if h.Links != nil {
		resp.Links = h.Links()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCommand handles POST /command.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateCommand(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Submit == nil {
		http.Error(w, "proxy not running", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()
	pkt := protocol.Packet{Command: protocol.Command(req.Command), Payload: float32(req.Payload)}
	resp, ok, err := h.Submit(ctx, pkt)
	switch {
	case errors.Is(err, runloop.ErrStopped):
		http.Error(w, "proxy stopped", http.StatusServiceUnavailable)
		return
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "proxy did not answer in time", http.StatusGatewayTimeout)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	debug.Verbose("web: %s -> %s", pkt, resp)
	if h.Broadcaster != nil {
		h.Broadcaster.BroadcastMsg(fmt.Sprintf("web command %s", pkt))
	}

	out := CommandResponse{Command: req.Command, Name: pkt.Command.String(), Responded: ok}
	if ok {
		out.Payload = float64(resp.Payload)
		out.Ack = resp.IsAck()
		if out.Ack {
			out.Payload = 0
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Error(fmt.Errorf("web: encode response: %w", err))
	}
}

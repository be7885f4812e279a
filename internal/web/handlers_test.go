package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/ProxGo/internal/logic/proxy"
	"github.com/cjeanneret/ProxGo/internal/logic/runloop"
	"github.com/cjeanneret/ProxGo/internal/protocol"
	"github.com/cjeanneret/ProxGo/internal/transport"
)

// ---------- ValidateCommand ----------

func TestValidateCommand_Valid(t *testing.T) {
	cases := []struct {
		name string
		req  CommandRequest
	}{
		{"position", CommandRequest{0, 0}},
		{"target_min", CommandRequest{1, 0}},
		{"target_max", CommandRequest{1, 1}},
		{"speed", CommandRequest{2, 500}},
		{"negative_speed_reaches_proxy", CommandRequest{2, -5}},
		{"expected_time", CommandRequest{6, 0.5}},
		{"mode_microstep", CommandRequest{11, 3}},
		{"disconnect", CommandRequest{10, 0}},
		{"version", CommandRequest{12, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateCommand(tc.req); err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
		})
	}
}

func TestValidateCommand_Rejected(t *testing.T) {
	cases := []struct {
		name string
		req  CommandRequest
	}{
		{"unknown", CommandRequest{13, 0}},
		{"button_down_event", CommandRequest{7, 0}},
		{"button_up_event", CommandRequest{8, 0}},
		{"NaN", CommandRequest{2, math.NaN()}},
		{"+Inf", CommandRequest{2, math.Inf(1)}},
		{"-Inf", CommandRequest{0, math.Inf(-1)}},
		{"beyond_float32", CommandRequest{2, 1e300}},
		{"target_above_one", CommandRequest{1, 1.01}},
		{"target_negative", CommandRequest{1, -0.1}},
		{"expected_time_above_one", CommandRequest{6, 2}},
		{"mode_4", CommandRequest{11, 4}},
		{"mode_negative", CommandRequest{11, -1}},
		{"mode_fractional", CommandRequest{11, 1.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateCommand(tc.req); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- Handler helpers ----------

type submitRecorder struct {
	mu   sync.Mutex
	got  []protocol.Packet
	resp protocol.Packet
	ok   bool
	err  error
}

func (s *submitRecorder) submit(_ context.Context, pkt protocol.Packet) (protocol.Packet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, pkt)
	return s.resp, s.ok, s.err
}

func testStaticFS() fstest.MapFS {
	return fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
		"app.js":     &fstest.MapFile{Data: []byte("console.log('x')")},
	}
}

func newTestHandlers(submit SubmitFunc) *Handlers {
	board := &runloop.Board{}
	board.Set(runloop.Snapshot{
		Status:  proxy.Status{State: "idle", Calibrated: true, MaxPosition: 400, Position: 0.25},
		Session: protocol.Session{LastChannel: 2, HasChannel: true, CommandsReceived: 7, Version: 1},
	})
	links := func() []transport.LinkInfo {
		return []transport.LinkInfo{{Channel: 2, Kind: "tcp", Remote: "10.0.0.2:5000"}}
	}
	return NewHandlers(NewStatusBroadcaster(), board, submit, links, testStaticFS())
}

func postCommand(h *Handlers, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.HandleCommand(w, req)
	return w
}

// ---------- HandleCommand ----------

func TestHandleCommand_Value(t *testing.T) {
	rec := &submitRecorder{resp: protocol.Packet{Command: protocol.CheckCurrentPosition, Payload: 0.25}, ok: true}
	h := newTestHandlers(rec.submit)

	w := postCommand(h, `{"command":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp CommandResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	want := CommandResponse{Command: 0, Name: "CHECK_CURRENT_POSITION", Payload: 0.25, Responded: true}
	if resp != want {
		t.Errorf("response = %+v, want %+v", resp, want)
	}
}

func TestHandleCommand_Ack(t *testing.T) {
	rec := &submitRecorder{resp: protocol.Ack(protocol.SendNewTargetPosition), ok: true}
	h := newTestHandlers(rec.submit)

	w := postCommand(h, `{"command":1,"payload":0.75}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp CommandResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Ack || resp.Payload != 0 {
		t.Errorf("response = %+v, want ack", resp)
	}

	if len(rec.got) != 1 {
		t.Fatalf("submitted %d packets, want 1", len(rec.got))
	}
	if rec.got[0] != (protocol.Packet{Command: protocol.SendNewTargetPosition, Payload: 0.75}) {
		t.Errorf("submitted %v", rec.got[0])
	}
}

func TestHandleCommand_NoResponse(t *testing.T) {
	rec := &submitRecorder{}
	h := newTestHandlers(rec.submit)

	w := postCommand(h, `{"command":10}`)
	var resp CommandResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Responded || resp.Name != "DISCONNECT" {
		t.Errorf("response = %+v, want no reply", resp)
	}
}

func TestHandleCommand_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"stopped", runloop.ErrStopped, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandlers((&submitRecorder{err: tc.err}).submit)
			if w := postCommand(h, `{"command":4}`); w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandleCommand_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers((&submitRecorder{}).submit)
	req := httptest.NewRequest(http.MethodGet, "/command", nil)
	w := httptest.NewRecorder()

	h.HandleCommand(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleCommand_InvalidJSON(t *testing.T) {
	h := newTestHandlers((&submitRecorder{}).submit)
	if w := postCommand(h, "not json"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleCommand_InvalidCommand(t *testing.T) {
	rec := &submitRecorder{}
	h := newTestHandlers(rec.submit)
	if w := postCommand(h, `{"command":1,"payload":3}`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(rec.got) != 0 {
		t.Error("invalid commands must not reach the loop")
	}
}

func TestHandleCommand_OversizedBody(t *testing.T) {
	h := newTestHandlers((&submitRecorder{}).submit)
	big := `{"command":0,"pad":"` + strings.Repeat("x", 2<<20) + `"}`
	if w := postCommand(h, big); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusBadRequest)
	}
}

func TestHandleCommand_NilSubmit(t *testing.T) {
	h := newTestHandlers(nil)
	if w := postCommand(h, `{"command":0}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- HandleStatus ----------

func TestHandleStatus(t *testing.T) {
	h := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	h.HandleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["state"] != "idle" || got["max_position"] != float64(400) || got["position"] != 0.25 {
		t.Errorf("status fields = %v", got)
	}
	session := got["session"].(map[string]interface{})
	if session["last_channel"] != float64(2) || session["commands_received"] != float64(7) {
		t.Errorf("session = %v", session)
	}
	links := got["links"].([]interface{})
	if len(links) != 1 || links[0].(map[string]interface{})["kind"] != "tcp" {
		t.Errorf("links = %v", links)
	}
}

func TestHandleStatus_NoLinks(t *testing.T) {
	h := NewHandlers(NewStatusBroadcaster(), nil, nil, nil, testStaticFS())
	w := httptest.NewRecorder()
	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if !strings.Contains(w.Body.String(), `"links":[]`) {
		t.Errorf("body = %s, want empty links array", w.Body.String())
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestServeIndex_Missing(t *testing.T) {
	h := NewHandlers(NewStatusBroadcaster(), nil, nil, nil, fstest.MapFS{})
	w := httptest.NewRecorder()
	h.ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ---------- Server routes ----------

func TestServerMux_Routes(t *testing.T) {
	rec := &submitRecorder{resp: protocol.Packet{Command: protocol.VersionInfo, Payload: 1}, ok: true}
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	s := newServer(":0", Deps{Board: &runloop.Board{}, Submit: rec.submit, WebSocket: ws}, testStaticFS())
	mux := s.Mux()

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/", "", http.StatusOK},
		{http.MethodGet, "/static/app.js", "", http.StatusOK},
		{http.MethodGet, "/status", "", http.StatusOK},
		{http.MethodPost, "/command", `{"command":12}`, http.StatusOK},
		{http.MethodGet, "/command", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/ws", "", http.StatusTeapot},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, bytes.NewBufferString(tc.body))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestServerMux_NoWebSocket(t *testing.T) {
	s := newServer(":0", Deps{}, testStaticFS())
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestNewServer_EmbeddedIndex(t *testing.T) {
	s, err := NewServer(":0", Deps{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ProxGo") {
		t.Errorf("index: status %d, body %.60q", w.Code, w.Body.String())
	}
}

// ---------- SSE ----------

func TestStatusStream_DeliversEvents(t *testing.T) {
	b := NewStatusBroadcaster()
	s := newServer(":0", Deps{Broadcaster: b}, testStaticFS())
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	// wait until the handler has subscribed
	deadline := time.Now().Add(time.Second)
	for b.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.BroadcastMsg("hello stream")

	buf := make([]byte, 0, 512)
	tmp := make([]byte, 256)
	for !bytes.Contains(buf, []byte("hello stream")) {
		n, err := resp.Body.Read(tmp)
		if err != nil {
			t.Fatalf("read stream: %v (got %q)", err, buf)
		}
		buf = append(buf, tmp[:n]...)
	}
	if !bytes.HasPrefix(buf, []byte(": connected")) {
		t.Errorf("stream should start with a comment, got %q", buf)
	}
}

func TestServe_ShutsDownWithOpenStream(t *testing.T) {
	b := NewStatusBroadcaster()
	s := newServer("", Deps{Broadcaster: b}, testStaticFS())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/status/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}

package protocol

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/ProxGo/internal/debug"
	"github.com/cjeanneret/ProxGo/internal/hw/indicator"
	"github.com/cjeanneret/ProxGo/internal/hw/stepper"
)

// Recalibration feedback: two short beeps.
const (
	RecalibrateBeep = 200 * time.Millisecond
	RecalibrateGap  = 400 * time.Millisecond
)

// Proxy is the controller surface the dispatch table drives.
type Proxy interface {
	CurrentPosition() float64
	SetTargetPosition(p float64) (bool, error)
	ExpectedTimeTo(p float64) time.Duration
	IsTargetReached() bool
	CurrentSpeed() int
	SetCurrentSpeed(v int) error
	StartCalibration() error
	SavePower()
	SetStepperMode(m stepper.Mode) error
}

type entry struct {
	light indicator.LightMode
	run   func(h *Handler, payload float32) (float32, bool)
}

// dispatch maps every command the proxy answers to its side effect and
// response. Codes missing from this table are ignored.
var dispatch = map[Command]entry{
	CheckCurrentPosition: {indicator.LightQuery, func(h *Handler, _ float32) (float32, bool) {
		return float32(h.proxy.CurrentPosition()), true
	}},
	SendNewTargetPosition: {indicator.LightCommand, (*Handler).newTarget},
	SendNewSpeed:          {indicator.LightCommand, (*Handler).newSpeed},
	CheckIsTargetReached: {indicator.LightQuery, func(h *Handler, _ float32) (float32, bool) {
		if h.proxy.IsTargetReached() {
			return 1, true
		}
		return 0, true
	}},
	CheckCurrentSpeed: {indicator.LightQuery, func(h *Handler, _ float32) (float32, bool) {
		return float32(h.proxy.CurrentSpeed()), true
	}},
	Recalibrate: {indicator.LightCommand, (*Handler).recalibrate},
	CheckExpectedTime: {indicator.LightQuery, func(h *Handler, p float32) (float32, bool) {
		return millis(h.proxy.ExpectedTimeTo(float64(p))), true
	}},
	SendSavePower: {indicator.LightQuery, func(h *Handler, _ float32) (float32, bool) {
		h.proxy.SavePower()
		return AckPayload, true
	}},
	SteppingMode: {indicator.LightCommand, (*Handler).steppingMode},
	VersionInfo: {indicator.LightQuery, func(h *Handler, _ float32) (float32, bool) {
		return h.version, true
	}},
}

// Handler decodes nothing and sends nothing: it maps one packet onto the
// proxy and computes the response.
type Handler struct {
	proxy   Proxy
	notify  indicator.Notifier
	version float32

	commandsReceived atomic.Uint64
}

// NewHandler creates a Handler. notify may be nil.
func NewHandler(p Proxy, version float32, notify indicator.Notifier) *Handler {
	if notify == nil {
		notify = indicator.Nop{}
	}
	return &Handler{proxy: p, notify: notify, version: version}
}

// Handles reports whether cmd has a dispatch entry (Disconnect included).
func (h *Handler) Handles(cmd Command) bool {
	if cmd == Disconnect {
		return true
	}
	_, ok := dispatch[cmd]
	return ok
}

// Handle runs pkt against the proxy. ok is false when no response must be
// sent: disconnect notices and unknown codes.
func (h *Handler) Handle(pkt Packet) (resp Packet, ok bool) {
	if pkt.Command == Disconnect {
		debug.Live("Client wants to disconnect")
		return Packet{}, false
	}
	e, found := dispatch[pkt.Command]
	if !found {
		debug.Verbose("Ignoring unknown command %d", uint8(pkt.Command))
		return Packet{}, false
	}

	h.notify.SetLight(e.light)
	h.commandsReceived.Add(1)
	payload, ok := e.run(h, pkt.Payload)
	if !ok {
		return Packet{}, false
	}
	return Packet{Command: pkt.Command, Payload: payload}, true
}

// CommandsReceived counts dispatched commands, disconnect notices excluded.
func (h *Handler) CommandsReceived() uint64 { return h.commandsReceived.Load() }

// Version is the value answered to VERSION_INFO.
func (h *Handler) Version() float32 { return h.version }

// newTarget answers with the expected travel time, computed before the
// move starts. A refused target is answered with 0.
func (h *Handler) newTarget(payload float32) (float32, bool) {
	p := float64(payload)
	expected := h.proxy.ExpectedTimeTo(p)
	if _, err := h.proxy.SetTargetPosition(p); err != nil {
		debug.Warn("target %v rejected: %v", payload, err)
		return 0, true
	}
	return millis(expected), true
}

func (h *Handler) newSpeed(payload float32) (float32, bool) {
	if !finite(payload) {
		debug.Warn("speed %v rejected: not a number", payload)
		return AckPayload, true
	}
	if err := h.proxy.SetCurrentSpeed(int(payload)); err != nil {
		debug.Warn("speed %v rejected: %v", payload, err)
	}
	return AckPayload, true
}

func (h *Handler) recalibrate(_ float32) (float32, bool) {
	indicator.Sequence(h.notify, RecalibrateGap, RecalibrateBeep, RecalibrateBeep)
	if err := h.proxy.StartCalibration(); err != nil {
		debug.Warn("recalibration rejected: %v", err)
	}
	return AckPayload, true
}

// steppingMode acknowledges even an unknown mode, which leaves the current
// one untouched.
func (h *Handler) steppingMode(payload float32) (float32, bool) {
	code := -1
	if finite(payload) {
		code = int(payload)
	}
	m, ok := stepper.ModeFromCode(code)
	if !ok {
		debug.Warn("Stepping mode UNKNOWN = %v", payload)
		return AckPayload, true
	}
	if err := h.proxy.SetStepperMode(m); err != nil {
		debug.Warn("stepping mode %v rejected: %v", m, err)
	}
	return AckPayload, true
}

func millis(d time.Duration) float32 {
	return float32(d.Milliseconds())
}

func finite(f float32) bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

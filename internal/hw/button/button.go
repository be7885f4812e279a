// Package button samples a push button or limit switch and reports edges.
package button

import (
	"github.com/cjeanneret/ProxGo/internal/debug"
	"github.com/cjeanneret/ProxGo/internal/hw/gpio"
)

// Event is a button transition. The numeric values are part of the wire
// protocol: events are pushed with command code 6+Event.
type Event int

const (
	None     Event = 0
	Pressed  Event = 1
	Released Event = 2
)

func (e Event) String() string {
	switch e {
	case Pressed:
		return "pressed"
	case Released:
		return "released"
	default:
		return "none"
	}
}

// Edge turns a stream of sampled states into transition events.
// The zero value starts in the released state with no debounce.
type Edge struct {
	// Samples is the number of consecutive identical readings required
	// before a new state is accepted. Values <= 1 accept every change.
	Samples int

	pressed   bool
	candidate bool
	count     int
}

// Update feeds one sample and returns the resulting event.
func (e *Edge) Update(pressed bool) Event {
	if pressed == e.pressed {
		e.count = 0
		return None
	}
	if e.Samples > 1 {
		if e.count == 0 || pressed != e.candidate {
			e.candidate = pressed
			e.count = 1
			return None
		}
		e.count++
		if e.count < e.Samples {
			return None
		}
	}
	e.pressed = pressed
	e.count = 0
	if pressed {
		return Pressed
	}
	return Released
}

// Pressed returns the debounced state.
func (e *Edge) Pressed() bool { return e.pressed }

// Button reads a GPIO input and runs it through an Edge detector.
type Button struct {
	gpio      gpio.Driver
	pin       int
	activeLow bool
	edge      Edge
}

// New configures pin as an input. With activeLow the internal pull-up is
// enabled and a LOW reading means pressed. A pin <= 0 yields a button that
// never reports events.
func New(g gpio.Driver, pin int, activeLow bool, samples int) *Button {
	if pin > 0 {
		mode := gpio.Input
		if activeLow {
			mode = gpio.InputPullUp
		}
		_ = g.SetupPin(pin, mode)
	}
	return &Button{
		gpio:      g,
		pin:       pin,
		activeLow: activeLow,
		edge:      Edge{Samples: samples},
	}
}

// Pin returns the configured pin number.
func (b *Button) Pin() int { return b.pin }

// Pressed returns the debounced level as of the last Poll.
func (b *Button) Pressed() bool {
	if b == nil {
		return false
	}
	return b.edge.Pressed()
}

// Poll samples the input once and returns the edge event, if any.
func (b *Button) Poll() (Event, error) {
	if b == nil || b.pin <= 0 {
		return None, nil
	}
	level, err := b.gpio.ReadPin(b.pin)
	if err != nil {
		return None, err
	}
	pressed := level == gpio.High
	if b.activeLow {
		pressed = !pressed
	}
	ev := b.edge.Update(pressed)
	if ev != None {
		debug.Trace("button pin %d %v", b.pin, ev)
	}
	return ev, nil
}

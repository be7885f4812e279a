// Package indicator provides the audible and visual feedback used by the
// controller and the protocol handler.
package indicator

import "time"

// LightMode selects what the status light shows.
type LightMode int

const (
	LightOff     LightMode = -1 // power saving
	LightOn      LightMode = 0  // powered, operating
	LightCommand LightMode = 2  // a state-changing command arrived
	LightQuery   LightMode = 5  // a query arrived
)

func (m LightMode) String() string {
	switch m {
	case LightOff:
		return "off"
	case LightOn:
		return "on"
	case LightCommand:
		return "command"
	case LightQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Notifier is a fire-and-forget feedback sink. Implementations must not block
// the caller for the duration of the effect.
type Notifier interface {
	Beep(d time.Duration)
	SetLight(mode LightMode)
}

// Nop discards all feedback.
type Nop struct{}

func (Nop) Beep(time.Duration)  {}
func (Nop) SetLight(LightMode) {}

// Sequence plays beeps of the given durations separated by gap, without
// blocking. Used for the recalibration double beep and the init-failure pattern.
func Sequence(n Notifier, gap time.Duration, beeps ...time.Duration) {
	if n == nil || len(beeps) == 0 {
		return
	}
	n.Beep(beeps[0])
	if len(beeps) == 1 {
		return
	}
	time.AfterFunc(beeps[0]+gap, func() {
		Sequence(n, gap, beeps[1:]...)
	})
}

// FailurePattern is played when part of the system fails to start.
var FailurePattern = []time.Duration{200 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

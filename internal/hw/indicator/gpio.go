package indicator

import (
	"sync"
	"time"

	"github.com/cjeanneret/ProxGo/internal/debug"
	"github.com/cjeanneret/ProxGo/internal/hw/gpio"
)

// Flash durations for the feedback light modes.
const (
	CommandFlash = 150 * time.Millisecond
	QueryFlash   = 50 * time.Millisecond
)

// GPIO drives an active-HIGH buzzer and status light:
// - BUZZER: HIGH while beeping
// - LIGHT: HIGH while the proxy is powered; command and query flashes
//   briefly invert it and then restore the steady level
//
// Pins <= 0 are treated as not wired.
type GPIO struct {
	gpio      gpio.Driver
	buzzerPin int
	lightPin  int

	mu         sync.Mutex
	lightOn    bool
	beepTimer  *time.Timer
	flashTimer *time.Timer
}

// NewGPIO configures both pins as outputs, initially LOW.
func NewGPIO(g gpio.Driver, buzzerPin, lightPin int) *GPIO {
	for _, pin := range []int{buzzerPin, lightPin} {
		if pin > 0 {
			_ = g.SetupPin(pin, gpio.Output)
			_ = g.WritePin(pin, gpio.Low)
		}
	}
	return &GPIO{
		gpio:      g,
		buzzerPin: buzzerPin,
		lightPin:  lightPin,
	}
}

// Beep sounds the buzzer for d. A new beep restarts the timer.
func (n *GPIO) Beep(d time.Duration) {
	if n.buzzerPin <= 0 || d <= 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	debug.Trace("Indicator: beep %v", d)
	if n.beepTimer != nil {
		n.beepTimer.Stop()
	}
	if err := n.gpio.WritePin(n.buzzerPin, gpio.High); err != nil {
		debug.Error(err)
		return
	}
	n.beepTimer = time.AfterFunc(d, func() {
		_ = n.gpio.WritePin(n.buzzerPin, gpio.Low)
	})
}

// SetLight applies mode. Command and query flashes leave the steady state unchanged.
func (n *GPIO) SetLight(mode LightMode) {
	if n.lightPin <= 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	switch mode {
	case LightOff, LightOn:
		n.lightOn = mode == LightOn
		if n.flashTimer != nil {
			n.flashTimer.Stop()
		}
		_ = n.gpio.WritePin(n.lightPin, level(n.lightOn))
	case LightCommand:
		n.flash(CommandFlash)
	case LightQuery:
		n.flash(QueryFlash)
	default:
		debug.Verbose("Indicator: unknown light mode %d", mode)
	}
}

// flash must be called with mu held.
func (n *GPIO) flash(d time.Duration) {
	if n.flashTimer != nil {
		n.flashTimer.Stop()
	}
	_ = n.gpio.WritePin(n.lightPin, level(!n.lightOn))
	n.flashTimer = time.AfterFunc(d, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		_ = n.gpio.WritePin(n.lightPin, level(n.lightOn))
	})
}

func level(on bool) gpio.Level {
	if on {
		return gpio.High
	}
	return gpio.Low
}

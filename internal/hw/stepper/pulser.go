package stepper

import (
	"time"

	"github.com/cjeanneret/ProxGo/internal/debug"
	"github.com/cjeanneret/ProxGo/internal/hw/gpio"
)

// Config holds the step/dir driver wiring (A4988/DRV8825 style).
type Config struct {
	StepPin    int
	DirPin     int
	EnablePin  int           // ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	PulseWidth time.Duration // duration of each half of a STEP pulse
}

// Pulser turns logical steps into STEP/DIR pulses on GPIO.
type Pulser struct {
	gpio    gpio.Driver
	cfg     Config
	delay   time.Duration
	enabled bool
}

// NewPulser configures the pins and enables the driver.
// cfg.PulseWidth: if 0, defaults to 2µs.
func NewPulser(g gpio.Driver, cfg Config) *Pulser {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	delay := cfg.PulseWidth
	if delay <= 0 {
		delay = 2 * time.Microsecond
	}

	p := &Pulser{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}

	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
	}
	_ = p.Enable()
	return p
}

// Step emits one logical step in dir, expanded into mode.PulsesPerStep()
// physical pulses. A released driver is re-enabled first.
func (p *Pulser) Step(dir Direction, mode Mode) error {
	if !p.enabled {
		if err := p.Enable(); err != nil {
			return err
		}
	}

	dirLevel := gpio.High
	if dir == Backward {
		dirLevel = gpio.Low
	}
	if err := p.gpio.WritePin(p.cfg.DirPin, dirLevel); err != nil {
		return err
	}

	for i := 0; i < mode.PulsesPerStep(); i++ {
		if err := p.stepPulse(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pulser) stepPulse() error {
	if err := p.gpio.WritePin(p.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(p.delay)
	if err := p.gpio.WritePin(p.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(p.delay)
	return nil
}

// Enable turns on the motor driver (ENABLE=LOW). The motor holds position.
func (p *Pulser) Enable() error {
	p.enabled = true
	if p.cfg.EnablePin <= 0 {
		return nil
	}
	return p.gpio.WritePin(p.cfg.EnablePin, gpio.Low)
}

// Release turns off the motor driver (ENABLE=HIGH). No holding torque.
func (p *Pulser) Release() error {
	p.enabled = false
	if p.cfg.EnablePin <= 0 {
		return nil
	}
	debug.Verbose("Stepper: releasing holding torque (pin %d -> HIGH)", p.cfg.EnablePin)
	return p.gpio.WritePin(p.cfg.EnablePin, gpio.High)
}

// Enabled reports whether the driver currently holds torque.
func (p *Pulser) Enabled() bool { return p.enabled }

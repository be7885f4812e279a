package stepper

import (
	"testing"
	"time"

	"github.com/cjeanneret/ProxGo/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls []gpioCall
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

func testPulserConfig() Config {
	return Config{
		StepPin:    17,
		DirPin:     27,
		EnablePin:  5,
		PulseWidth: 1 * time.Microsecond,
	}
}

func countHighPulses(calls []gpioCall, pin int) int {
	n := 0
	for _, c := range calls {
		if c.pin == pin && c.level == gpio.High {
			n++
		}
	}
	return n
}

func TestPulser_StepForward(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testPulserConfig()
	p := NewPulser(drv, cfg)
	drv.calls = nil // reset after init

	if err := p.Step(Forward, Single); err != nil {
		t.Fatalf("Step: %v", err)
	}

	writes := drv.writeCalls()
	if len(writes) == 0 {
		t.Fatal("expected GPIO write calls")
	}
	if writes[0].pin != 27 || writes[0].level != gpio.High {
		t.Errorf("first write should set dir pin HIGH, got pin=%d level=%v", writes[0].pin, writes[0].level)
	}
	if n := countHighPulses(writes, cfg.StepPin); n != 1 {
		t.Errorf("expected 1 step pulse, got %d", n)
	}
}

func TestPulser_StepBackward(t *testing.T) {
	drv := &recordingDriver{}
	p := NewPulser(drv, testPulserConfig())
	drv.calls = nil

	if err := p.Step(Backward, Single); err != nil {
		t.Fatalf("Step: %v", err)
	}

	writes := drv.writeCalls()
	if writes[0].pin != 27 || writes[0].level != gpio.Low {
		t.Errorf("first write should set dir pin LOW, got pin=%d level=%v", writes[0].pin, writes[0].level)
	}
}

func TestPulser_ModeExpansion(t *testing.T) {
	cases := []struct {
		mode Mode
		want int
	}{
		{Single, 1},
		{Double, 1},
		{Interleave, 2},
		{Microstep, 16},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			drv := &recordingDriver{}
			cfg := testPulserConfig()
			p := NewPulser(drv, cfg)
			drv.calls = nil

			if err := p.Step(Forward, tc.mode); err != nil {
				t.Fatalf("Step: %v", err)
			}
			if n := countHighPulses(drv.writeCalls(), cfg.StepPin); n != tc.want {
				t.Errorf("%v: %d pulses, want %d", tc.mode, n, tc.want)
			}
		})
	}
}

func TestPulser_StepPulsePattern(t *testing.T) {
	drv := &recordingDriver{}
	p := NewPulser(drv, testPulserConfig())
	drv.calls = nil

	_ = p.Step(Forward, Single)

	stepCalls := drv.writeCallsForPin(17)
	// Should be HIGH then LOW
	if len(stepCalls) != 2 {
		t.Fatalf("single step should produce 2 writes on step pin, got %d", len(stepCalls))
	}
	if stepCalls[0].level != gpio.High {
		t.Error("first pulse should be HIGH")
	}
	if stepCalls[1].level != gpio.Low {
		t.Error("second pulse should be LOW")
	}
}

func TestPulser_ReleaseThenStepReEnables(t *testing.T) {
	drv := &recordingDriver{}
	p := NewPulser(drv, testPulserConfig())
	drv.calls = nil

	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	release := drv.writeCallsForPin(5)
	if len(release) != 1 || release[0].level != gpio.High {
		t.Errorf("Release should write HIGH to enable pin, got %v", release)
	}
	if p.Enabled() {
		t.Error("Enabled() should be false after Release")
	}

	drv.calls = nil
	_ = p.Step(Forward, Single)
	enable := drv.writeCallsForPin(5)
	if len(enable) != 1 || enable[0].level != gpio.Low {
		t.Errorf("Step after Release should write LOW to enable pin, got %v", enable)
	}
	if !p.Enabled() {
		t.Error("Enabled() should be true after stepping")
	}
}

func TestPulser_NoEnablePin(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testPulserConfig()
	cfg.EnablePin = 0
	p := NewPulser(drv, cfg)
	drv.calls = nil

	if err := p.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if len(drv.calls) != 0 {
		t.Errorf("with EnablePin=0, Enable/Release should produce no GPIO calls, got %d", len(drv.calls))
	}
}

func TestPulser_DefaultPulseWidth(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testPulserConfig()
	cfg.PulseWidth = 0
	p := NewPulser(drv, cfg)
	if p.delay != 2*time.Microsecond {
		t.Errorf("default delay = %v, want 2µs", p.delay)
	}
}

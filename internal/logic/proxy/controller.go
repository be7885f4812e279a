package proxy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/ProxGo/internal/debug"
	"github.com/cjeanneret/ProxGo/internal/hw/button"
	"github.com/cjeanneret/ProxGo/internal/hw/indicator"
	"github.com/cjeanneret/ProxGo/internal/hw/stepper"
	"github.com/cjeanneret/ProxGo/internal/logic/geometry"
)

// DefaultSpeed is the sweep and travel speed in steps/s when none is configured.
const DefaultSpeed = 500

// TargetBeep is the feedback played when a new target is accepted.
const TargetBeep = 100 * time.Millisecond

var (
	ErrOperating       = errors.New("proxy is already operating")
	ErrCalibrating     = errors.New("calibration in progress")
	ErrNotCalibrated   = errors.New("proxy is not calibrated")
	ErrInvalidPosition = errors.New("position must be a finite number in [0,1]")
	ErrInvalidSpeed    = errors.New("speed must be a positive number of steps/s")
	ErrInvalidMode     = errors.New("unknown stepping mode")
)

// Motor is the physical side of the drive: one logical step at a time,
// plus releasing holding torque.
type Motor interface {
	Step(dir stepper.Direction, mode stepper.Mode) error
	Release() error
}

// ButtonInput is a polled edge-detected input.
type ButtonInput interface {
	Poll() (button.Event, error)
}

// Config holds the static characteristics of the proxy.
type Config struct {
	StepsPerRevolution int
	Speed              int // initial speed, steps/s
	MaxSpeed           int // 0 = stepper default
	Mode               stepper.Mode
}

// Option customizes a Controller.
type Option func(*Controller)

// WithNotifier sets the feedback sink (default: indicator.Nop).
func WithNotifier(n indicator.Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notify = n
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithButton attaches the user button polled by PollButtonEvent.
func WithButton(b ButtonInput) Option {
	return func(c *Controller) { c.button = b }
}

// Controller owns the proxy state: calibration, target motion, speed,
// power and the user button. It is not safe for concurrent use; the poll
// loop is its only caller.
type Controller struct {
	motor  Motor
	notify indicator.Notifier
	now    func() time.Time
	button ButtonInput
	drive  *stepper.Stepper
	steps  *geometry.StepsCalculator

	stepsPerRev int
	mode        stepper.Mode
	state       State
	powered     bool
	travel      geometry.Travel

	currentSpeed   int
	referenceSpeed int
	referenceTime  time.Duration

	startTime time.Time
	endTime   time.Time
	expected  time.Duration
}

// New creates a Controller driving motor.
func New(motor Motor, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		motor:        motor,
		notify:       indicator.Nop{},
		now:          time.Now,
		steps:        geometry.NewStepsCalculator(cfg.StepsPerRevolution),
		stepsPerRev:  cfg.StepsPerRevolution,
		mode:         cfg.Mode,
		powered:      true,
		currentSpeed: cfg.Speed,
	}
	if c.currentSpeed <= 0 {
		c.currentSpeed = DefaultSpeed
	}
	if !c.mode.Valid() {
		c.mode = stepper.Single
	}
	for _, opt := range opts {
		opt(c)
	}

	// The step closure is bound to this controller so the current stepping
	// mode is read at every step.
	c.drive = stepper.New(func(dir stepper.Direction) error {
		return c.motor.Step(dir, c.mode)
	}, c.now)
	if cfg.MaxSpeed > 0 {
		c.drive.SetMaxSpeed(float64(cfg.MaxSpeed))
	}
	return c
}

// ---------- Calibration ----------

// StartCalibration begins the sweep toward the upper end-stop.
// It is rejected while the proxy is operating.
func (c *Controller) StartCalibration() error {
	if c.state.Operating() {
		return ErrOperating
	}
	c.travel = geometry.Travel{}
	c.drive.SetSpeed(float64(c.currentSpeed))
	c.state = CalibratingUp
	c.startOperating()
	debug.Calibration("start", "seeking upper bound at %d steps/s", c.currentSpeed)
	return nil
}

// UpperBoundReached makes the current point the coordinate origin and
// starts the timed return sweep. It reports whether the signal was accepted.
func (c *Controller) UpperBoundReached() bool {
	if c.state != CalibratingUp {
		return false
	}
	c.drive.SetSpeed(0)
	c.drive.SetCurrentPosition(0)
	c.state = CalibratingDown
	c.referenceSpeed = c.currentSpeed
	c.drive.SetSpeed(-float64(c.currentSpeed))
	c.startTime = c.now()
	debug.Calibration("upper", "bound reached, seeking lower bound")
	return true
}

// LowerBoundReached records the travel range and the reference timing,
// then makes the lower end-stop the origin.
func (c *Controller) LowerBoundReached() bool {
	if c.state != CalibratingDown {
		return false
	}
	c.endTime = c.now()
	c.referenceTime = c.endTime.Sub(c.startTime)
	c.drive.SetSpeed(0)

	measured := -c.drive.CurrentPosition()
	if measured < 0 {
		debug.Warn("calibration measured negative travel %d, check end-stop wiring", measured)
		measured = 0
	}
	c.travel = geometry.Travel{MaxSteps: measured}
	c.drive.SetCurrentPosition(0)
	c.drive.MoveTo(0)
	c.state = Idle
	debug.Calibration("done", "max position %d steps, reference %v at %d steps/s",
		measured, c.referenceTime, c.referenceSpeed)
	return true
}

// ---------- Targeted motion ----------

// SetTargetPosition commands a move to the normalized position p. It
// reports whether a new motion was started; a target equal to the current
// position (or to the pending target) is a no-op and a running move goes on.
func (c *Controller) SetTargetPosition(p float64) (bool, error) {
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 1 {
		return false, ErrInvalidPosition
	}
	if c.state.Calibrating() {
		return false, ErrCalibrating
	}
	if !c.travel.Calibrated() {
		return false, ErrNotCalibrated
	}

	target := c.travel.TargetSteps(p)
	if target == c.drive.CurrentPosition() {
		return false, nil
	}
	if c.state == MovingToTarget && target == c.drive.TargetPosition() {
		return false, nil
	}

	c.expected = c.ExpectedTimeTo(p)
	debug.Move(c.drive.CurrentPosition(), target, c.expected)
	c.drive.MoveTo(target)
	c.state = MovingToTarget
	c.startOperating()
	c.notify.Beep(TargetBeep)
	c.startTime = c.now()
	return true, nil
}

// Tick advances the motion by at most one step. Call it every loop cycle.
func (c *Controller) Tick() error {
	if c.state.Calibrating() {
		_, err := c.drive.RunSpeed()
		return err
	}
	if c.drive.DistanceToGo() != 0 {
		// RunSpeedToPosition picks the sign from the remaining distance.
		c.drive.SetSpeed(float64(c.currentSpeed))
		_, err := c.drive.RunSpeedToPosition()
		return err
	}
	if c.state.Operating() {
		c.StopNow()
	}
	return nil
}

// StopNow halts immediately and returns to Idle. A running calibration is abandoned.
func (c *Controller) StopNow() {
	prev := c.state
	c.drive.Stop()
	c.endTime = c.now()
	c.state = Idle

	switch {
	case prev == MovingToTarget:
		debug.Live("Move finished at step %d after %v (expected %v)",
			c.drive.CurrentPosition(), c.endTime.Sub(c.startTime), c.expected)
	case prev.Calibrating():
		debug.Calibration("aborted", "stopped during %v", prev.Phase())
	}
}

// ExpectedTimeTo estimates how long a move to p takes at the current speed.
// It is 0 before calibration or with a zero speed.
func (c *Controller) ExpectedTimeTo(p float64) time.Duration {
	if !c.travel.Calibrated() || math.IsNaN(p) || math.IsInf(p, 0) {
		return 0
	}
	return geometry.ExpectedDuration(c.referenceSpeed, c.currentSpeed, c.referenceTime, p-c.CurrentPosition())
}

// CurrentPosition returns the normalized position, 0 before calibration.
func (c *Controller) CurrentPosition() float64 {
	return c.travel.Normalize(c.drive.CurrentPosition())
}

// IsTargetReached reports whether no distance is left to go.
func (c *Controller) IsTargetReached() bool {
	return c.drive.DistanceToGo() == 0
}

// NextStepIn tells the loop how long it may wait before the next Tick is
// useful. ok is false when nothing is moving.
func (c *Controller) NextStepIn() (time.Duration, bool) {
	if c.state == Idle || c.currentSpeed == 0 {
		return 0, false
	}
	if wait, ok := c.drive.NextStepIn(); ok {
		return wait, true
	}
	return 0, true
}

// ---------- Speed, mode, power ----------

// SetCurrentSpeed changes the travel speed in steps/s. The upward
// calibration sweep picks it up when the upper bound is reached; the return
// sweep keeps the speed it started with.
func (c *Controller) SetCurrentSpeed(v int) error {
	if v <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSpeed, v)
	}
	if limit := int(c.drive.MaxSpeed()); v > limit {
		debug.Warn("speed %d above limit, using %d", v, limit)
		v = limit
	}
	c.currentSpeed = v
	debug.Verbose("Speed set to %d steps/s", v)
	return nil
}

// CurrentSpeed returns the travel speed in steps/s.
func (c *Controller) CurrentSpeed() int { return c.currentSpeed }

// SetStepperMode changes how steps are expanded into pulses.
func (c *Controller) SetStepperMode(m stepper.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int(m))
	}
	c.mode = m
	debug.Verbose("Stepping mode set to %v", m)
	return nil
}

// StepperMode returns the current stepping mode.
func (c *Controller) StepperMode() stepper.Mode { return c.mode }

// SavePower stops, releases holding torque and turns the light off.
func (c *Controller) SavePower() {
	c.StopNow()
	if err := c.motor.Release(); err != nil {
		debug.Error(fmt.Errorf("release motor: %w", err))
	}
	c.powered = false
	c.notify.SetLight(indicator.LightOff)
	debug.Info("Power saving: motor released")
}

func (c *Controller) startOperating() {
	c.powered = true
	c.notify.SetLight(indicator.LightOn)
}

// ---------- Button ----------

// PollButtonEvent samples the user button once.
func (c *Controller) PollButtonEvent() button.Event {
	if c.button == nil {
		return button.None
	}
	ev, err := c.button.Poll()
	if err != nil {
		debug.Error(fmt.Errorf("poll button: %w", err))
		return button.None
	}
	return ev
}

// ---------- Accessors ----------

func (c *Controller) State() State                 { return c.state }
func (c *Controller) Phase() Phase                 { return c.state.Phase() }
func (c *Controller) Operating() bool              { return c.state.Operating() }
func (c *Controller) Powered() bool                { return c.powered }
func (c *Controller) MaxPosition() int64           { return c.travel.MaxSteps }
func (c *Controller) CurrentStep() int64           { return c.drive.CurrentPosition() }
func (c *Controller) ReferenceSpeed() int          { return c.referenceSpeed }
func (c *Controller) ReferenceTime() time.Duration { return c.referenceTime }
func (c *Controller) StepsPerRevolution() int      { return c.stepsPerRev }

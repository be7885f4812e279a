package stepper

import (
	"math"
	"time"
)

// DefaultMaxSpeed caps SetSpeed when no other limit was configured (steps/s).
const DefaultMaxSpeed = 4000

// Direction of a single logical step.
type Direction int

const (
	Backward Direction = -1
	Forward  Direction = 1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// StepFunc advances the actuator by one logical step in dir.
// The owner binds it to whatever drives the hardware, so the Stepper
// never needs to know who it is stepping for.
type StepFunc func(dir Direction) error

// Stepper tracks position, target and a signed constant speed, and emits
// at most one logical step per Run call once the step interval has elapsed.
// It never blocks.
type Stepper struct {
	step StepFunc
	now  func() time.Time

	position int64
	target   int64
	speed    float64 // steps/s, signed
	maxSpeed float64
	interval time.Duration
	lastStep time.Time
}

// New creates a Stepper. now may be nil to use the wall clock.
func New(step StepFunc, now func() time.Time) *Stepper {
	if now == nil {
		now = time.Now
	}
	return &Stepper{
		step:     step,
		now:      now,
		maxSpeed: DefaultMaxSpeed,
	}
}

// CurrentPosition returns the local step counter.
func (s *Stepper) CurrentPosition() int64 { return s.position }

// TargetPosition returns the last MoveTo target.
func (s *Stepper) TargetPosition() int64 { return s.target }

// SetCurrentPosition redefines the coordinate origin: position and target
// both become p and the speed is reset to zero.
func (s *Stepper) SetCurrentPosition(p int64) {
	s.position = p
	s.target = p
	s.setSpeed(0)
}

// MoveTo sets an absolute target.
func (s *Stepper) MoveTo(target int64) { s.target = target }

// DistanceToGo returns target - position.
func (s *Stepper) DistanceToGo() int64 { return s.target - s.position }

// Stop drops the remaining distance so the motor halts where it is.
func (s *Stepper) Stop() {
	s.target = s.position
	s.setSpeed(0)
}

// SetMaxSpeed sets the absolute speed limit. Values <= 0 are ignored.
func (s *Stepper) SetMaxSpeed(v float64) {
	if v > 0 {
		s.maxSpeed = v
		s.setSpeed(s.speed)
	}
}

// MaxSpeed returns the absolute speed limit.
func (s *Stepper) MaxSpeed() float64 { return s.maxSpeed }

// SetSpeed sets the signed constant speed in steps/s, clamped to ±MaxSpeed.
func (s *Stepper) SetSpeed(stepsPerSec float64) { s.setSpeed(stepsPerSec) }

func (s *Stepper) setSpeed(v float64) {
	v = math.Max(-s.maxSpeed, math.Min(s.maxSpeed, v))
	s.speed = v
	if v == 0 {
		s.interval = 0
		return
	}
	s.interval = time.Duration(float64(time.Second) / math.Abs(v))
}

// Speed returns the signed speed in steps/s.
func (s *Stepper) Speed() float64 { return s.speed }

// RunSpeed emits one step in the direction of the speed sign if a step
// is due. It reports whether a step was taken.
func (s *Stepper) RunSpeed() (bool, error) {
	if s.interval == 0 {
		return false, nil
	}
	now := s.now()
	if !s.lastStep.IsZero() && now.Sub(s.lastStep) < s.interval {
		return false, nil
	}

	dir := Forward
	if s.speed < 0 {
		dir = Backward
	}
	if err := s.step(dir); err != nil {
		return false, err
	}
	s.position += int64(dir)
	s.lastStep = now
	return true, nil
}

// RunSpeedToPosition behaves like RunSpeed but only while the target has not
// been reached, with the speed sign following the remaining distance.
func (s *Stepper) RunSpeedToPosition() (bool, error) {
	d := s.DistanceToGo()
	if d == 0 {
		return false, nil
	}
	if d > 0 {
		s.setSpeed(math.Abs(s.speed))
	} else {
		s.setSpeed(-math.Abs(s.speed))
	}
	return s.RunSpeed()
}

// NextStepIn returns how long until RunSpeed would emit the next step.
// ok is false when the speed is zero.
func (s *Stepper) NextStepIn() (wait time.Duration, ok bool) {
	if s.interval == 0 {
		return 0, false
	}
	if s.lastStep.IsZero() {
		return 0, true
	}
	wait = s.interval - s.now().Sub(s.lastStep)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

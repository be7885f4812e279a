package proxy

// State is the single source of truth for what the proxy is doing.
// Operating and the calibration phase are both derived from it.
type State int

const (
	Idle State = iota
	MovingToTarget
	CalibratingUp   // driving toward the upper end-stop
	CalibratingDown // return sweep toward the lower end-stop, timed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case MovingToTarget:
		return "moving"
	case CalibratingUp:
		return "calibrating_up"
	case CalibratingDown:
		return "calibrating_down"
	default:
		return "unknown"
	}
}

// Operating reports whether the motor is being driven.
func (s State) Operating() bool { return s != Idle }

// Calibrating reports whether a calibration sweep is running.
func (s State) Calibrating() bool { return s == CalibratingUp || s == CalibratingDown }

// Phase is the calibration phase as seen by clients.
type Phase int

const (
	PhaseNone Phase = iota
	SeekingUpperBound
	SeekingLowerBound
)

func (p Phase) String() string {
	switch p {
	case SeekingUpperBound:
		return "seeking_upper_bound"
	case SeekingLowerBound:
		return "seeking_lower_bound"
	default:
		return "none"
	}
}

// Phase derives the calibration phase from the state.
func (s State) Phase() Phase {
	switch s {
	case CalibratingUp:
		return SeekingUpperBound
	case CalibratingDown:
		return SeekingLowerBound
	default:
		return PhaseNone
	}
}

package proxy

// Status is a point-in-time snapshot of the controller, safe to hand to
// other goroutines (web, telemetry). It is comparable, so the loop can
// detect changes with ==.
type Status struct {
	State           string  `json:"state"`
	Phase           string  `json:"phase"`
	Operating       bool    `json:"operating"`
	Powered         bool    `json:"powered"`
	Calibrated      bool    `json:"calibrated"`
	Position        float64 `json:"position"`
	Step            int64   `json:"step"`
	TargetStep      int64   `json:"target_step"`
	MaxPosition     int64   `json:"max_position"`
	TargetReached   bool    `json:"target_reached"`
	Speed           int     `json:"speed"`
	RPM             float64 `json:"rpm"`
	Mode            string  `json:"mode"`
	ReferenceSpeed  int     `json:"reference_speed"`
	ReferenceTimeMs int64   `json:"reference_time_ms"`
	TravelRevs      float64 `json:"travel_revolutions"`
}

// Status returns the current snapshot.
func (c *Controller) Status() Status {
	return Status{
		State:           c.state.String(),
		Phase:           c.state.Phase().String(),
		Operating:       c.state.Operating(),
		Powered:         c.powered,
		Calibrated:      c.travel.Calibrated(),
		Position:        c.CurrentPosition(),
		Step:            c.drive.CurrentPosition(),
		TargetStep:      c.drive.TargetPosition(),
		MaxPosition:     c.travel.MaxSteps,
		TargetReached:   c.IsTargetReached(),
		Speed:           c.currentSpeed,
		RPM:             c.steps.RPM(c.currentSpeed),
		Mode:            c.mode.String(),
		ReferenceSpeed:  c.referenceSpeed,
		ReferenceTimeMs: c.referenceTime.Milliseconds(),
		TravelRevs:      c.steps.Revolutions(c.travel.MaxSteps),
	}
}

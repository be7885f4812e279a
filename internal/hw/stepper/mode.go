package stepper

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode selects how one logical step is expanded into physical pulses.
// The numeric values are the ones used on the wire (STEPPING_MODE payload).
type Mode int

const (
	Single Mode = iota
	Double
	Interleave
	Microstep
)

// MicrostepPulses is the number of physical pulses per logical step in Microstep mode.
const MicrostepPulses = 16

var modeNames = [...]string{"single", "double", "interleave", "microstep"}

func (m Mode) String() string {
	if m.Valid() {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Valid reports whether m is one of the four known modes.
func (m Mode) Valid() bool {
	return m >= Single && m <= Microstep
}

// PulsesPerStep returns the physical pulse count for one logical step.
func (m Mode) PulsesPerStep() int {
	switch m {
	case Interleave:
		return 2
	case Microstep:
		return MicrostepPulses
	default:
		return 1
	}
}

// ModeFromCode maps a wire code (0-3) to a Mode.
func ModeFromCode(code int) (Mode, bool) {
	m := Mode(code)
	return m, m.Valid()
}

// ParseMode accepts a mode name ("single", "MICROSTEP", ...) or its code ("0".."3").
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Single, nil
	}
	for i, name := range modeNames {
		if s == name {
			return Mode(i), nil
		}
	}
	if code, err := strconv.Atoi(s); err == nil {
		if m, ok := ModeFromCode(code); ok {
			return m, nil
		}
	}
	return Single, fmt.Errorf("unknown stepping mode %q (want single, double, interleave or microstep)", s)
}

package autotrade

import (
	"fmt"
	"strings"
)

// Mode controls how much of the pipeline's output the engine acts on.
type Mode string

const (
	ModeDisabled     Mode = "DISABLED"
	ModeAdvisory     Mode = "ADVISORY"
	ModeConservative Mode = "CONSERVATIVE"
	ModeStandard     Mode = "STANDARD"
	ModeAggressive   Mode = "AGGRESSIVE"
)

// MaxRisk returns the highest risk score (0-100) the mode accepts.
// ADVISORY accepts everything because it never executes.
func (m Mode) MaxRisk() float64 {
	switch m {
	case ModeAdvisory:
		return 100
	case ModeConservative:
		return 30
	case ModeStandard:
		return 60
	case ModeAggressive:
		return 90
	default:
		return 0
	}
}

// Executes reports whether opportunities admitted in this mode are traded.
func (m Mode) Executes() bool {
	switch m {
	case ModeConservative, ModeStandard, ModeAggressive:
		return true
	}
	return false
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeDisabled, ModeAdvisory, ModeConservative, ModeStandard, ModeAggressive:
		return m, nil
	}
	return "", fmt.Errorf("autotrade: unknown mode %q", s)
}

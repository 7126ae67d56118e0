package types

import "fmt"

// Status is the posture status shown to the presentation layer
type Status int

const (
	StatusInitializing Status = iota
	StatusNeedsCalibration
	StatusCalibrating
	StatusMonitoringGood
	StatusMonitoringPoor
	StatusNoDetection
	StatusPocketNoSignal
	StatusPaused
	StatusError
)

var statusNames = map[Status]string{
	StatusInitializing:     "initializing",
	StatusNeedsCalibration: "needs-calibration",
	StatusCalibrating:      "calibrating",
	StatusMonitoringGood:   "monitoring-good",
	StatusMonitoringPoor:   "monitoring-poor",
	StatusNoDetection:      "no-detection",
	StatusPocketNoSignal:   "pocket-no-signal",
	StatusPaused:           "paused",
	StatusError:            "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Label returns the human-readable text for display
func (s Status) Label() string {
	switch s {
	case StatusInitializing:
		return "Initializing..."
	case StatusNeedsCalibration:
		return "Calibration needed"
	case StatusCalibrating:
		return "Hold good posture..."
	case StatusMonitoringGood:
		return "Good posture"
	case StatusMonitoringPoor:
		return "Poor posture - sit up straight"
	case StatusNoDetection:
		return "No person detected"
	case StatusPocketNoSignal:
		return "No pocket sensor signal"
	case StatusPaused:
		return "Paused"
	case StatusError:
		return "Error"
	default:
		return s.String()
	}
}

// Interrupting reports whether the status may be applied while not monitoring
func (s Status) Interrupting() bool {
	switch s {
	case StatusNoDetection, StatusPocketNoSignal, StatusError, StatusNeedsCalibration:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus parses the string form of a status
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusInitializing, fmt.Errorf("unknown status %q", name)
}

// Mode selects the sensing backend
type Mode string

const (
	ModeCamera Mode = "camera"
	ModePocket Mode = "pocket"
)

// Modes lists every supported mode
var Modes = []Mode{ModeCamera, ModePocket}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeCamera || m == ModePocket
}

package types

import (
	"encoding/json"
	"testing"
)

func TestStatusText(t *testing.T) {
	for s, name := range statusNames {
		if s.String() != name {
			t.Errorf("String() = %q, want %q", s.String(), name)
		}

		parsed, err := ParseStatus(name)
		if err != nil {
			t.Fatalf("ParseStatus(%q) failed: %v", name, err)
		}
		if parsed != s {
			t.Errorf("ParseStatus(%q) = %v, want %v", name, parsed, s)
		}
	}

	if _, err := ParseStatus("sleeping"); err == nil {
		t.Error("Expected error for unknown status")
	}
}

func TestStatusJSON(t *testing.T) {
	payload := struct {
		Status Status `json:"status"`
	}{Status: StatusMonitoringPoor}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"status":"monitoring-poor"}` {
		t.Errorf("Unexpected JSON: %s", data)
	}
}

func TestStatusInterrupting(t *testing.T) {
	interrupting := map[Status]bool{
		StatusNoDetection:      true,
		StatusPocketNoSignal:   true,
		StatusError:            true,
		StatusNeedsCalibration: true,
	}

	for s := range statusNames {
		if s.Interrupting() != interrupting[s] {
			t.Errorf("%s.Interrupting() = %v, want %v", s, s.Interrupting(), interrupting[s])
		}
	}
}

func TestModeValid(t *testing.T) {
	for _, m := range Modes {
		if !m.Valid() {
			t.Errorf("%s should be valid", m)
		}
	}
	if Mode("wrist").Valid() {
		t.Error("Unknown mode should be invalid")
	}
}

package capture

import "testing"

// TestCorrectionFor verifies the orientation → rotation table, including the
// upright fallback for orientations that carry no usable rotation.
func TestCorrectionFor(t *testing.T) {
	tests := []struct {
		orientation DeviceOrientation
		want        Rotation
	}{
		{OrientationPortrait, Rotate0},
		{OrientationLandscapeLeft, Rotate90},
		{OrientationPortraitUpsideDown, Rotate180},
		{OrientationLandscapeRight, Rotate270},
		{OrientationFaceUp, Rotate0},
		{OrientationFaceDown, Rotate0},
		{OrientationUnknown, Rotate0},
		{DeviceOrientation(99), Rotate0},
	}

	for _, tt := range tests {
		t.Run(tt.orientation.String(), func(t *testing.T) {
			if got := CorrectionFor(tt.orientation); got != tt.want {
				t.Errorf("CorrectionFor(%s) = %d, want %d", tt.orientation, got, tt.want)
			}
		})
	}
}

func TestParseDeviceOrientation(t *testing.T) {
	for o, name := range orientationNames {
		got, err := ParseDeviceOrientation(name)
		if err != nil {
			t.Fatalf("ParseDeviceOrientation(%q) failed: %v", name, err)
		}
		if got != o {
			t.Errorf("ParseDeviceOrientation(%q) = %s, want %s", name, got, o)
		}
	}

	if _, err := ParseDeviceOrientation("sideways"); err == nil {
		t.Error("Expected error for unknown orientation")
	}
}

func TestOrientationHolder(t *testing.T) {
	h := NewOrientationHolder(OrientationPortrait)
	if h.Correction() != Rotate0 {
		t.Errorf("Expected Rotate0 for portrait, got %d", h.Correction())
	}

	h.Set(OrientationLandscapeRight)
	if h.Current() != OrientationLandscapeRight {
		t.Errorf("Expected landscape-right, got %s", h.Current())
	}
	if h.Correction() != Rotate270 {
		t.Errorf("Expected Rotate270, got %d", h.Correction())
	}

	t.Log("✅ Orientation holder tracks updates")
}

package capture

import (
	"fmt"
	"sync/atomic"
)

// DeviceOrientation is the physical orientation reported by the device
type DeviceOrientation int

const (
	OrientationUnknown DeviceOrientation = iota
	OrientationPortrait
	OrientationPortraitUpsideDown
	OrientationLandscapeLeft
	OrientationLandscapeRight
	OrientationFaceUp
	OrientationFaceDown
)

var orientationNames = map[DeviceOrientation]string{
	OrientationUnknown:            "unknown",
	OrientationPortrait:           "portrait",
	OrientationPortraitUpsideDown: "portrait-upside-down",
	OrientationLandscapeLeft:      "landscape-left",
	OrientationLandscapeRight:     "landscape-right",
	OrientationFaceUp:             "face-up",
	OrientationFaceDown:           "face-down",
}

func (o DeviceOrientation) String() string {
	if name, ok := orientationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("orientation(%d)", int(o))
}

// ParseDeviceOrientation parses the string form used in config and commands
func ParseDeviceOrientation(name string) (DeviceOrientation, error) {
	for o, n := range orientationNames {
		if n == name {
			return o, nil
		}
	}
	return OrientationUnknown, fmt.Errorf("unknown orientation %q", name)
}

// Rotation is the clockwise correction applied before keypoint extraction
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// CorrectionFor maps the device orientation to the rotation the keypoint
// provider needs. Indeterminate orientations (flat, unknown) are treated as
// upright.
func CorrectionFor(o DeviceOrientation) Rotation {
	switch o {
	case OrientationPortrait:
		return Rotate0
	case OrientationLandscapeLeft:
		return Rotate90
	case OrientationPortraitUpsideDown:
		return Rotate180
	case OrientationLandscapeRight:
		return Rotate270
	default:
		return Rotate0
	}
}

// OrientationHolder stores the current device orientation. Written by the
// control plane, read by the processing lane once per frame.
type OrientationHolder struct {
	v atomic.Int32
}

// NewOrientationHolder creates a holder with an initial orientation
func NewOrientationHolder(initial DeviceOrientation) *OrientationHolder {
	h := &OrientationHolder{}
	h.Set(initial)
	return h
}

// Set updates the orientation
func (h *OrientationHolder) Set(o DeviceOrientation) {
	h.v.Store(int32(o))
}

// Current returns the last reported orientation
func (h *OrientationHolder) Current() DeviceOrientation {
	return DeviceOrientation(h.v.Load())
}

// Correction returns the rotation for the current orientation
func (h *OrientationHolder) Correction() Rotation {
	return CorrectionFor(h.Current())
}

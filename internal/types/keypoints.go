package types

// Landmark names used by the posture metric. The provider may report any
// other landmark (eyes, ears, hips, ...); those are carried for the overlay.
const (
	LandmarkNeck          = "neck"
	LandmarkLeftShoulder  = "left_shoulder"
	LandmarkRightShoulder = "right_shoulder"
)

// Keypoint represents a single landmark in normalized image coordinates
type Keypoint struct {
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
}

// KeypointSet maps landmark name to its location for one detected body
type KeypointSet map[string]Keypoint

// Filter returns a copy holding only landmarks with confidence >= threshold.
func (s KeypointSet) Filter(threshold float64) KeypointSet {
	out := make(KeypointSet, len(s))
	for name, kp := range s {
		if kp.Confidence >= threshold {
			out[name] = kp
		}
	}
	return out
}

// Get returns the landmark and whether it is present
func (s KeypointSet) Get(name string) (Keypoint, bool) {
	kp, ok := s[name]
	return kp, ok
}

// HasAll reports whether every named landmark is present
func (s KeypointSet) HasAll(names ...string) bool {
	for _, name := range names {
		if _, ok := s[name]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy (nil stays nil)
func (s KeypointSet) Clone() KeypointSet {
	if s == nil {
		return nil
	}
	out := make(KeypointSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

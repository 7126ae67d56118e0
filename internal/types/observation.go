package types

import "time"

// Observation is the outcome of running the keypoint provider on one frame.
// Keypoints is nil when no body was detected or when Err is set.
type Observation struct {
	Generation uint64
	Seq        uint64
	TraceID    string
	Timestamp  time.Time
	Keypoints  KeypointSet
	Err        error
}

// Detected reports whether the observation carries a keypoint set
func (o Observation) Detected() bool {
	return o.Err == nil && o.Keypoints != nil
}

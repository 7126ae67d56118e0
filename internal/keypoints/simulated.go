package keypoints

import (
	"context"
	"math"

	"github.com/e7canasta/orion-posture/internal/capture"
	"github.com/e7canasta/orion-posture/internal/types"
)

// Simulated produces a synthetic upper body without looking at the image.
// The neck-to-shoulder distance drifts slowly around Metric so that a
// calibrated run alternates between good and poor posture.
type Simulated struct {
	// Metric is the resting neck-to-shoulder-midpoint distance
	Metric float64
	// Drift is the amplitude of the slow oscillation, relative to Metric
	Drift float64
	// Period is the oscillation period in frames
	Period int
}

// Detect implements Provider
func (s Simulated) Detect(_ context.Context, frame types.Frame, _ capture.Rotation) (types.KeypointSet, error) {
	period := s.Period
	if period <= 0 {
		period = 300
	}

	phase := 2 * math.Pi * float64(frame.Seq%uint64(period)) / float64(period)
	metric := s.Metric * (1 + s.Drift*math.Sin(phase))

	shoulderY := 0.45
	return types.KeypointSet{
		types.LandmarkNeck:          {X: 0.5, Y: shoulderY - metric, Confidence: 0.9},
		types.LandmarkLeftShoulder:  {X: 0.4, Y: shoulderY, Confidence: 0.9},
		types.LandmarkRightShoulder: {X: 0.6, Y: shoulderY, Confidence: 0.9},
	}, nil
}

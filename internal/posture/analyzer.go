// Package posture classifies a keypoint set against a calibration baseline.
//
// The metric is the vertical distance between the neck and the midpoint of
// the shoulders in normalized image coordinates:
//
//	metric = |neck.y - (left_shoulder.y + right_shoulder.y) / 2|
//
// Slouching moves the neck towards the shoulder line, so a metric that
// deviates from the calibrated baseline by more than DeviationThresholdPct
// percent is reported as poor posture.
package posture

import (
	"math"

	"github.com/e7canasta/orion-posture/internal/types"
)

const (
	// DefaultConfidenceThreshold drops landmarks the model is unsure about
	DefaultConfidenceThreshold = 0.3
	// DefaultDeviationThresholdPct is the largest deviation still considered good
	DefaultDeviationThresholdPct = 20.0
)

// requiredLandmarks must all be present for the metric to be computed
var requiredLandmarks = []string{
	types.LandmarkNeck,
	types.LandmarkLeftShoulder,
	types.LandmarkRightShoulder,
}

// Analyzer is stateless; one value may be shared between goroutines
type Analyzer struct {
	ConfidenceThreshold   float64
	DeviationThresholdPct float64
}

// NewAnalyzer returns an analyzer with the default thresholds
func NewAnalyzer() Analyzer {
	return Analyzer{
		ConfidenceThreshold:   DefaultConfidenceThreshold,
		DeviationThresholdPct: DefaultDeviationThresholdPct,
	}
}

// Result is the classification of one keypoint set
type Result struct {
	Status types.Status
	// Metric is valid only when HasMetric is true
	Metric       float64
	HasMetric    bool
	DeviationPct float64
}

// Metric filters the set by confidence and computes the posture metric.
// It reports false when a required landmark is missing.
func (a Analyzer) Metric(set types.KeypointSet) (float64, bool) {
	filtered := set.Filter(a.ConfidenceThreshold)
	if !filtered.HasAll(requiredLandmarks...) {
		return 0, false
	}

	neck := filtered[types.LandmarkNeck]
	left := filtered[types.LandmarkLeftShoulder]
	right := filtered[types.LandmarkRightShoulder]

	return math.Abs(neck.Y - (left.Y+right.Y)/2), true
}

// Analyze classifies one keypoint set. hasBaseline=false yields
// needs-calibration once the metric could be computed.
func (a Analyzer) Analyze(set types.KeypointSet, baseline float64, hasBaseline bool) Result {
	metric, ok := a.Metric(set)
	if !ok {
		return Result{Status: types.StatusNoDetection}
	}

	if !hasBaseline {
		return Result{
			Status:    types.StatusNeedsCalibration,
			Metric:    metric,
			HasMetric: true,
		}
	}

	deviation := Deviation(metric, baseline)
	status := types.StatusMonitoringGood
	if deviation > a.DeviationThresholdPct {
		status = types.StatusMonitoringPoor
	}

	return Result{
		Status:       status,
		Metric:       metric,
		HasMetric:    true,
		DeviationPct: deviation,
	}
}

// Deviation returns |metric - baseline| / baseline as a percentage.
// A zero baseline yields 0.
func Deviation(metric, baseline float64) float64 {
	if baseline == 0 {
		return 0
	}
	return math.Abs(metric-baseline) * 100 / baseline
}

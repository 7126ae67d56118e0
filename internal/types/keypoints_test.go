package types

import "testing"

func TestKeypointSetFilter(t *testing.T) {
	set := KeypointSet{
		LandmarkNeck:          {X: 0.5, Y: 0.2, Confidence: 0.3},
		LandmarkLeftShoulder:  {X: 0.4, Y: 0.3, Confidence: 0.29},
		LandmarkRightShoulder: {X: 0.6, Y: 0.3, Confidence: 0.9},
		"nose":                {X: 0.5, Y: 0.1, Confidence: 0.1},
	}

	filtered := set.Filter(0.3)

	if _, ok := filtered.Get(LandmarkNeck); !ok {
		t.Error("Confidence equal to the threshold must be kept")
	}
	if _, ok := filtered.Get(LandmarkLeftShoulder); ok {
		t.Error("Confidence below the threshold must be dropped")
	}
	if len(filtered) != 2 {
		t.Errorf("Expected 2 landmarks after filtering, got %d", len(filtered))
	}
	if len(set) != 4 {
		t.Error("Filter must not modify the receiver")
	}
	if filtered.HasAll(LandmarkNeck, LandmarkLeftShoulder, LandmarkRightShoulder) {
		t.Error("HasAll should report the missing shoulder")
	}
}

func TestKeypointSetClone(t *testing.T) {
	var empty KeypointSet
	if empty.Clone() != nil {
		t.Error("Clone of nil set must be nil")
	}

	set := KeypointSet{LandmarkNeck: {Y: 0.1, Confidence: 1}}
	clone := set.Clone()
	clone[LandmarkNeck] = Keypoint{Y: 0.9}

	if set[LandmarkNeck].Y != 0.1 {
		t.Error("Clone shares storage with the original")
	}
}

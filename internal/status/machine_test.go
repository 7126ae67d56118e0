package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-posture/internal/types"
)

func startMachine(t *testing.T) (*Machine, chan Change) {
	t.Helper()

	m := New(nil)
	changes := make(chan Change, 32)
	if err := m.Changes().Subscribe("test", changes); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)

	return m, changes
}

// flush waits until every update queued before it has been applied
func flush(t *testing.T, m *Machine) {
	t.Helper()
	if err := m.Transition(context.Background(), "sync", func(*State) error { return nil }); err != nil {
		t.Fatalf("sync transition failed: %v", err)
	}
}

func startSession(t *testing.T, m *Machine) uint64 {
	t.Helper()
	var gen uint64
	err := m.Transition(context.Background(), "start", func(s *State) error {
		s.Monitoring = true
		s.Status = types.StatusMonitoringGood
		s.Generation++
		gen = s.Generation
		return nil
	})
	if err != nil {
		t.Fatalf("start transition failed: %v", err)
	}
	return gen
}

func expectChange(t *testing.T, changes <-chan Change, want types.Status) Change {
	t.Helper()
	select {
	case c := <-changes:
		if c.Status != want {
			t.Fatalf("Expected change to %s, got %s", want, c.Status)
		}
		return c
	case <-time.After(time.Second):
		t.Fatalf("Timeout waiting for change to %s", want)
	}
	return Change{}
}

func expectNoChange(t *testing.T, changes <-chan Change) {
	t.Helper()
	select {
	case c := <-changes:
		t.Fatalf("Unexpected change %s → %s", c.Previous, c.Status)
	default:
	}
}

// TestRedundantWritesDoNotNotify: writing the current status again must
// not publish a change.
func TestRedundantWritesDoNotNotify(t *testing.T) {
	m, changes := startMachine(t)
	gen := startSession(t, m)
	expectChange(t, changes, types.StatusMonitoringGood)

	m.ProposeFor(gen, types.StatusMonitoringGood, "analyzer")
	m.ProposeFor(gen, types.StatusMonitoringGood, "analyzer")
	flush(t, m)

	expectNoChange(t, changes)
	if c := m.Counters(); c.Redundant < 2 {
		t.Errorf("Expected at least 2 redundant writes, got %d", c.Redundant)
	}

	m.ProposeFor(gen, types.StatusMonitoringPoor, "analyzer")
	flush(t, m)
	c := expectChange(t, changes, types.StatusMonitoringPoor)
	if c.Previous != types.StatusMonitoringGood {
		t.Errorf("Expected previous monitoring-good, got %s", c.Previous)
	}

	t.Log("✅ Redundant writes are silent, real changes notify once")
}

func TestProposalFilter(t *testing.T) {
	m, changes := startMachine(t)

	// not monitoring: classification results are filtered
	m.Propose(types.StatusMonitoringPoor, "analyzer")
	m.Propose(types.StatusMonitoringGood, "analyzer")
	flush(t, m)
	expectNoChange(t, changes)
	if m.Status() != types.StatusInitializing {
		t.Errorf("Expected initializing, got %s", m.Status())
	}

	// interrupting statuses apply regardless
	for _, s := range []types.Status{
		types.StatusNoDetection,
		types.StatusError,
		types.StatusPocketNoSignal,
		types.StatusNeedsCalibration,
	} {
		m.Propose(s, "test")
		flush(t, m)
		expectChange(t, changes, s)
	}

	if c := m.Counters(); c.Filtered != 2 {
		t.Errorf("Expected 2 filtered proposals, got %d", c.Filtered)
	}
}

func TestStaleGenerationDiscarded(t *testing.T) {
	m, changes := startMachine(t)

	oldGen := startSession(t, m)
	expectChange(t, changes, types.StatusMonitoringGood)

	// stop then start: the old session's in-flight result must not land
	if err := m.Transition(context.Background(), "stop", func(s *State) error {
		s.Monitoring = false
		s.Generation++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	expectChange(t, changes, types.StatusPaused)

	newGen := startSession(t, m)
	expectChange(t, changes, types.StatusMonitoringGood)

	m.ProposeFor(oldGen, types.StatusError, "late frame")
	m.SetOverlay(oldGen, types.KeypointSet{types.LandmarkNeck: {Y: 0.1, Confidence: 1}})
	flush(t, m)

	expectNoChange(t, changes)
	if m.Status() != types.StatusMonitoringGood {
		t.Errorf("Expected monitoring-good, got %s", m.Status())
	}
	if m.Overlay().Keypoints != nil {
		t.Error("Stale overlay must be discarded")
	}
	if c := m.Counters(); c.Stale != 2 {
		t.Errorf("Expected 2 stale updates, got %d", c.Stale)
	}

	m.SetOverlay(newGen, types.KeypointSet{types.LandmarkNeck: {Y: 0.1, Confidence: 1}})
	flush(t, m)
	if m.Overlay().Keypoints == nil {
		t.Error("Current-generation overlay must be applied")
	}
}

func TestMonitoringOffDrivesPaused(t *testing.T) {
	m, changes := startMachine(t)
	startSession(t, m)
	expectChange(t, changes, types.StatusMonitoringGood)

	// the transition forgets to set the status: the machine enforces paused
	if err := m.Transition(context.Background(), "stop", func(s *State) error {
		s.Monitoring = false
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	c := expectChange(t, changes, types.StatusPaused)
	if c.Monitoring {
		t.Error("Change must report monitoring=false")
	}
}

func TestNeverMonitoringWhileCalibrating(t *testing.T) {
	m, changes := startMachine(t)

	err := m.Transition(context.Background(), "bad", func(s *State) error {
		s.Monitoring = true
		s.Status = types.StatusCalibrating
		return nil
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}
	expectNoChange(t, changes)
	if m.Monitoring() {
		t.Error("State must be untouched after a rejected transition")
	}
}

func TestTransitionErrorLeavesStateUntouched(t *testing.T) {
	m, changes := startMachine(t)
	refused := errors.New("refused")

	err := m.Transition(context.Background(), "start", func(s *State) error {
		s.Monitoring = true
		return refused
	})
	if !errors.Is(err, refused) {
		t.Fatalf("Expected the transition's error, got %v", err)
	}
	expectNoChange(t, changes)
	if m.Monitoring() {
		t.Error("Monitoring must stay false")
	}
}

func TestTransitionReportsAppliedChangeAfterCancel(t *testing.T) {
	m, changes := startMachine(t)

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := m.Transition(ctx, "calibration requested", func(s *State) error {
			// the caller gives up while the change is being applied
			cancel()
			s.Status = types.StatusCalibrating
			s.Generation++
			return nil
		})
		if err != nil {
			t.Fatalf("Applied transition reported %v", err)
		}
		expectChange(t, changes, types.StatusCalibrating)

		if err := m.Transition(context.Background(), "calibration failed", func(s *State) error {
			s.Status = types.StatusNeedsCalibration
			s.Generation++
			return nil
		}); err != nil {
			t.Fatalf("Reset transition failed: %v", err)
		}
		expectChange(t, changes, types.StatusNeedsCalibration)
	}
	t.Logf("✅ cancelled callers always saw the committed outcome")
}

func TestTransitionAfterStop(t *testing.T) {
	m := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	err := m.Transition(context.Background(), "late", func(*State) error { return nil })
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}

	// proposals after stop are dropped silently
	m.Propose(types.StatusError, "late")
}

func TestGenerationBumpClearsOverlay(t *testing.T) {
	m, _ := startMachine(t)
	gen := startSession(t, m)

	m.SetOverlay(gen, types.KeypointSet{types.LandmarkNeck: {Y: 0.1, Confidence: 1}})
	flush(t, m)
	if m.Overlay().Keypoints == nil {
		t.Fatal("Expected overlay")
	}

	m.SetOverlay(gen, nil)
	flush(t, m)
	if m.Overlay().Keypoints != nil {
		t.Fatal("nil must clear the overlay")
	}

	m.SetOverlay(gen, types.KeypointSet{types.LandmarkNeck: {Y: 0.1, Confidence: 1}})
	startSession(t, m)
	if m.Overlay().Keypoints != nil {
		t.Error("A new session must start with an empty overlay")
	}
}

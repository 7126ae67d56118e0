package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-posture/internal/calibration"
	"github.com/e7canasta/orion-posture/internal/capture"
	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/keypoints"
	"github.com/e7canasta/orion-posture/internal/pipeline"
	"github.com/e7canasta/orion-posture/internal/posture"
	"github.com/e7canasta/orion-posture/internal/status"
	"github.com/e7canasta/orion-posture/internal/types"
)

const testYAML = `
instance_id: posture-test
camera:
  source: mock
  width: 32
  height: 24
  fps: 30
calibration:
  settle_delay_ms: 20
  capture_timeout_s: 1
`

// countingSource records how often the device was opened and closed
type countingSource struct {
	*capture.MockSource
	starts  atomic.Int32
	stops   atomic.Int32
	failErr error

	// silent sources open but never deliver a frame
	silent   bool
	silentCh chan types.Frame
}

func newCountingSource() *countingSource {
	return &countingSource{MockSource: capture.NewMockSource(32, 24, 30)}
}

func (c *countingSource) Start(ctx context.Context) (<-chan types.Frame, error) {
	c.starts.Add(1)
	if c.failErr != nil {
		return nil, c.failErr
	}
	if c.silent {
		c.silentCh = make(chan types.Frame)
		return c.silentCh, nil
	}
	return c.MockSource.Start(ctx)
}

func (c *countingSource) Stop() error {
	c.stops.Add(1)
	if c.silent {
		if c.silentCh != nil {
			close(c.silentCh)
			c.silentCh = nil
		}
		return nil
	}
	return c.MockSource.Stop()
}

// upright is a confident upper body with metric 0.1
func upright() types.KeypointSet {
	return types.KeypointSet{
		types.LandmarkNeck:          {X: 0.5, Y: 0.4, Confidence: 0.9},
		types.LandmarkLeftShoulder:  {X: 0.4, Y: 0.5, Confidence: 0.9},
		types.LandmarkRightShoulder: {X: 0.6, Y: 0.5, Confidence: 0.9},
	}
}

func fixedProvider(set types.KeypointSet) keypoints.Provider {
	return keypoints.ProviderFunc(func(context.Context, types.Frame, capture.Rotation) (types.KeypointSet, error) {
		return set.Clone(), nil
	})
}

type harness struct {
	sensor *Sensor
	source *countingSource
	store  *calibration.MemoryStore
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	provider  keypoints.Provider
	baselines map[types.Mode]float64
	failErr   error
	silent    bool
}

func withBaseline(mode types.Mode, v float64) harnessOption {
	return func(c *harnessConfig) { c.baselines[mode] = v }
}

func withProvider(p keypoints.Provider) harnessOption {
	return func(c *harnessConfig) { c.provider = p }
}

func withSetupFailure(err error) harnessOption {
	return func(c *harnessConfig) { c.failErr = err }
}

func withSilentSource() harnessOption {
	return func(c *harnessConfig) { c.silent = true }
}

// startSensor runs a sensor until the test ends
func startSensor(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	hc := &harnessConfig{
		provider:  fixedProvider(upright()),
		baselines: map[types.Mode]float64{},
	}
	for _, opt := range opts {
		opt(hc)
	}

	cfg, err := config.Parse([]byte(testYAML))
	require.NoError(t, err)

	store := calibration.NewMemoryStore()
	for mode, v := range hc.baselines {
		require.NoError(t, store.Save(context.Background(), mode, v))
	}

	src := newCountingSource()
	src.failErr = hc.failErr
	src.silent = hc.silent

	s, err := New(cfg, WithSource(src), WithProvider(hc.provider), WithStore(store))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case err := <-runErr:
		t.Fatalf("Run exited during startup: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for sensor startup")
	}

	t.Cleanup(func() {
		cancel()
		<-runErr
		require.NoError(t, s.Shutdown(context.Background()))
	})

	return &harness{sensor: s, source: src, store: store}
}

func (h *harness) snapshot() status.Snapshot {
	return h.sensor.States().Snapshot()
}

func (h *harness) eventuallyStatus(t *testing.T, want types.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.sensor.States().Status() == want
	}, 2*time.Second, 5*time.Millisecond, "status never became %s (now %s)", want, h.sensor.States().Status())
}

func TestStartup_DerivesIdleStatus(t *testing.T) {
	t.Run("no baseline", func(t *testing.T) {
		h := startSensor(t)
		snap := h.snapshot()
		assert.Equal(t, types.StatusNeedsCalibration, snap.Status)
		assert.False(t, snap.Monitoring)
	})

	t.Run("baseline stored", func(t *testing.T) {
		h := startSensor(t, withBaseline(types.ModeCamera, 0.1))
		assert.Equal(t, types.StatusPaused, h.snapshot().Status)

		v, ok := h.sensor.managers[types.ModeCamera].Baseline()
		assert.True(t, ok)
		assert.Equal(t, 0.1, v)
	})
}

func TestStart_RefusedWithoutCalibration(t *testing.T) {
	h := startSensor(t)
	ctx := context.Background()

	err := h.sensor.Start(ctx)
	assert.ErrorIs(t, err, ErrNeedsCalibration)

	snap := h.snapshot()
	assert.False(t, snap.Monitoring, "monitoring must stay false")
	assert.Equal(t, types.StatusNeedsCalibration, snap.Status)
	assert.Equal(t, int32(0), h.source.starts.Load(), "frame pipeline must not start")
	assert.False(t, h.sensor.pipeline.Running())
	t.Logf("✅ start refused: %v", err)
}

func TestStopThenStart(t *testing.T) {
	h := startSensor(t, withBaseline(types.ModeCamera, 0.1))
	ctx := context.Background()

	require.NoError(t, h.sensor.Start(ctx))
	snap := h.snapshot()
	assert.True(t, snap.Monitoring)
	assert.Equal(t, types.StatusMonitoringGood, snap.Status)
	assert.True(t, h.sensor.pipeline.Running())

	assert.ErrorIs(t, h.sensor.Start(ctx), ErrAlreadyMonitoring)

	require.NoError(t, h.sensor.Stop(ctx))
	snap = h.snapshot()
	assert.False(t, snap.Monitoring)
	assert.Equal(t, types.StatusPaused, snap.Status)
	assert.False(t, h.sensor.pipeline.Running())
	assert.Equal(t, int32(1), h.source.stops.Load())

	require.NoError(t, h.sensor.Start(ctx))
	snap = h.snapshot()
	assert.True(t, snap.Monitoring)
	assert.Equal(t, types.StatusMonitoringGood, snap.Status)
	assert.Equal(t, int32(2), h.source.starts.Load())
	t.Logf("✅ restarted session generation %d", snap.Generation)
}

func TestStop_WhenStoppedIsNoOp(t *testing.T) {
	h := startSensor(t, withBaseline(types.ModeCamera, 0.1))
	ctx := context.Background()

	ch := make(chan status.Change, 8)
	require.NoError(t, h.sensor.States().Changes().Subscribe("test", ch))

	before := h.snapshot()
	require.NoError(t, h.sensor.Stop(ctx))
	require.NoError(t, h.sensor.Stop(ctx))
	after := h.snapshot()

	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Generation, after.Generation)
	assert.Equal(t, int32(0), h.source.stops.Load(), "no teardown")

	select {
	case c := <-ch:
		t.Fatalf("unexpected status change: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStart_SetupFailure(t *testing.T) {
	h := startSensor(t,
		withBaseline(types.ModeCamera, 0.1),
		withSetupFailure(errors.New("no such device")),
	)
	ctx := context.Background()

	err := h.sensor.Start(ctx)
	require.ErrorIs(t, err, pipeline.ErrSetup)

	h.eventuallyStatus(t, types.StatusError)
	assert.True(t, h.snapshot().Monitoring, "monitoring stays true until stop")
	assert.Equal(t, int32(1), h.source.starts.Load(), "no retry")

	require.NoError(t, h.sensor.Stop(ctx))
	snap := h.snapshot()
	assert.False(t, snap.Monitoring)
	assert.Equal(t, types.StatusPaused, snap.Status)
}

func TestMonitoring_ClassifiesPosture(t *testing.T) {
	// baseline 0.05 against metric 0.1 is a 100% deviation
	h := startSensor(t, withBaseline(types.ModeCamera, 0.05))

	require.NoError(t, h.sensor.Start(context.Background()))
	h.eventuallyStatus(t, types.StatusMonitoringPoor)

	require.Eventually(t, func() bool {
		return len(h.sensor.States().Overlay().Keypoints) == 3
	}, time.Second, 5*time.Millisecond, "overlay shows the detected body")
}

func TestCalibration_Success(t *testing.T) {
	h := startSensor(t)
	ctx := context.Background()

	baseline, err := h.sensor.RequestCalibration(ctx)
	require.NoError(t, err)

	want, ok := posture.NewAnalyzer().Metric(upright())
	require.True(t, ok)
	assert.Equal(t, want, baseline)

	stored, ok, err := h.store.Load(ctx, types.ModeCamera)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, stored, "persisted baseline equals the computed metric")

	snap := h.snapshot()
	assert.Equal(t, types.StatusPaused, snap.Status)
	assert.False(t, snap.Monitoring)
	assert.False(t, h.sensor.pipeline.Running(), "preview session stopped")
	assert.Equal(t, int32(1), h.source.starts.Load())
	assert.Equal(t, int32(1), h.source.stops.Load())
	assert.Equal(t, uint64(1), h.sensor.metrics.CalibrationsOK.Load())

	// now monitoring is allowed
	require.NoError(t, h.sensor.Start(ctx))
	assert.Equal(t, types.StatusMonitoringGood, h.snapshot().Status)
	t.Logf("✅ calibrated baseline %.4f", baseline)
}

func TestCalibration_Failure(t *testing.T) {
	noNeck := upright()
	delete(noNeck, types.LandmarkNeck)

	h := startSensor(t,
		withBaseline(types.ModeCamera, 0.1),
		withProvider(fixedProvider(noNeck)),
	)
	ctx := context.Background()
	savesBefore := h.store.Saves()

	_, err := h.sensor.RequestCalibration(ctx)
	require.ErrorIs(t, err, calibration.ErrCaptureFailed)

	assert.Equal(t, types.StatusNeedsCalibration, h.snapshot().Status)
	assert.Equal(t, savesBefore, h.store.Saves(), "nothing persisted")
	assert.False(t, h.sensor.pipeline.Running())
	assert.Equal(t, uint64(1), h.sensor.metrics.CalibrationsFailed.Load())

	// no retry loop: a second request runs a second attempt
	_, err = h.sensor.RequestCalibration(ctx)
	require.ErrorIs(t, err, calibration.ErrCaptureFailed)
	assert.Equal(t, int32(2), h.source.starts.Load())
}

func TestCalibration_ProviderError(t *testing.T) {
	failing := keypoints.ProviderFunc(func(context.Context, types.Frame, capture.Rotation) (types.KeypointSet, error) {
		return nil, errors.New("model crashed")
	})
	h := startSensor(t, withProvider(failing))

	_, err := h.sensor.RequestCalibration(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model crashed")
	assert.Equal(t, types.StatusNeedsCalibration, h.snapshot().Status)
}

func TestCalibration_NoFrame(t *testing.T) {
	h := startSensor(t, withSilentSource())

	start := time.Now()
	_, err := h.sensor.RequestCalibration(context.Background())
	require.ErrorIs(t, err, ErrNoFrame)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, types.StatusNeedsCalibration, h.snapshot().Status)
	assert.False(t, h.sensor.pipeline.Running())
}

func TestCalibration_OutcomeLandsAfterCallerCancels(t *testing.T) {
	h := startSensor(t, withBaseline(types.ModeCamera, 0.1))
	savesBefore := h.store.Saves()
	genBefore := h.snapshot().Generation

	changes := make(chan status.Change, 16)
	require.NoError(t, h.sensor.States().Changes().Subscribe("cancel-on-calibrating", changes))
	defer h.sensor.States().Changes().Unsubscribe("cancel-on-calibrating")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for c := range changes {
			if c.Status == types.StatusCalibrating {
				// settle delay still running
				cancel()
				return
			}
		}
	}()

	_, err := h.sensor.RequestCalibration(ctx)
	require.Error(t, err)

	snap := h.snapshot()
	assert.Equal(t, types.StatusNeedsCalibration, snap.Status)
	assert.Equal(t, genBefore+2, snap.Generation)
	assert.Equal(t, savesBefore, h.store.Saves(), "nothing persisted")
	assert.False(t, h.sensor.calibrating.Load())
	assert.False(t, h.sensor.pipeline.Running(), "preview session released")

	v, ok := h.sensor.managers[types.ModeCamera].Baseline()
	assert.True(t, ok)
	assert.Equal(t, 0.1, v, "stored baseline kept")
	t.Logf("✅ calibration left calibrating after cancel: %v", err)
}

func TestCalibration_ConcurrentRejected(t *testing.T) {
	release := make(chan struct{})
	blocking := keypoints.ProviderFunc(func(ctx context.Context, _ types.Frame, _ capture.Rotation) (types.KeypointSet, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return upright(), nil
	})
	h := startSensor(t, withProvider(blocking))
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := h.sensor.RequestCalibration(ctx)
		first <- err
	}()
	h.eventuallyStatus(t, types.StatusCalibrating)

	_, err := h.sensor.RequestCalibration(ctx)
	assert.ErrorIs(t, err, ErrCalibrationInProgress)
	assert.ErrorIs(t, h.sensor.Start(ctx), ErrCalibrationInProgress)
	assert.ErrorIs(t, h.sensor.SetMode(ctx, types.ModePocket), ErrCalibrationInProgress)
	assert.False(t, h.snapshot().Monitoring, "never monitoring while calibrating")

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, types.StatusPaused, h.snapshot().Status)
}

func TestCalibration_RejectedWhileMonitoring(t *testing.T) {
	h := startSensor(t, withBaseline(types.ModeCamera, 0.1))
	ctx := context.Background()

	require.NoError(t, h.sensor.Start(ctx))
	_, err := h.sensor.RequestCalibration(ctx)
	assert.ErrorIs(t, err, ErrMonitoringActive)
	assert.True(t, h.snapshot().Monitoring)
}

func TestSetMode(t *testing.T) {
	h := startSensor(t, withBaseline(types.ModeCamera, 0.1))
	ctx := context.Background()

	require.NoError(t, h.sensor.SetMode(ctx, types.ModePocket))
	assert.Equal(t, types.ModePocket, h.sensor.Mode())
	assert.Equal(t, types.StatusNeedsCalibration, h.snapshot().Status, "pocket has no baseline")

	require.NoError(t, h.sensor.SetMode(ctx, types.ModeCamera))
	assert.Equal(t, types.StatusPaused, h.snapshot().Status)

	assert.Error(t, h.sensor.SetMode(ctx, types.Mode("wrist")))

	require.NoError(t, h.sensor.Start(ctx))
	assert.ErrorIs(t, h.sensor.SetMode(ctx, types.ModePocket), ErrMonitoringActive)
	assert.Equal(t, types.ModeCamera, h.sensor.Mode())
}

func TestPocketMode(t *testing.T) {
	t.Run("calibration has no signal", func(t *testing.T) {
		h := startSensor(t)
		ctx := context.Background()
		require.NoError(t, h.sensor.SetMode(ctx, types.ModePocket))

		_, err := h.sensor.RequestCalibration(ctx)
		assert.ErrorIs(t, err, ErrNoSignal)
		h.eventuallyStatus(t, types.StatusPocketNoSignal)
		assert.Equal(t, int32(0), h.source.starts.Load())
	})

	t.Run("monitoring without capture", func(t *testing.T) {
		h := startSensor(t, withBaseline(types.ModePocket, 0.2))
		ctx := context.Background()
		require.NoError(t, h.sensor.SetMode(ctx, types.ModePocket))
		assert.Equal(t, types.StatusPaused, h.snapshot().Status)

		require.NoError(t, h.sensor.Start(ctx))
		snap := h.snapshot()
		assert.True(t, snap.Monitoring)
		assert.Equal(t, types.StatusPocketNoSignal, snap.Status)
		assert.Equal(t, int32(0), h.source.starts.Load())

		require.NoError(t, h.sensor.Stop(ctx))
		assert.Equal(t, types.StatusPaused, h.snapshot().Status)
	})
}

func TestSetOrientation(t *testing.T) {
	var rotation atomic.Int32
	recording := keypoints.ProviderFunc(func(_ context.Context, _ types.Frame, r capture.Rotation) (types.KeypointSet, error) {
		rotation.Store(int32(r))
		return upright(), nil
	})
	h := startSensor(t, withBaseline(types.ModeCamera, 0.1), withProvider(recording))

	require.NoError(t, h.sensor.SetOrientation("landscape-right"))
	assert.Equal(t, capture.OrientationLandscapeRight, h.sensor.Orientation())
	assert.Error(t, h.sensor.SetOrientation("sideways"))

	require.NoError(t, h.sensor.Start(context.Background()))
	require.Eventually(t, func() bool {
		return rotation.Load() == int32(capture.Rotate270)
	}, time.Second, 5*time.Millisecond)
}

func TestCommands_BeforeRun(t *testing.T) {
	cfg, err := config.Parse([]byte(testYAML))
	require.NoError(t, err)

	s, err := New(cfg,
		WithSource(newCountingSource()),
		WithProvider(fixedProvider(upright())),
		WithStore(calibration.NewMemoryStore()),
	)
	require.NoError(t, err)

	ctx := context.Background()
	assert.ErrorIs(t, s.Start(ctx), ErrNotRunning)
	assert.ErrorIs(t, s.Stop(ctx), ErrNotRunning)
	_, err = s.RequestCalibration(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.NoError(t, s.Shutdown(ctx), "shutdown before run is a no-op")
}

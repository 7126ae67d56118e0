package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-posture/internal/calibration"
	"github.com/e7canasta/orion-posture/internal/capture"
	"github.com/e7canasta/orion-posture/internal/status"
	"github.com/e7canasta/orion-posture/internal/types"
)

var (
	// ErrNeedsCalibration is returned by Start when the active mode has no baseline
	ErrNeedsCalibration = errors.New("core: calibration required before monitoring")
	// ErrAlreadyMonitoring is returned by Start during an active session
	ErrAlreadyMonitoring = errors.New("core: already monitoring")
	// ErrCalibrationInProgress rejects commands while a calibration runs
	ErrCalibrationInProgress = errors.New("core: calibration already in progress")
	// ErrMonitoringActive rejects commands that require monitoring to be stopped
	ErrMonitoringActive = errors.New("core: monitoring active, stop first")
	// ErrNoSignal is returned when calibrating a mode without a signal source
	ErrNoSignal = errors.New("core: no signal source for mode")
	// ErrNoFrame is returned when no frame was processed within the capture timeout
	ErrNoFrame = errors.New("core: no frame received for calibration")
)

// Start begins a monitoring session for the active mode
func (s *Sensor) Start(ctx context.Context) error {
	runCtx, err := s.runContext()
	if err != nil {
		return err
	}

	mode := s.Mode()
	mgr := s.managers[mode]

	var gen uint64
	err = s.states.Transition(ctx, "start", func(st *status.State) error {
		switch {
		case st.Monitoring:
			return ErrAlreadyMonitoring
		case s.calibrating.Load() || st.Status == types.StatusCalibrating:
			return ErrCalibrationInProgress
		case st.Status == types.StatusNeedsCalibration:
			return ErrNeedsCalibration
		}
		if _, ok := mgr.Baseline(); !ok {
			return ErrNeedsCalibration
		}

		st.Monitoring = true
		st.Generation++
		gen = st.Generation
		if mode == types.ModePocket {
			st.Status = types.StatusPocketNoSignal
		} else {
			st.Status = types.StatusMonitoringGood
		}
		return nil
	})
	if errors.Is(err, ErrNeedsCalibration) {
		s.states.Propose(types.StatusNeedsCalibration, "start refused: no baseline")
	}
	if err != nil {
		slog.Info("start refused", "mode", mode, "reason", err)
		return err
	}

	if mode == types.ModePocket {
		slog.Warn("pocket mode has no signal source, monitoring without capture", "generation", gen)
		return nil
	}

	return s.onCaptureLane(ctx, func() error {
		// a stop may have overtaken this job
		if s.states.Generation() != gen {
			slog.Debug("start superseded before capture setup", "generation", gen)
			return nil
		}

		if err := s.pipeline.Start(runCtx, gen, mgr); err != nil {
			s.states.ProposeFor(gen, types.StatusError, err.Error())
			return err
		}
		return nil
	})
}

// Stop ends the monitoring session. Stopping while not monitoring changes
// nothing and tears nothing down.
func (s *Sensor) Stop(ctx context.Context) error {
	if _, err := s.runContext(); err != nil {
		return err
	}

	var stopped bool
	err := s.states.Transition(ctx, "stop", func(st *status.State) error {
		if !st.Monitoring {
			return nil
		}
		// the machine drives status to paused
		st.Monitoring = false
		st.Generation++
		stopped = true
		return nil
	})
	if err != nil {
		return err
	}

	if !stopped {
		slog.Debug("stop ignored, not monitoring")
		return nil
	}

	return s.onCaptureLane(ctx, func() error {
		s.pipeline.Stop()
		return nil
	})
}

// RequestCalibration runs the calibration protocol for the active mode and
// returns the captured baseline. Only one calibration runs at a time.
func (s *Sensor) RequestCalibration(ctx context.Context) (float64, error) {
	runCtx, err := s.runContext()
	if err != nil {
		return 0, err
	}

	if !s.calibrating.CompareAndSwap(false, true) {
		return 0, ErrCalibrationInProgress
	}
	defer s.calibrating.Store(false)

	mode := s.Mode()
	mgr := s.managers[mode]

	if mode == types.ModePocket {
		if s.states.Monitoring() {
			return 0, ErrMonitoringActive
		}
		mgr.Fail(ctx, ErrNoSignal)
		s.metrics.CalibrationsFailed.Add(1)
		s.states.Propose(types.StatusPocketNoSignal, "calibration: no pocket signal")
		return 0, fmt.Errorf("%w: %s", ErrNoSignal, mode)
	}

	var gen uint64
	err = s.states.Transition(ctx, "calibration requested", func(st *status.State) error {
		if st.Monitoring {
			return ErrMonitoringActive
		}
		st.Status = types.StatusCalibrating
		st.Generation++
		gen = st.Generation
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Info("calibration started", "mode", mode, "generation", gen)

	baseline, err := s.calibrate(ctx, runCtx, mgr, gen)

	final, reason := types.StatusPaused, "calibration succeeded"
	if err != nil {
		final, reason = types.StatusNeedsCalibration, "calibration failed: "+err.Error()
		s.metrics.CalibrationsFailed.Add(1)
		slog.Warn("calibration failed", "mode", mode, "error", err)
	} else {
		s.metrics.CalibrationsOK.Add(1)
		slog.Info("calibration succeeded", "mode", mode, "baseline", baseline)
	}

	// the outcome must land even when the caller gave up
	terr := s.states.Transition(context.WithoutCancel(ctx), reason, func(st *status.State) error {
		st.Status = final
		st.Generation++
		return nil
	})
	if terr != nil {
		slog.Error("failed to leave calibrating status", "error", terr)
	}

	return baseline, err
}

// calibrate waits out the settle delay, takes exactly one observation and
// hands it to the mode's manager. A preview session is run when no capture
// session is active.
func (s *Sensor) calibrate(ctx, runCtx context.Context, mgr *calibration.Manager, gen uint64) (float64, error) {
	if !s.pipeline.Running() {
		err := s.onCaptureLane(ctx, func() error {
			return s.pipeline.Start(runCtx, gen, mgr)
		})
		if err != nil {
			mgr.Fail(ctx, err)
			return 0, err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.onCaptureLane(stopCtx, func() error {
				s.pipeline.Stop()
				return nil
			}); err != nil {
				slog.Warn("failed to stop calibration preview", "error", err)
			}
		}()
	}

	select {
	case <-time.After(s.cfg.SettleDelay()):
	case <-ctx.Done():
		mgr.Fail(ctx, ctx.Err())
		return 0, ctx.Err()
	}

	rx, err := s.observations.SubscribeOnce("calibration-" + uuid.NewString())
	if err != nil {
		mgr.Fail(ctx, err)
		return 0, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.CaptureTimeout())
	defer cancel()

	obs, ok := rx.Receive(waitCtx)
	if !ok {
		err := fmt.Errorf("%w within %s", ErrNoFrame, s.cfg.CaptureTimeout())
		mgr.Fail(ctx, err)
		return 0, err
	}

	if obs.Err != nil {
		err := fmt.Errorf("keypoint extraction failed: %w", obs.Err)
		mgr.Fail(ctx, err)
		return 0, err
	}

	slog.Debug("calibration frame received", "seq", obs.Seq, "trace_id", obs.TraceID)
	return mgr.Capture(ctx, obs.Keypoints)
}

// SetMode switches the active mode. Only allowed while idle.
func (s *Sensor) SetMode(ctx context.Context, mode types.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("core: unknown mode %q", mode)
	}
	if _, err := s.runContext(); err != nil {
		return err
	}

	err := s.states.Transition(ctx, "mode "+string(mode), func(st *status.State) error {
		if st.Monitoring {
			return ErrMonitoringActive
		}
		if s.calibrating.Load() || st.Status == types.StatusCalibrating {
			return ErrCalibrationInProgress
		}
		s.setMode(mode)
		st.Status = s.idleStatus(mode)
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("mode changed", "mode", mode)
	return nil
}

// SetOrientation updates the device orientation used for the rotation
// correction of subsequent frames
func (s *Sensor) SetOrientation(name string) error {
	o, err := capture.ParseDeviceOrientation(name)
	if err != nil {
		return err
	}
	s.orientation.Set(o)

	slog.Info("orientation changed",
		"orientation", o,
		"rotation", s.orientation.Correction(),
	)
	return nil
}

// Orientation returns the current device orientation
func (s *Sensor) Orientation() capture.DeviceOrientation {
	return s.orientation.Current()
}

// Baselines returns the loaded baseline of every mode
func (s *Sensor) Baselines() map[types.Mode]*float64 {
	out := make(map[types.Mode]*float64, len(s.managers))
	for mode, mgr := range s.managers {
		if v, ok := mgr.Baseline(); ok {
			value := v
			out[mode] = &value
		} else {
			out[mode] = nil
		}
	}
	return out
}

// GetStatus returns the current service status
func (s *Sensor) GetStatus() map[string]interface{} {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	snap := s.states.Snapshot()
	obs := s.observations.Stats()

	st := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"uptime_s":    time.Since(started).Seconds(),
		"running":     running,
		"status":      snap.Status,
		"label":       snap.Label,
		"monitoring":  snap.Monitoring,
		"generation":  snap.Generation,
		"calibrating": s.calibrating.Load(),
		"mode":        s.Mode(),
		"orientation": s.Orientation().String(),
		"rotation":    int(s.orientation.Correction()),
		"baselines":   s.Baselines(),
		"pipeline":    s.pipeline.Stats(),
		"transitions": s.states.Counters(),
	}
	st["observations"] = map[string]interface{}{
		"published": obs.TotalPublished,
		"drop_rate": obs.DropRate(),
	}

	if s.emitter != nil {
		st["mqtt"] = s.emitter.Stats()
	}

	return st
}

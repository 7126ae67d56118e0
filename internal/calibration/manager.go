package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-posture/internal/posture"
	"github.com/e7canasta/orion-posture/internal/types"
)

// Manager owns the baseline of one mode
type Manager struct {
	mode     types.Mode
	store    Store
	analyzer posture.Analyzer

	// captureMu serializes Capture; reads go through baseline only
	captureMu sync.Mutex
	baseline  atomic.Pointer[float64]

	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// NewManager creates a manager with no baseline loaded
func NewManager(mode types.Mode, store Store, analyzer posture.Analyzer) *Manager {
	return &Manager{
		mode:     mode,
		store:    store,
		analyzer: analyzer,
	}
}

// Mode returns the mode this manager owns
func (m *Manager) Mode() types.Mode {
	return m.mode
}

// Load reads the persisted baseline, if any
func (m *Manager) Load(ctx context.Context) error {
	value, ok, err := m.store.Load(ctx, m.mode)
	if err != nil {
		return err
	}

	if !ok {
		m.baseline.Store(nil)
		slog.Info("calibration: no baseline stored", "mode", m.mode)
		return nil
	}

	m.baseline.Store(&value)
	slog.Info("calibration: baseline loaded", "mode", m.mode, "baseline", value)
	return nil
}

// Baseline returns the current baseline and whether one is present.
// Safe to call from any goroutine.
func (m *Manager) Baseline() (float64, bool) {
	if v := m.baseline.Load(); v != nil {
		return *v, true
	}
	return 0, false
}

// Capture computes the posture metric from set and persists it as the new
// baseline. When a required landmark is missing it returns ErrCaptureFailed
// and nothing is persisted; a store failure also leaves the previous
// baseline in place.
func (m *Manager) Capture(ctx context.Context, set types.KeypointSet) (float64, error) {
	m.captureMu.Lock()
	defer m.captureMu.Unlock()

	metric, ok := m.analyzer.Metric(set)
	if !ok {
		m.failed.Add(1)
		m.record(ctx, Attempt{Mode: m.mode, Reason: ErrCaptureFailed.Error()})
		return 0, ErrCaptureFailed
	}

	if err := m.store.Save(ctx, m.mode, metric); err != nil {
		m.failed.Add(1)
		m.record(ctx, Attempt{Mode: m.mode, Reason: err.Error()})
		return 0, fmt.Errorf("calibration: persist baseline: %w", err)
	}

	m.baseline.Store(&metric)
	m.succeeded.Add(1)
	m.record(ctx, Attempt{Mode: m.mode, Value: metric, Success: true})

	slog.Info("calibration: baseline captured", "mode", m.mode, "baseline", metric)
	return metric, nil
}

// Fail records a calibration attempt that never reached Capture
// (no frame, timeout, provider error).
func (m *Manager) Fail(ctx context.Context, reason error) {
	m.failed.Add(1)
	m.record(ctx, Attempt{Mode: m.mode, Reason: reason.Error()})
}

// Counts returns successful and failed attempts since start
func (m *Manager) Counts() (succeeded, failed uint64) {
	return m.succeeded.Load(), m.failed.Load()
}

func (m *Manager) record(ctx context.Context, a Attempt) {
	rec, ok := m.store.(HistoryRecorder)
	if !ok {
		return
	}
	a.RecordedAt = time.Now()
	if err := rec.RecordAttempt(ctx, a); err != nil {
		slog.Warn("calibration: failed to record attempt", "mode", m.mode, "error", err)
	}
}

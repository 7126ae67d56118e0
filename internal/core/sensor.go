package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-posture/internal/bus"
	"github.com/e7canasta/orion-posture/internal/calibration"
	"github.com/e7canasta/orion-posture/internal/capture"
	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/control"
	"github.com/e7canasta/orion-posture/internal/emitter"
	"github.com/e7canasta/orion-posture/internal/keypoints"
	"github.com/e7canasta/orion-posture/internal/metrics"
	"github.com/e7canasta/orion-posture/internal/pipeline"
	"github.com/e7canasta/orion-posture/internal/posture"
	"github.com/e7canasta/orion-posture/internal/status"
	"github.com/e7canasta/orion-posture/internal/types"
)

// ErrNotRunning is returned by commands issued before Run or after Shutdown
var ErrNotRunning = errors.New("core: sensor not running")

const (
	// captureJobBuffer is the capture lane queue
	captureJobBuffer = 4
	// healthInterval is the MQTT health publish period
	healthInterval = 30 * time.Second
)

// lifecycle is implemented by providers that own a process
type lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
}

// Sensor is the posture sensor orchestrator
type Sensor struct {
	cfg *config.Config

	// Core components
	states       *status.Machine
	pipeline     *pipeline.Pipeline
	observations *bus.Bus[types.Observation]
	orientation  *capture.OrientationHolder
	analyzer     posture.Analyzer
	source       capture.Source
	provider     keypoints.Provider
	store        calibration.Store
	managers     map[types.Mode]*calibration.Manager
	metrics      *metrics.Metrics

	// MQTT (nil when no broker is configured)
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler

	server *http.Server

	modeMu sync.RWMutex
	mode   types.Mode

	// capture-configuration lane
	jobs chan func()

	calibrating atomic.Bool

	// Lifecycle management
	ready     chan struct{}
	closing   chan struct{} // closed when shutdown begins, ends event streams
	closeOnce sync.Once
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	runCtx    context.Context
	cancelCtx context.CancelFunc
}

// Option customizes a Sensor
type Option func(*Sensor) error

// WithSource replaces the configured capture source
func WithSource(src capture.Source) Option {
	return func(s *Sensor) error {
		if src == nil {
			return fmt.Errorf("source is nil")
		}
		s.source = src
		return nil
	}
}

// WithProvider replaces the configured keypoint provider
func WithProvider(p keypoints.Provider) Option {
	return func(s *Sensor) error {
		if p == nil {
			return fmt.Errorf("provider is nil")
		}
		s.provider = p
		return nil
	}
}

// WithStore replaces the sqlite calibration store
func WithStore(st calibration.Store) Option {
	return func(s *Sensor) error {
		if st == nil {
			return fmt.Errorf("store is nil")
		}
		s.store = st
		return nil
	}
}

// New creates a sensor from configuration
func New(cfg *config.Config, opts ...Option) (*Sensor, error) {
	s := &Sensor{
		cfg:          cfg,
		mode:         types.Mode(cfg.Mode),
		observations: bus.New[types.Observation](),
		managers:     make(map[types.Mode]*calibration.Manager),
		jobs:         make(chan func(), captureJobBuffer),
		ready:        make(chan struct{}),
		closing:      make(chan struct{}),
		analyzer: posture.Analyzer{
			ConfidenceThreshold:   cfg.Analyzer.ConfidenceThreshold,
			DeviationThresholdPct: cfg.Analyzer.DeviationThresholdPct,
		},
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	orientation, err := capture.ParseDeviceOrientation(cfg.Camera.Orientation)
	if err != nil {
		return nil, fmt.Errorf("invalid orientation: %w", err)
	}
	s.orientation = capture.NewOrientationHolder(orientation)

	if err := s.initializeSource(); err != nil {
		return nil, fmt.Errorf("failed to initialize capture source: %w", err)
	}
	if err := s.initializeProvider(); err != nil {
		return nil, fmt.Errorf("failed to initialize keypoint provider: %w", err)
	}
	if s.store == nil {
		store, err := calibration.OpenSQLite(context.Background(), cfg.Calibration.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open calibration store: %w", err)
		}
		s.store = store
	}

	for _, mode := range types.Modes {
		s.managers[mode] = calibration.NewManager(mode, s.store, s.analyzer)
	}

	s.states = status.New(nil)

	s.pipeline, err = pipeline.New(pipeline.Config{
		Source:       s.source,
		Provider:     s.provider,
		Orientation:  s.orientation,
		Analyzer:     s.analyzer,
		States:       s.states,
		Observations: s.observations,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	s.metrics = metrics.New(s.pipeline, s.states)

	if cfg.MQTTEnabled() {
		s.emitter = emitter.NewMQTTEmitter(cfg)
	}

	slog.Info("sensor configured",
		"instance_id", cfg.InstanceID,
		"mode", s.mode,
		"source", cfg.Camera.Source,
		"orientation", orientation,
		"mqtt_enabled", cfg.MQTTEnabled(),
	)

	return s, nil
}

// initializeSource creates the capture source unless one was injected
func (s *Sensor) initializeSource() error {
	if s.source != nil {
		return nil
	}

	src, err := capture.New(capture.Config{
		Kind:   capture.Kind(s.cfg.Camera.Source),
		Device: s.cfg.Camera.Device,
		Width:  s.cfg.Camera.Width,
		Height: s.cfg.Camera.Height,
		FPS:    s.cfg.Camera.FPS,
	})
	if err != nil {
		return err
	}
	s.source = src
	return nil
}

// initializeProvider creates the pose model runner unless one was injected.
// Without a configured command the simulated provider is used.
func (s *Sensor) initializeProvider() error {
	if s.provider != nil {
		return nil
	}

	if s.cfg.Keypoints.Command == "" {
		slog.Warn("no keypoints command configured, using simulated provider")
		s.provider = keypoints.Simulated{Metric: 0.12, Drift: 0.35, Period: 150}
		return nil
	}

	p, err := keypoints.NewPythonProvider(keypoints.PythonConfig{
		Command:   s.cfg.Keypoints.Command,
		Args:      s.cfg.Keypoints.Args,
		InputSize: s.cfg.Keypoints.InputSize,
	})
	if err != nil {
		return err
	}
	s.provider = p

	slog.Info("python keypoint provider configured",
		"command", s.cfg.Keypoints.Command,
		"input_size", s.cfg.Keypoints.InputSize,
	)
	return nil
}

// Run starts the sensor and blocks until ctx is cancelled
func (s *Sensor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("sensor is already running")
	}
	s.isRunning = true
	s.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = ctx
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("posture sensor starting", "instance_id", s.cfg.InstanceID)

	// UI lane
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.states.Run(ctx)
	}()

	// Capture-configuration lane
	s.wg.Add(1)
	go s.runCaptureLane(ctx)

	if p, ok := s.provider.(lifecycle); ok {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("failed to start keypoint provider: %w", err)
		}
	}

	if err := s.initialize(ctx); err != nil {
		return err
	}

	if s.emitter != nil {
		if err := s.startMQTT(ctx); err != nil {
			return err
		}
	}

	close(s.ready)

	slog.Info("posture sensor running",
		"status", s.states.Status(),
		"mode", s.Mode(),
	)

	<-ctx.Done()

	slog.Info("posture sensor run loop exiting")
	return nil
}

// initialize loads the baselines of every mode and derives the idle status
func (s *Sensor) initialize(ctx context.Context) error {
	for mode, mgr := range s.managers {
		if err := mgr.Load(ctx); err != nil {
			return fmt.Errorf("failed to load baseline for %s: %w", mode, err)
		}
	}

	mode := s.Mode()
	return s.states.Transition(ctx, "startup", func(st *status.State) error {
		st.Status = s.idleStatus(mode)
		return nil
	})
}

// startMQTT connects the emitter and the control plane
func (s *Sensor) startMQTT(ctx context.Context) error {
	if err := s.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	s.controlHandler = control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
		OnGetStatus: s.GetStatus,
		OnStart:     s.Start,
		OnStop:      s.Stop,
		OnCalibrate: s.RequestCalibration,
		OnSetMode: func(ctx context.Context, mode string) error {
			return s.SetMode(ctx, types.Mode(mode))
		},
		OnSetOrientation: s.SetOrientation,
		OnShutdown:       s.shutdownViaControl,
		OnResult:         s.countCommand,
	})
	if err := s.controlHandler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.emitter.Run(ctx, s.states.Changes()); err != nil {
			slog.Error("status emitter stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publishHealth(ctx, healthInterval)
	}()

	return nil
}

// runCaptureLane executes capture start/stop jobs one at a time
func (s *Sensor) runCaptureLane(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			job()
		}
	}
}

// onCaptureLane runs fn on the capture lane and waits for its result
func (s *Sensor) onCaptureLane(ctx context.Context, fn func() error) error {
	runCtx, err := s.runContext()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	select {
	case s.jobs <- func() { done <- fn() }:
	case <-runCtx.Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	// a queued job always runs, so its result is awaited even if ctx ends
	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		return ErrNotRunning
	}
}

// runContext returns the Run context while the sensor runs
func (s *Sensor) runContext() (context.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning || s.runCtx == nil {
		return nil, ErrNotRunning
	}
	return s.runCtx, nil
}

// Ready is closed once startup completed
func (s *Sensor) Ready() <-chan struct{} {
	return s.ready
}

// Shutdown performs graceful shutdown of all components
func (s *Sensor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelCtx
	s.mu.Unlock()

	slog.Info("shutting down posture sensor")
	s.closeOnce.Do(func() { close(s.closing) })

	// Shutdown sequence (order is important!):
	// 1. Stop control plane, no more commands
	if s.controlHandler != nil {
		if err := s.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Stop lanes
	cancel()
	s.wg.Wait()

	// 3. Release the capture device; the capture lane is gone
	if s.pipeline.Stop() {
		slog.Info("capture session stopped")
	}

	// 4. Stop the model process
	if p, ok := s.provider.(lifecycle); ok {
		if err := p.Stop(); err != nil {
			slog.Error("failed to stop keypoint provider", "error", err)
		}
	}

	// 5. Disconnect MQTT
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	// 6. Health server
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	if c, ok := s.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Error("failed to close calibration store", "error", err)
		}
	}
	s.observations.Close()

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("posture sensor shutdown complete", "uptime", uptime)

	return nil
}

// shutdownViaControl initiates graceful shutdown via MQTT control command
func (s *Sensor) shutdownViaControl() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning || s.cancelCtx == nil {
		return ErrNotRunning
	}

	slog.Info("shutdown requested via control plane")
	go s.cancelCtx()
	return nil
}

func (s *Sensor) countCommand(resp control.Response) {
	s.metrics.CommandsReceived.Add(1)
	if resp.Status == "error" {
		s.metrics.CommandsRejected.Add(1)
	}
}

// publishHealth periodically publishes the health payload over MQTT
func (s *Sensor) publishHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := healthPayload(s.HealthCheck())
			if err != nil {
				slog.Error("failed to marshal health", "error", err)
				continue
			}
			if err := s.emitter.PublishHealth(payload); err != nil {
				slog.Warn("health publish failed", "error", err)
			}
		}
	}
}

// Mode returns the active mode
func (s *Sensor) Mode() types.Mode {
	s.modeMu.RLock()
	defer s.modeMu.RUnlock()
	return s.mode
}

func (s *Sensor) setMode(mode types.Mode) {
	s.modeMu.Lock()
	s.mode = mode
	s.modeMu.Unlock()
}

// idleStatus is the status shown while not monitoring
func (s *Sensor) idleStatus(mode types.Mode) types.Status {
	if _, ok := s.managers[mode].Baseline(); !ok {
		return types.StatusNeedsCalibration
	}
	return types.StatusPaused
}

// States exposes the status machine for presentation layers
func (s *Sensor) States() *status.Machine {
	return s.states
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Sensor) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}

// PipelineStats returns the capture pipeline counters
func (s *Sensor) PipelineStats() pipeline.Stats {
	return s.pipeline.Stats()
}

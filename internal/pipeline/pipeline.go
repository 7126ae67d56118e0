// Package pipeline runs capture sessions: frames flow from the capture
// source through a latest-frame mailbox into the processing lane, which
// applies the orientation correction, calls the keypoint provider and, while
// monitoring, classifies posture.
//
//	source ──► forwarder ──► framesupplier ──► processing lane
//	                          (drops late)       │
//	                                             ├─► overlay      (status machine)
//	                                             ├─► observation  (bus)
//	                                             └─► analyzer ──► ProposeFor
//
// Every session carries a generation. Results are re-checked against the
// status machine's current generation after the provider returns, so a
// frame still in flight when its session stops is discarded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-posture/internal/bus"
	"github.com/e7canasta/orion-posture/internal/capture"
	"github.com/e7canasta/orion-posture/internal/framesupplier"
	"github.com/e7canasta/orion-posture/internal/keypoints"
	"github.com/e7canasta/orion-posture/internal/posture"
	"github.com/e7canasta/orion-posture/internal/types"
)

var (
	// ErrSetup wraps capture setup failures. They are fatal to the session
	// and never retried.
	ErrSetup = errors.New("pipeline: setup failed")
	// ErrAlreadyRunning is returned by Start while a session is active
	ErrAlreadyRunning = errors.New("pipeline: session already running")
)

// stopTimeout bounds how long Stop waits for an in-flight provider call
const stopTimeout = 3 * time.Second

const processingWorker = "processing"

// StateMachine is the pipeline's non-owning handle on the status machine
type StateMachine interface {
	Monitoring() bool
	Generation() uint64
	ProposeFor(gen uint64, s types.Status, reason string)
	SetOverlay(gen uint64, set types.KeypointSet)
}

// BaselineSource supplies the calibration baseline of the active mode
type BaselineSource interface {
	Baseline() (float64, bool)
}

// Config wires the pipeline's collaborators
type Config struct {
	Source       capture.Source
	Provider     keypoints.Provider
	Orientation  *capture.OrientationHolder
	Analyzer     posture.Analyzer
	States       StateMachine
	Observations *bus.Bus[types.Observation]
}

// Pipeline runs at most one capture session at a time
type Pipeline struct {
	cfg Config

	mu      sync.Mutex
	current *session

	stats counters
}

type session struct {
	gen      uint64
	baseline BaselineSource
	cancel   context.CancelFunc
	supplier framesupplier.Supplier
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// New creates an idle pipeline
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("pipeline: source is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("pipeline: provider is required")
	}
	if cfg.States == nil {
		return nil, fmt.Errorf("pipeline: state machine is required")
	}
	if cfg.Orientation == nil {
		cfg.Orientation = capture.NewOrientationHolder(capture.OrientationUnknown)
	}
	if cfg.Observations == nil {
		cfg.Observations = bus.New[types.Observation]()
	}
	return &Pipeline{cfg: cfg}, nil
}

// Observations returns the bus every processed frame is published on
func (p *Pipeline) Observations() *bus.Bus[types.Observation] {
	return p.cfg.Observations
}

// Start opens the capture source and starts a session tagged with gen.
// A capture failure is returned wrapped in ErrSetup and nothing is left
// running.
func (p *Pipeline) Start(ctx context.Context, gen uint64, baseline BaselineSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		return ErrAlreadyRunning
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	frames, err := p.cfg.Source.Start(sessionCtx)
	if err != nil {
		cancel()
		p.stats.setupFailures.Add(1)
		slog.Error("pipeline: capture setup failed", "generation", gen, "error", err)
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	sup := framesupplier.New()
	if err := sup.Start(sessionCtx); err != nil {
		cancel()
		p.cfg.Source.Stop()
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	read := sup.Subscribe(processingWorker)

	s := &session{
		gen:      gen,
		baseline: baseline,
		cancel:   cancel,
		supplier: sup,
	}

	s.wg.Add(2)
	go p.forward(s, frames)
	go p.process(sessionCtx, s, read)

	p.current = s

	slog.Info("pipeline: session started", "generation", gen)
	return nil
}

// forward moves frames from the source into the mailbox. If the source
// closes its channel while the session is still active, the device is gone:
// the session reports error.
func (p *Pipeline) forward(s *session, frames <-chan types.Frame) {
	defer s.wg.Done()

	for frame := range frames {
		f := frame
		p.stats.captured.Add(1)
		s.supplier.Publish(&f)
	}

	if s.stopping.Load() {
		return
	}

	p.stats.sourceLost.Add(1)
	slog.Error("pipeline: capture source ended unexpectedly", "generation", s.gen)
	p.cfg.States.ProposeFor(s.gen, types.StatusError, "capture source ended")
}

// process is the processing lane: one frame at a time, latest first
func (p *Pipeline) process(ctx context.Context, s *session, read func() *types.Frame) {
	defer s.wg.Done()

	for {
		frame := read()
		if frame == nil {
			return
		}
		p.handleFrame(ctx, s, frame)
	}
}

func (p *Pipeline) handleFrame(ctx context.Context, s *session, frame *types.Frame) {
	if !p.isCurrent(s) {
		p.stats.stale.Add(1)
		return
	}

	rotation := p.cfg.Orientation.Correction()
	set, err := p.cfg.Provider.Detect(ctx, *frame, rotation)
	p.stats.processed.Add(1)

	// the session may have stopped while the provider was running
	if !p.isCurrent(s) {
		p.stats.stale.Add(1)
		slog.Debug("pipeline: discarding result of stopped session",
			"generation", s.gen,
			"seq", frame.Seq,
		)
		return
	}

	obs := types.Observation{
		Generation: s.gen,
		Seq:        frame.Seq,
		TraceID:    frame.TraceID,
		Timestamp:  frame.Timestamp,
	}

	if err != nil {
		p.stats.providerErrors.Add(1)
		slog.Warn("pipeline: keypoint extraction failed, frame skipped",
			"generation", s.gen,
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		p.cfg.States.SetOverlay(s.gen, nil)
		p.cfg.States.ProposeFor(s.gen, types.StatusError, err.Error())
		obs.Err = err
		p.cfg.Observations.Publish(obs)
		return
	}

	filtered := set.Filter(p.cfg.Analyzer.ConfidenceThreshold)
	if set == nil || len(filtered) == 0 {
		p.stats.noBody.Add(1)
		p.cfg.States.SetOverlay(s.gen, nil)
	} else {
		p.cfg.States.SetOverlay(s.gen, filtered)
	}

	if set != nil {
		obs.Keypoints = set.Clone()
	}
	p.cfg.Observations.Publish(obs)

	// monitoring is re-read for every frame
	if !p.cfg.States.Monitoring() {
		return
	}

	var (
		baseline    float64
		hasBaseline bool
	)
	if s.baseline != nil {
		baseline, hasBaseline = s.baseline.Baseline()
	}

	res := p.cfg.Analyzer.Analyze(set, baseline, hasBaseline)
	p.stats.record(res)
	p.cfg.States.ProposeFor(s.gen, res.Status, "analyzer")
}

// isCurrent reports whether s is still the session the status machine
// considers current
func (p *Pipeline) isCurrent(s *session) bool {
	return !s.stopping.Load() && p.cfg.States.Generation() == s.gen
}

// Stop ends the current session: frame delivery stops, the device is
// released and an in-flight frame is left to complete and be discarded.
// Idempotent. It reports whether a session was torn down.
func (p *Pipeline) Stop() bool {
	p.mu.Lock()
	s := p.current
	p.current = nil
	p.mu.Unlock()

	if s == nil {
		return false
	}

	s.stopping.Store(true)
	s.cancel()

	if err := p.cfg.Source.Stop(); err != nil {
		slog.Warn("pipeline: capture source stop failed", "generation", s.gen, "error", err)
	}
	s.supplier.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("pipeline: provider call still in flight after stop, result will be discarded",
			"generation", s.gen,
		)
	}

	stats := s.supplier.Stats()
	p.stats.dropped.Add(stats.TotalDrops())

	slog.Info("pipeline: session stopped",
		"generation", s.gen,
		"frames_captured", p.stats.captured.Load(),
		"frames_processed", p.stats.processed.Load(),
	)
	return true
}

// Running reports whether a session is active
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Stats returns cumulative pipeline statistics
func (p *Pipeline) Stats() Stats {
	st := p.stats.snapshot()

	p.mu.Lock()
	s := p.current
	p.mu.Unlock()

	if s != nil {
		st.Running = true
		st.Generation = s.gen
		st.FramesDropped += s.supplier.Stats().TotalDrops()
	}
	st.Source = p.cfg.Source.Stats()
	return st
}

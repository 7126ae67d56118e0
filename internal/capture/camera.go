package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-posture/internal/types"
	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

const (
	// frameBuffer is the size of the outgoing frame channel
	frameBuffer = 2
	// playingTimeout bounds how long Start waits for PLAYING
	playingTimeout = 5 * time.Second
	// stopTimeout bounds how long Stop waits for the bus monitor
	stopTimeout = 3 * time.Second
)

// Config configures a capture source
type Config struct {
	// Kind is KindV4L2 (real device) or KindTest (videotestsrc)
	Kind   Kind
	Device string
	Width  int
	Height int
	FPS    int
}

// CameraSource implements Source with a GStreamer pipeline
type CameraSource struct {
	cfg Config

	elements *pipelineElements

	// Frame output. frameMu guards the send/close race between the
	// GStreamer streaming thread and Stop / the bus monitor.
	frameMu      sync.RWMutex
	frames       chan types.Frame
	framesClosed bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time

	frameCount    atomic.Uint64
	framesDropped atomic.Uint64
	running       atomic.Bool

	errDevice      atomic.Uint64
	errNegotiation atomic.Uint64
	errPermission  atomic.Uint64
	errUnknown     atomic.Uint64
}

// NewCameraSource validates the configuration. GStreamer availability is
// checked at Start so that a missing runtime surfaces as a setup failure.
func NewCameraSource(cfg Config) (*CameraSource, error) {
	if cfg.Kind != KindV4L2 && cfg.Kind != KindTest {
		return nil, fmt.Errorf("capture: unsupported camera kind %q", cfg.Kind)
	}
	if cfg.Kind == KindV4L2 && cfg.Device == "" {
		return nil, fmt.Errorf("capture: device is required for v4l2")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS < 0 || cfg.FPS > 60 {
		return nil, fmt.Errorf("capture: invalid fps %d (must be 0-60)", cfg.FPS)
	}

	return &CameraSource{cfg: cfg}, nil
}

// Start builds the pipeline, brings it to PLAYING and returns the frame
// channel. Any failure here is a setup failure and leaves nothing running.
func (s *CameraSource) Start(ctx context.Context) (<-chan types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, ErrAlreadyStarted
	}

	slog.Info("capture: starting camera source",
		"kind", s.cfg.Kind,
		"device", s.cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"fps", s.cfg.FPS,
	)

	elements, err := createPipeline(pipelineConfig{
		Kind:   s.cfg.Kind,
		Device: s.cfg.Device,
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		FPS:    s.cfg.FPS,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: failed to create pipeline: %w", err)
	}

	s.frameMu.Lock()
	s.frames = make(chan types.Frame, frameBuffer)
	s.framesClosed = false
	s.frameMu.Unlock()

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		destroyPipeline(elements)
		return nil, fmt.Errorf("capture: failed to start pipeline: %w", err)
	}

	if err := s.awaitPlaying(elements.Pipeline); err != nil {
		destroyPipeline(elements)
		return nil, err
	}

	s.elements = elements
	s.started = time.Now()
	s.running.Store(true)

	monitorCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.monitorBus(monitorCtx, elements.Pipeline)

	return s.frames, nil
}

// awaitPlaying drains the bus until the pipeline reports PLAYING, an error
// is posted, or the timeout elapses. A timeout is not a failure: live
// sources may take a while to preroll.
func (s *CameraSource) awaitPlaying(pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(playingTimeout)

	for time.Now().Before(deadline) {
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			category := s.countError(gerr.Error(), gerr.DebugString())
			return fmt.Errorf("capture: pipeline error during setup [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
				slog.Info("capture: pipeline reached PLAYING state")
				return nil
			}
		}
	}

	slog.Warn("capture: pipeline did not report PLAYING in time, continuing",
		"timeout", playingTimeout,
	)
	return nil
}

// onNewSample runs on the GStreamer streaming thread
func (s *CameraSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("capture: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("capture: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("capture: empty buffer received")
		return gst.FlowOK
	}

	// GStreamer reuses the buffer
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := types.Frame{
		Seq:       s.frameCount.Add(1),
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      frameData,
		Source:    string(s.cfg.Kind),
		TraceID:   uuid.New().String(),
	}

	s.emit(frame)
	return gst.FlowOK
}

// emit sends without blocking; a full channel drops the frame
func (s *CameraSource) emit(frame types.Frame) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()

	if s.framesClosed {
		return
	}

	select {
	case s.frames <- frame:
	default:
		s.framesDropped.Add(1)
		slog.Debug("capture: dropping frame, channel full",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	}
}

func (s *CameraSource) closeFrames() {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	if !s.framesClosed && s.frames != nil {
		s.framesClosed = true
		close(s.frames)
	}
}

// monitorBus watches the pipeline bus. EOS and runtime errors are fatal:
// the frame channel is closed and the owner decides what to report.
func (s *CameraSource) monitorBus(ctx context.Context, pipeline *gst.Pipeline) {
	defer s.wg.Done()

	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("capture: context cancelled, stopping bus monitor")
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("capture: end of stream received",
				"uptime", time.Since(s.started),
				"frames_captured", s.frameCount.Load(),
			)
			s.running.Store(false)
			s.closeFrames()
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := s.countError(gerr.Error(), gerr.DebugString())

			slog.Error("capture: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"device", s.cfg.Device,
				"uptime", time.Since(s.started),
				"frames_captured", s.frameCount.Load(),
			)
			s.running.Store(false)
			s.closeFrames()
			return

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, newState := msg.ParseStateChanged()
				slog.Debug("capture: pipeline state changed",
					"from", old,
					"to", newState,
				)
			}
		}
	}
}

func (s *CameraSource) countError(errMsg, debug string) ErrorCategory {
	category := ClassifyError(errMsg, debug)
	switch category {
	case ErrCategoryDevice:
		s.errDevice.Add(1)
	case ErrCategoryNegotiation:
		s.errNegotiation.Add(1)
	case ErrCategoryPermission:
		s.errPermission.Add(1)
	default:
		s.errUnknown.Add(1)
	}
	return category
}

// Stop tears the pipeline down and closes the frame channel.
// Idempotent - safe to call multiple times.
func (s *CameraSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		slog.Debug("capture: source not started, nothing to stop")
		return nil
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("capture: stop timeout exceeded, bus monitor may still be running")
	}

	var stopErr error
	if err := destroyPipeline(s.elements); err != nil {
		slog.Error("capture: failed to destroy pipeline", "error", err)
		stopErr = err
	}
	s.elements = nil
	s.closeFrames()
	s.running.Store(false)

	slog.Info("capture: camera source stopped",
		"frames_captured", s.frameCount.Load(),
		"frames_dropped", s.framesDropped.Load(),
		"uptime", time.Since(s.started),
	)

	s.cancel = nil
	return stopErr
}

// Stats returns capture statistics. Thread-safe.
func (s *CameraSource) Stats() types.StreamStats {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	frameCount := s.frameCount.Load()

	var fpsReal float64
	if !started.IsZero() {
		if uptime := time.Since(started).Seconds(); uptime > 0 {
			fpsReal = float64(frameCount) / uptime
		}
	}

	return types.StreamStats{
		FrameCount:    frameCount,
		FramesDropped: s.framesDropped.Load(),
		FPSTarget:     s.cfg.FPS,
		FPSReal:       fpsReal,
		Source:        string(s.cfg.Kind),
		Resolution:    fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		IsConnected:   s.running.Load(),
		Errors: s.errDevice.Load() + s.errNegotiation.Load() +
			s.errPermission.Load() + s.errUnknown.Load(),
	}
}

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
)

// MockSource generates synthetic RGB24 frames at a fixed rate
type MockSource struct {
	width  int
	height int
	fps    int

	mu      sync.Mutex
	frames  chan types.Frame
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	started time.Time

	seq           atomic.Uint64
	framesEmitted atomic.Uint64
	framesDropped atomic.Uint64
}

// NewMockSource creates a mock source. fps <= 0 defaults to 10.
func NewMockSource(width, height, fps int) *MockSource {
	if fps <= 0 {
		fps = 10
	}
	return &MockSource{
		width:  width,
		height: height,
		fps:    fps,
	}
}

// Start begins generating frames. The source may be restarted after Stop.
func (m *MockSource) Start(ctx context.Context) (<-chan types.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil, ErrAlreadyStarted
	}

	m.running = true
	m.started = time.Now()
	m.frames = make(chan types.Frame, frameBuffer)
	m.stopCh = make(chan struct{})

	slog.Info("capture: mock source starting",
		"width", m.width,
		"height", m.height,
		"fps", m.fps,
	)

	m.wg.Add(1)
	go m.generate(ctx, m.frames, m.stopCh)

	return m.frames, nil
}

// Stop stops the generator and closes the frame channel. Idempotent.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	close(m.stopCh)
	m.wg.Wait()
	m.running = false

	slog.Info("capture: mock source stopped",
		"frames_emitted", m.framesEmitted.Load(),
		"duration", time.Since(m.started),
	)

	return nil
}

// Stats returns source statistics
func (m *MockSource) Stats() types.StreamStats {
	m.mu.Lock()
	running := m.running
	started := m.started
	m.mu.Unlock()

	emitted := m.framesEmitted.Load()

	var fpsReal float64
	if running && emitted > 0 {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fpsReal = float64(emitted) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount:    emitted,
		FramesDropped: m.framesDropped.Load(),
		FPSTarget:     m.fps,
		FPSReal:       fpsReal,
		Source:        string(KindMock),
		Resolution:    fmt.Sprintf("%dx%d", m.width, m.height),
		IsConnected:   running,
	}
}

// generate owns the frame channel and closes it on exit
func (m *MockSource) generate(ctx context.Context, out chan types.Frame, stop <-chan struct{}) {
	defer m.wg.Done()
	defer close(out)

	ticker := time.NewTicker(time.Second / time.Duration(m.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			select {
			case out <- m.createFrame():
				m.framesEmitted.Add(1)
			default:
				m.framesDropped.Add(1)
			}
		}
	}
}

// createFrame creates a mid-grey RGB24 frame
func (m *MockSource) createFrame() types.Frame {
	data := make([]byte, m.width*m.height*3)
	for i := range data {
		data[i] = 0x80
	}

	return types.Frame{
		Seq:       m.seq.Add(1),
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      data,
		Source:    string(KindMock),
		TraceID:   uuid.New().String(),
	}
}

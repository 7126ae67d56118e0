package keypoints

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-posture/internal/capture"
	"github.com/e7canasta/orion-posture/internal/types"
)

// ErrNotRunning is returned by Detect when the model process is not running
var ErrNotRunning = errors.New("keypoints: model process not running")

// PythonConfig configures the model subprocess
type PythonConfig struct {
	// Command is the executable (usually a wrapper script activating a venv)
	Command string
	Args    []string
	// InputSize is the longest side of the image sent to the model (0 = native)
	InputSize int
	// StopTimeout bounds the graceful exit after stdin is closed
	StopTimeout time.Duration
}

// PythonProvider runs the pose model in a subprocess. Detect is synchronous
// and serialized: exactly one request is in flight at a time.
type PythonProvider struct {
	cfg PythonConfig

	lifeMu sync.Mutex // guards Start/Stop
	mu     sync.Mutex // serializes requests
	proc   atomic.Pointer[process]
	wg     sync.WaitGroup

	requests  atomic.Uint64
	failures  atomic.Uint64
	totalMS   atomic.Uint64
	lastModel atomic.Uint64 // last model-reported latency in µs
}

// process is one spawned model runner
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	exited chan struct{}
	dead   atomic.Bool

	// stderrDone is closed once the stderr pipe has been drained
	stderrDone chan struct{}
}

// NewPythonProvider validates the configuration
func NewPythonProvider(cfg PythonConfig) (*PythonProvider, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("keypoints: command is required")
	}
	if cfg.InputSize < 0 {
		return nil, fmt.Errorf("keypoints: invalid input size %d", cfg.InputSize)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &PythonProvider{cfg: cfg}, nil
}

// Start spawns the model process
func (p *PythonProvider) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.proc.Load() != nil {
		return fmt.Errorf("keypoints: provider already started")
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start model process: %w", err)
	}

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout:     bufio.NewReader(stdout),
		exited:     make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	p.proc.Store(proc)

	p.wg.Add(2)
	go p.logStderr(proc, stderr)
	go p.waitProcess(proc)

	slog.Info("keypoints: model process spawned",
		"command", p.cfg.Command,
		"pid", cmd.Process.Pid,
		"input_size", p.cfg.InputSize,
	)

	return nil
}

// Detect sends one frame to the model and waits for its answer
func (p *PythonProvider) Detect(ctx context.Context, frame types.Frame, rotation capture.Rotation) (types.KeypointSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	proc := p.proc.Load()
	if proc == nil || proc.dead.Load() {
		return nil, ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := Preprocess(frame, rotation, p.cfg.InputSize)
	if err != nil {
		p.failures.Add(1)
		return nil, fmt.Errorf("keypoints: preprocess frame %d: %w", frame.Seq, err)
	}

	req := request{
		FrameData: img.Data,
		Width:     img.Width,
		Height:    img.Height,
		// the image is already upright
		Rotation: 0,
		Meta: requestMeta{
			Seq:       frame.Seq,
			TraceID:   frame.TraceID,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
		},
	}

	start := time.Now()
	p.requests.Add(1)

	if err := writeMessage(proc.stdin, req); err != nil {
		p.failures.Add(1)
		p.abandon(proc, err)
		return nil, fmt.Errorf("keypoints: send frame %d: %w", frame.Seq, err)
	}

	var resp response
	if err := readMessage(proc.stdout, &resp); err != nil {
		p.failures.Add(1)
		if !errors.Is(err, errMalformed) {
			p.abandon(proc, err)
		}
		return nil, fmt.Errorf("keypoints: receive result for frame %d: %w", frame.Seq, err)
	}

	p.totalMS.Add(uint64(time.Since(start).Milliseconds()))
	p.lastModel.Store(uint64(resp.Timing.TotalMS * 1000))

	if resp.Error != "" {
		p.failures.Add(1)
		return nil, fmt.Errorf("keypoints: model error for frame %d: %s", frame.Seq, resp.Error)
	}

	slog.Debug("keypoints: result received",
		"seq", frame.Seq,
		"trace_id", frame.TraceID,
		"landmarks", len(resp.Keypoints),
		"model_ms", resp.Timing.TotalMS,
	)

	if resp.Keypoints == nil {
		return nil, nil
	}
	return types.KeypointSet(resp.Keypoints), nil
}

// abandon kills a process whose stdout framing can no longer be trusted.
// Later calls fail fast with ErrNotRunning.
func (p *PythonProvider) abandon(proc *process, cause error) {
	if proc.dead.Swap(true) {
		return
	}
	slog.Error("keypoints: protocol stream broken, killing model process",
		"pid", proc.cmd.Process.Pid,
		"error", cause,
	)
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Error("keypoints: failed to kill model process", "error", err)
	}
}

// logStderr maps the model's log lines onto slog levels
func (p *PythonProvider) logStderr(proc *process, stderr io.Reader) {
	defer p.wg.Done()
	defer close(proc.stderrDone)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			slog.Error("keypoints: model error", "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			slog.Warn("keypoints: model warning", "log", line)
		default:
			slog.Debug("keypoints: model log", "log", line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("keypoints: error reading model stderr", "error", err)
	}
}

// waitProcess reaps the process so it never lingers as a zombie
func (p *PythonProvider) waitProcess(proc *process) {
	defer p.wg.Done()
	defer close(proc.exited)

	// Wait closes the pipes, so stderr is drained first
	<-proc.stderrDone
	err := proc.cmd.Wait()
	proc.dead.Store(true)
	pid := proc.cmd.Process.Pid

	switch {
	case err == nil:
		slog.Info("keypoints: model process exited cleanly", "pid", pid)
	case p.proc.Load() == proc:
		slog.Error("keypoints: model process exited unexpectedly",
			"pid", pid,
			"error", err,
		)
	default:
		slog.Debug("keypoints: model process exited (shutdown)", "pid", pid)
	}
}

// Stop closes stdin so the model exits, killing it after StopTimeout.
// Idempotent.
func (p *PythonProvider) Stop() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	proc := p.proc.Swap(nil)
	if proc == nil {
		return nil
	}

	proc.stdin.Close()

	select {
	case <-proc.exited:
	case <-time.After(p.cfg.StopTimeout):
		slog.Warn("keypoints: model stop timeout, killing process")
		if err := proc.cmd.Process.Kill(); err != nil {
			slog.Error("keypoints: failed to kill model process", "error", err)
		}
	}

	p.wg.Wait()

	slog.Info("keypoints: model process stopped",
		"requests", p.requests.Load(),
		"failures", p.failures.Load(),
	)
	return nil
}

// Stats reports request counters
func (p *PythonProvider) Stats() Stats {
	requests := p.requests.Load()
	var avg float64
	if ok := requests - p.failures.Load(); ok > 0 {
		avg = float64(p.totalMS.Load()) / float64(ok)
	}
	return Stats{
		Running:      p.running(),
		Requests:     requests,
		Failures:     p.failures.Load(),
		AvgLatencyMS: avg,
		ModelMS:      float64(p.lastModel.Load()) / 1000,
	}
}

// Stats summarizes provider activity
type Stats struct {
	Running      bool    `json:"running"`
	Requests     uint64  `json:"requests"`
	Failures     uint64  `json:"failures"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	ModelMS      float64 `json:"model_ms"`
}

func (p *PythonProvider) running() bool {
	proc := p.proc.Load()
	return proc != nil && !proc.dead.Load()
}

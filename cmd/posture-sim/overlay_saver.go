package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/e7canasta/orion-posture/internal/status"
	"github.com/e7canasta/orion-posture/internal/types"
)

const overlaySubscriber = "overlay-saver"

var (
	background = color.RGBA{R: 24, G: 24, B: 24, A: 255}
	boneColor  = color.RGBA{R: 200, G: 200, B: 200, A: 255}
)

// statusColors tints the keypoints by the status that triggered the snapshot
var statusColors = map[types.Status]color.RGBA{
	types.StatusMonitoringGood: {R: 40, G: 200, B: 80, A: 255},
	types.StatusMonitoringPoor: {R: 230, G: 60, B: 40, A: 255},
	types.StatusCalibrating:    {R: 60, G: 140, B: 230, A: 255},
}

// OverlaySaver renders the current keypoint overlay to a PNG on every
// status change.
type OverlaySaver struct {
	outputDir string
	size      int

	saved   atomic.Uint64
	dropped atomic.Uint64
}

// NewOverlaySaver creates the output directory. size is the edge of the
// square canvas in pixels.
func NewOverlaySaver(outputDir string, size int) (*OverlaySaver, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid canvas size: %d", size)
	}
	return &OverlaySaver{outputDir: outputDir, size: size}, nil
}

// Run saves one snapshot per status change until ctx is cancelled
func (s *OverlaySaver) Run(ctx context.Context, states *status.Machine) {
	changes := states.Changes()
	ch := make(chan status.Change, 16)
	if err := changes.Subscribe(overlaySubscriber, ch); err != nil {
		slog.Warn("overlay saver disabled", "error", err)
		return
	}
	defer changes.Unsubscribe(overlaySubscriber)

	for {
		select {
		case <-ctx.Done():
			return
		case change := <-ch:
			if err := s.Save(change, states.Overlay()); err != nil {
				slog.Warn("failed to save overlay", "seq", change.Seq, "error", err)
			}
		}
	}
}

// Save writes the overlay for change as overlay_{seq:06d}_{status}.png
func (s *OverlaySaver) Save(change status.Change, overlay status.Overlay) error {
	img := s.render(change.Status, overlay.Keypoints)

	name := fmt.Sprintf("overlay_%06d_%s.png", change.Seq, change.Status)
	file, err := os.Create(filepath.Join(s.outputDir, name))
	if err != nil {
		s.dropped.Add(1)
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		s.dropped.Add(1)
		return fmt.Errorf("PNG encode failed: %w", err)
	}

	s.saved.Add(1)
	return nil
}

func (s *OverlaySaver) render(st types.Status, set types.KeypointSet) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.size, s.size))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)

	neck, okNeck := set.Get(types.LandmarkNeck)
	left, okLeft := set.Get(types.LandmarkLeftShoulder)
	right, okRight := set.Get(types.LandmarkRightShoulder)
	if okLeft && okRight {
		s.line(img, left, right)
		if okNeck {
			mid := types.Keypoint{X: (left.X + right.X) / 2, Y: (left.Y + right.Y) / 2}
			s.line(img, neck, mid)
		}
	}

	dot, ok := statusColors[st]
	if !ok {
		dot = boneColor
	}
	for _, kp := range set {
		s.dot(img, kp, dot)
	}
	return img
}

func (s *OverlaySaver) point(kp types.Keypoint) (int, int) {
	return int(kp.X * float64(s.size)), int(kp.Y * float64(s.size))
}

func (s *OverlaySaver) dot(img *image.RGBA, kp types.Keypoint, c color.RGBA) {
	x, y := s.point(kp)
	r := s.size / 64
	if r < 2 {
		r = 2
	}
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x+dx, y+dy, c)
			}
		}
	}
}

func (s *OverlaySaver) line(img *image.RGBA, a, b types.Keypoint) {
	x0, y0 := s.point(a)
	x1, y1 := s.point(b)
	steps := max(abs(x1-x0), abs(y1-y0))
	if steps == 0 {
		img.SetRGBA(x0, y0, boneColor)
		return
	}
	for i := 0; i <= steps; i++ {
		x := x0 + (x1-x0)*i/steps
		y := y0 + (y1-y0)*i/steps
		img.SetRGBA(x, y, boneColor)
	}
}

// Stats returns current save statistics
func (s *OverlaySaver) Stats() (saved, dropped uint64) {
	return s.saved.Load(), s.dropped.Load()
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

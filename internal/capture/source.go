package capture

import (
	"context"

	"github.com/e7canasta/orion-posture/internal/types"
)

// Source is a capture device producing frames
type Source interface {
	// Start opens the device and begins streaming. A returned error is a
	// setup failure: nothing is left running.
	Start(ctx context.Context) (<-chan types.Frame, error)
	// Stop releases the device. Idempotent.
	Stop() error
	// Stats returns capture statistics
	Stats() types.StreamStats
}

// Kind selects the source implementation
type Kind string

const (
	KindV4L2 Kind = "v4l2"
	KindTest Kind = "test"
	KindMock Kind = "mock"
)

// New creates the source for the configured kind
func New(cfg Config) (Source, error) {
	if cfg.Kind == KindMock {
		return NewMockSource(cfg.Width, cfg.Height, cfg.FPS), nil
	}
	return NewCameraSource(cfg)
}

package keypoints

import (
	"context"

	"github.com/e7canasta/orion-posture/internal/capture"
	"github.com/e7canasta/orion-posture/internal/types"
)

// Provider extracts keypoints from one frame. A nil set with a nil error
// means no body was found.
type Provider interface {
	Detect(ctx context.Context, frame types.Frame, rotation capture.Rotation) (types.KeypointSet, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context, frame types.Frame, rotation capture.Rotation) (types.KeypointSet, error)

// Detect calls f
func (f ProviderFunc) Detect(ctx context.Context, frame types.Frame, rotation capture.Rotation) (types.KeypointSet, error) {
	return f(ctx, frame, rotation)
}

package main

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-posture/internal/status"
	"github.com/e7canasta/orion-posture/internal/types"
)

func TestOverlaySaver_Save(t *testing.T) {
	dir := t.TempDir()
	saver, err := NewOverlaySaver(dir, 64)
	require.NoError(t, err)

	overlay := status.Overlay{
		Generation: 1,
		Keypoints: types.KeypointSet{
			types.LandmarkNeck:          {X: 0.5, Y: 0.3, Confidence: 0.9},
			types.LandmarkLeftShoulder:  {X: 0.4, Y: 0.45, Confidence: 0.9},
			types.LandmarkRightShoulder: {X: 0.6, Y: 0.45, Confidence: 0.9},
		},
	}
	change := status.Change{Seq: 7, Status: types.StatusMonitoringPoor}

	require.NoError(t, saver.Save(change, overlay))

	f, err := os.Open(filepath.Join(dir, "overlay_000007_monitoring-poor.png"))
	require.NoError(t, err)
	defer f.Close()

	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	// neck dot at (32, 19) carries the poor-posture tint
	r, g, _, _ := img.At(32, 19).RGBA()
	assert.Equal(t, uint32(230), r>>8)
	assert.Equal(t, uint32(60), g>>8)

	saved, dropped := saver.Stats()
	assert.Equal(t, uint64(1), saved)
	assert.Zero(t, dropped)
	t.Logf("✅ overlay written for seq=%d", change.Seq)
}

func TestOverlaySaver_EmptyOverlay(t *testing.T) {
	saver, err := NewOverlaySaver(t.TempDir(), 32)
	require.NoError(t, err)

	require.NoError(t, saver.Save(status.Change{Seq: 1, Status: types.StatusPaused}, status.Overlay{}))
	saved, _ := saver.Stats()
	assert.Equal(t, uint64(1), saved)
}

func TestNewOverlaySaver_InvalidSize(t *testing.T) {
	_, err := NewOverlaySaver(t.TempDir(), 0)
	assert.Error(t, err)
}

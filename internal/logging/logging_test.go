package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-posture/internal/config"
)

func TestNewLogger_StdoutOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := newLogger(&buf, config.LoggingConfig{}, false)
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("status changed", "to", "paused")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "debug is filtered at info level")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "status changed", record["msg"])
	assert.Equal(t, "paused", record["to"])
}

func TestNewLogger_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posture.log")
	var buf bytes.Buffer

	logger, closer := newLogger(&buf, config.LoggingConfig{
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	}, true)

	logger.Debug("calibration frame received", "seq", 7)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "calibration frame received")
	assert.Equal(t, buf.String(), string(data), "file and stdout receive the same records")
}

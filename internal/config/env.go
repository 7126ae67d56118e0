package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ORION_POSTURE_"

// LoadDotEnv loads variables from a .env file into the process environment.
// A missing file is not an error; variables already set are kept.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	slog.Debug("environment loaded from file", "path", path)
	return nil
}

// ApplyEnv overrides configuration values from ORION_POSTURE_* variables
func ApplyEnv(cfg *Config) error {
	str := map[string]*string{
		"INSTANCE_ID":        &cfg.InstanceID,
		"MODE":               &cfg.Mode,
		"CAMERA_SOURCE":      &cfg.Camera.Source,
		"CAMERA_DEVICE":      &cfg.Camera.Device,
		"CAMERA_ORIENTATION": &cfg.Camera.Orientation,
		"KEYPOINTS_COMMAND":  &cfg.Keypoints.Command,
		"DB_PATH":            &cfg.Calibration.DBPath,
		"MQTT_BROKER":        &cfg.MQTT.Broker,
		"HEALTH_PORT":        &cfg.Health.Port,
		"LOG_FILE":           &cfg.Logging.File,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CAMERA_WIDTH":      &cfg.Camera.Width,
		"CAMERA_HEIGHT":     &cfg.Camera.Height,
		"CAMERA_FPS":        &cfg.Camera.FPS,
		"SETTLE_DELAY_MS":   &cfg.Calibration.SettleDelayMS,
		"CAPTURE_TIMEOUT_S": &cfg.Calibration.CaptureTimeoutS,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	return nil
}

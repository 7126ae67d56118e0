package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/e7canasta/orion-posture/internal/capture"
	"github.com/e7canasta/orion-posture/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS < 0 {
		return fmt.Errorf("shutdown_timeout_s must be >= 0")
	}
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if cfg.Mode == "" {
		cfg.Mode = string(types.ModeCamera)
	}
	if !types.Mode(cfg.Mode).Valid() {
		return fmt.Errorf("mode must be one of %v, got %q", types.Modes, cfg.Mode)
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	if cfg.Keypoints.InputSize < 0 {
		return fmt.Errorf("keypoints.input_size must be >= 0")
	}
	if cfg.Keypoints.InputSize == 0 {
		cfg.Keypoints.InputSize = 256
	}

	if err := validateAnalyzer(&cfg.Analyzer); err != nil {
		return fmt.Errorf("analyzer: %w", err)
	}

	if cfg.Calibration.DBPath == "" {
		cfg.Calibration.DBPath = "posture.db"
	}
	if cfg.Calibration.SettleDelayMS < 0 {
		return fmt.Errorf("calibration.settle_delay_ms must be >= 0")
	}
	if cfg.Calibration.SettleDelayMS == 0 {
		cfg.Calibration.SettleDelayMS = 500
	}
	if cfg.Calibration.CaptureTimeoutS <= 0 {
		cfg.Calibration.CaptureTimeoutS = 5
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("posture/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("posture/status/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("posture/health/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"status":  1,
			"health":  0,
		}
	}
	for topic, qos := range cfg.MQTT.QoS {
		if qos > 2 {
			return fmt.Errorf("mqtt.qos.%s must be 0, 1 or 2", topic)
		}
	}

	if cfg.Health.Port == "" {
		cfg.Health.Port = "8080"
	}

	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB <= 0 {
			cfg.Logging.MaxSizeMB = 50
		}
		if cfg.Logging.MaxBackups <= 0 {
			cfg.Logging.MaxBackups = 3
		}
		if cfg.Logging.MaxAgeDays <= 0 {
			cfg.Logging.MaxAgeDays = 7
		}
	}

	return nil
}

func validateCamera(cam *CameraConfig) error {
	if cam.Source == "" {
		cam.Source = string(capture.KindV4L2)
	}
	switch capture.Kind(cam.Source) {
	case capture.KindV4L2, capture.KindTest, capture.KindMock:
	default:
		return fmt.Errorf("source must be v4l2, test or mock, got %q", cam.Source)
	}

	if cam.Device == "" {
		cam.Device = "/dev/video0"
	}
	if cam.Width == 0 {
		cam.Width = 640
	}
	if cam.Height == 0 {
		cam.Height = 480
	}
	if cam.FPS == 0 {
		cam.FPS = 15
	}
	if cam.Width < 0 || cam.Height < 0 {
		return fmt.Errorf("width and height must be > 0")
	}
	if cam.FPS < 0 {
		return fmt.Errorf("fps must be > 0")
	}

	if cam.Orientation == "" {
		cam.Orientation = capture.OrientationPortrait.String()
	}
	if _, err := capture.ParseDeviceOrientation(cam.Orientation); err != nil {
		return err
	}
	return nil
}

func validateAnalyzer(a *AnalyzerConfig) error {
	if a.ConfidenceThreshold == 0 {
		a.ConfidenceThreshold = 0.3
	}
	if a.DeviationThresholdPct == 0 {
		a.DeviationThresholdPct = 20
	}
	if a.ConfidenceThreshold < 0 || a.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be within [0, 1]")
	}
	if a.DeviationThresholdPct < 0 {
		return fmt.Errorf("deviation_threshold_pct must be >= 0")
	}
	return nil
}

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// SettleDelay returns the calibration settle delay
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Calibration.SettleDelayMS) * time.Millisecond
}

// CaptureTimeout returns how long calibration waits for a frame
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Calibration.CaptureTimeoutS) * time.Second
}

// MQTTEnabled reports whether a broker is configured
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Broker != ""
}

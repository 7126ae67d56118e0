package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete posture sensor configuration
type Config struct {
	InstanceID       string            `yaml:"instance_id"`
	ShutdownTimeoutS int               `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Mode             string            `yaml:"mode"`               // camera, pocket
	Camera           CameraConfig      `yaml:"camera"`
	Keypoints        KeypointsConfig   `yaml:"keypoints"`
	Analyzer         AnalyzerConfig    `yaml:"analyzer"`
	Calibration      CalibrationConfig `yaml:"calibration"`
	MQTT             MQTTConfig        `yaml:"mqtt"`
	Health           HealthConfig      `yaml:"health"`
	Logging          LoggingConfig     `yaml:"logging"`
}

// CameraConfig contains capture device settings
type CameraConfig struct {
	Source      string `yaml:"source"` // v4l2, test, mock
	Device      string `yaml:"device"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
	Orientation string `yaml:"orientation"` // portrait, landscape-left, ...
}

// KeypointsConfig configures the pose model subprocess.
// An empty command selects the built-in simulated provider.
type KeypointsConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	InputSize int      `yaml:"input_size"` // longest side sent to the model
}

// AnalyzerConfig contains classification thresholds
type AnalyzerConfig struct {
	ConfidenceThreshold   float64 `yaml:"confidence_threshold"`
	DeviationThresholdPct float64 `yaml:"deviation_threshold_pct"`
}

// CalibrationConfig contains baseline storage and capture settings
type CalibrationConfig struct {
	DBPath          string `yaml:"db_path"`
	SettleDelayMS   int    `yaml:"settle_delay_ms"`
	CaptureTimeoutS int    `yaml:"capture_timeout_s"`
}

// MQTTConfig contains MQTT broker settings.
// An empty broker disables the control plane and the status emitter.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
	Health  string `yaml:"health"`
}

// HealthConfig configures the HTTP health server
type HealthConfig struct {
	Port string `yaml:"port"`
}

// LoggingConfig configures the optional rotating log file
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and parses a YAML configuration file, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes, applies environment overrides and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

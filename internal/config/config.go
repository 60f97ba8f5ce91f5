package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	InstanceID       string             `yaml:"instance_id"`
	ShutdownTimeoutS int                `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Canvas           CanvasConfig       `yaml:"canvas"`
	Device           DeviceConfig       `yaml:"device"`
	Scene            string             `yaml:"scene"`       // scene description file
	WatchScene       bool               `yaml:"watch_scene"` // reload when the scene file changes
	Segmentation     SegmentationConfig `yaml:"segmentation"`
	MQTT             MQTTConfig         `yaml:"mqtt"`
	HTTP             HTTPConfig         `yaml:"http"`
}

// CanvasConfig is the output geometry and render rate
type CanvasConfig struct {
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	FPS    float64 `yaml:"fps"`
}

// DeviceConfig selects the virtual camera node. An empty path renders
// without a device (preview only).
type DeviceConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // YUYV, YVYU, YYUV, YUV32, BGR24, RGB24, RGB32
}

// SegmentationConfig points at the body segmentation service
type SegmentationConfig struct {
	URL        string  `yaml:"url"`
	Scale      float64 `yaml:"scale"`       // downscale before upload (default: 0.25)
	BinaryMask bool    `yaml:"binary_mask"` // service answers 0/1
	TimeoutMS  int     `yaml:"timeout_ms"`  // per request (default: 2000)
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the
// control plane.
type MQTTConfig struct {
	Broker string     `yaml:"broker"`
	Topics MQTTTopics `yaml:"topics"`
	QoS    byte       `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
	Status    string `yaml:"status"`
}

// HTTPConfig is the preview/health listener
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// SegmentationTimeout returns the per-request timeout
func (c *Config) SegmentationTimeout() time.Duration {
	return time.Duration(c.Segmentation.TimeoutMS) * time.Millisecond
}

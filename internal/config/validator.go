package config

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/mPyKen/Caman/internal/v4l2"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		cfg.InstanceID = "caman"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Validate canvas
	if cfg.Canvas.Width == 0 && cfg.Canvas.Height == 0 {
		cfg.Canvas.Width, cfg.Canvas.Height = 1280, 720
	}
	if cfg.Canvas.Width <= 0 || cfg.Canvas.Height <= 0 {
		return fmt.Errorf("canvas must be positive, got %dx%d", cfg.Canvas.Width, cfg.Canvas.Height)
	}
	if cfg.Canvas.FPS < 0 {
		return fmt.Errorf("canvas.fps must be >= 0")
	}
	if cfg.Canvas.FPS == 0 {
		cfg.Canvas.FPS = 30
	}

	// Validate device
	if cfg.Device.Format == "" {
		cfg.Device.Format = "YUYV"
	}
	if _, err := v4l2.ParseFormat(cfg.Device.Format); err != nil {
		return fmt.Errorf("device.format: %w", err)
	}

	if cfg.Scene == "" {
		return fmt.Errorf("scene is required")
	}

	// Validate segmentation
	if cfg.Segmentation.URL == "" {
		cfg.Segmentation.URL = "http://localhost:9000"
	}
	if _, err := url.ParseRequestURI(cfg.Segmentation.URL); err != nil {
		return fmt.Errorf("segmentation.url: %w", err)
	}
	if cfg.Segmentation.Scale == 0 {
		cfg.Segmentation.Scale = 0.25
	}
	if cfg.Segmentation.Scale < 0 || cfg.Segmentation.Scale > 1 {
		return fmt.Errorf("segmentation.scale must be in (0,1], got %v", cfg.Segmentation.Scale)
	}
	if cfg.Segmentation.TimeoutMS <= 0 {
		cfg.Segmentation.TimeoutMS = 2000
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("caman/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Responses == "" {
		cfg.MQTT.Topics.Responses = fmt.Sprintf("caman/control/%s/responses", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("caman/status/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	return nil
}

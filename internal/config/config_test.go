package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("scene: scene.yaml\n"))
	require.NoError(t, err)

	assert.Equal(t, "caman", cfg.InstanceID)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, CanvasConfig{Width: 1280, Height: 720, FPS: 30}, cfg.Canvas)
	assert.Equal(t, "YUYV", cfg.Device.Format)
	assert.Empty(t, cfg.Device.Path)
	assert.Equal(t, "http://localhost:9000", cfg.Segmentation.URL)
	assert.Equal(t, 0.25, cfg.Segmentation.Scale)
	assert.Equal(t, 2*time.Second, cfg.SegmentationTimeout())
	assert.Equal(t, "caman/control/caman", cfg.MQTT.Topics.Control)
	assert.Equal(t, "caman/control/caman/responses", cfg.MQTT.Topics.Responses)
	assert.Equal(t, "caman/status/caman", cfg.MQTT.Topics.Status)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance_id: studio-2
canvas: {width: 640, height: 360, fps: 24}
device: {path: /dev/video20, format: rgb24}
scene: scenes/meeting.yaml
watch_scene: true
segmentation: {url: "http://seg:9000", binary_mask: true}
mqtt: {broker: "tcp://localhost:1883", qos: 1}
http: {addr: ":9090"}
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "studio-2", cfg.InstanceID)
	assert.Equal(t, CanvasConfig{Width: 640, Height: 360, FPS: 24}, cfg.Canvas)
	assert.Equal(t, "rgb24", cfg.Device.Format)
	assert.True(t, cfg.WatchScene)
	assert.True(t, cfg.Segmentation.BinaryMask)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "caman/status/studio-2", cfg.MQTT.Topics.Status)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestValidate_Errors(t *testing.T) {
	tests := map[string]string{
		"missing scene":   "canvas: {width: 10, height: 10}\n",
		"bad instance id": "instance_id: Studio_1\nscene: s.yaml\n",
		"negative canvas": "canvas: {width: -1, height: 10}\nscene: s.yaml\n",
		"bad format":      "device: {format: NV12}\nscene: s.yaml\n",
		"bad scale":       "segmentation: {scale: 2}\nscene: s.yaml\n",
		"bad url":         "segmentation: {url: \"::\"}\nscene: s.yaml\n",
		"bad qos":         "mqtt: {qos: 3}\nscene: s.yaml\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

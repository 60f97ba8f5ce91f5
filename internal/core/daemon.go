// Package core wires the compositor to its outputs and control surfaces
// and owns the daemon lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mPyKen/Caman/internal/compositor"
	"github.com/mPyKen/Caman/internal/config"
	"github.com/mPyKen/Caman/internal/control"
	"github.com/mPyKen/Caman/internal/frame"
	"github.com/mPyKen/Caman/internal/preview"
	"github.com/mPyKen/Caman/internal/provider"
	"github.com/mPyKen/Caman/internal/provider/camera"
	"github.com/mPyKen/Caman/internal/scene"
	"github.com/mPyKen/Caman/internal/segment"
	"github.com/mPyKen/Caman/internal/v4l2"
)

const (
	statsInterval  = 10 * time.Second
	statusInterval = 5 * time.Second
)

// Daemon is the virtual camera service.
type Daemon struct {
	cfg       *config.Config
	scenePath string

	comp    *compositor.Compositor
	seg     *segment.Client
	hub     *preview.Hub
	preview *preview.Server
	device  *v4l2.Writer

	mqtt     mqtt.Client
	control  *control.Handler
	reporter *control.Reporter

	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc
}

// ErrDevice marks Run failures caused by the virtual camera device.
var ErrDevice = errors.New("failed to open output device")

// Overrides replace configuration values from the command line. Empty
// fields keep the configured value.
type Overrides struct {
	Scene       string // used as given, relative to the working directory
	Device      string
	PreviewOnly bool // render without a device whatever the config says
}

// New loads the configuration. A relative scene path from the file
// resolves against the configuration file's directory.
func New(configPath string, ov Overrides) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	scenePath := cfg.Scene
	if !filepath.IsAbs(scenePath) {
		scenePath = filepath.Join(filepath.Dir(configPath), scenePath)
	}
	if ov.Scene != "" {
		scenePath = ov.Scene
	}
	if ov.Device != "" {
		cfg.Device.Path = ov.Device
	}
	if ov.PreviewOnly {
		cfg.Device.Path = ""
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"scene", scenePath,
		"device", cfg.Device.Path,
		"canvas", fmt.Sprintf("%dx%d@%g", cfg.Canvas.Width, cfg.Canvas.Height, cfg.Canvas.FPS),
	)
	return NewWithConfig(cfg, scenePath), nil
}

// NewWithConfig builds the daemon from an already validated configuration.
func NewWithConfig(cfg *config.Config, scenePath string) *Daemon {
	seg := segment.NewClient(segment.Config{
		URL:        cfg.Segmentation.URL,
		Scale:      cfg.Segmentation.Scale,
		BinaryMask: cfg.Segmentation.BinaryMask,
		Timeout:    cfg.SegmentationTimeout(),
	})
	builder := &scene.Builder{
		Path:      scenePath,
		Clock:     provider.SystemClock{},
		Segmenter: seg,
		Camera:    openCamera,
	}
	comp := compositor.New(compositor.Config{
		Width:  cfg.Canvas.Width,
		Height: cfg.Canvas.Height,
		FPS:    cfg.Canvas.FPS,
	}, builder)

	return &Daemon{
		cfg:       cfg,
		scenePath: scenePath,
		comp:      comp,
		seg:       seg,
		hub:       preview.NewHub(),
	}
}

func openCamera(spec scene.ProviderSpec, dim frame.Size) (provider.Provider, error) {
	c, err := camera.New(camera.Config{
		Device: spec.Device,
		Width:  spec.Width,
		Height: spec.Height,
		FPS:    spec.FPS,
	}, dim)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Compositor exposes the render engine.
func (d *Daemon) Compositor() *compositor.Compositor { return d.comp }

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (d *Daemon) ShutdownTimeout() time.Duration { return d.cfg.ShutdownTimeout() }

// Run loads the scene, starts every output and control surface, and blocks
// until ctx is done or a shutdown command arrives.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	d.isRunning = true
	d.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	d.cancelCtx = cancel
	d.mu.Unlock()
	defer cancel()

	slog.Info("caman service starting", "instance_id", d.cfg.InstanceID)

	if err := d.comp.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load scene: %w", err)
	}

	var sink compositor.Sink
	if d.cfg.Device.Path != "" {
		pf, err := v4l2.ParseFormat(d.cfg.Device.Format)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDevice, err)
		}
		dev, err := v4l2.Open(d.cfg.Device.Path, d.cfg.Canvas.Width, d.cfg.Canvas.Height, pf)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDevice, err)
		}
		d.device = dev
		sink = dev
	} else {
		slog.Warn("no output device configured, rendering for preview only")
	}

	var pub compositor.Publisher
	if d.cfg.HTTP.Addr != "" {
		d.preview = preview.NewServer(preview.Config{
			Addr:       d.cfg.HTTP.Addr,
			InstanceID: d.cfg.InstanceID,
		}, d.comp, d.hub)
		if err := d.preview.Start(); err != nil {
			return err
		}
		pub = d.hub
	}

	if d.cfg.MQTT.Broker != "" {
		if err := d.startControl(ctx); err != nil {
			return err
		}
	}

	if d.cfg.WatchScene {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			err := scene.Watch(ctx, d.scenePath, scene.DefaultDebounce, func() {
				if err := d.reload(); err != nil {
					slog.Error("scene reload failed", "error", err)
				}
			})
			if err != nil {
				slog.Error("scene watch failed", "error", err)
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.comp.StartStatsLogger(ctx, statsInterval)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.comp.Run(ctx, sink, pub); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("render loop failed", "error", err)
			cancel()
		}
	}()

	slog.Info("caman service running",
		"device", d.cfg.Device.Path,
		"format", d.cfg.Device.Format,
		"preview", d.cfg.HTTP.Addr,
		"control", d.cfg.MQTT.Broker != "",
	)

	<-ctx.Done()
	slog.Info("caman service run loop exiting")
	return nil
}

func (d *Daemon) startControl(ctx context.Context) error {
	client, err := control.Connect(ctx, d.cfg.MQTT, d.cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}
	d.mqtt = client

	d.control = control.NewHandler(d.cfg.MQTT, client, control.CommandCallbacks{
		OnGetStatus: d.getStatus,
		OnReload:    d.reload,
		OnKey: func(key int) bool {
			return d.comp.Command(provider.Event{Key: key})
		},
		OnPointerDown: func(x, y int) (string, uint64, bool) {
			g, ok := d.comp.PointerDown(x, y)
			return g.Handle.String(), g.ID, ok
		},
		OnPointerMove:     d.comp.PointerMove,
		OnPointerUp:       d.comp.PointerUp,
		OnCancelDrag:      d.comp.CancelDrag,
		OnSetLayerEnabled: d.comp.SetLayerEnabled,
		OnShutdown:        d.shutdownViaControl,
	})
	if err := d.control.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	d.reporter = control.NewReporter(d.cfg.MQTT, client)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reporter.Run(ctx, statusInterval, func() interface{} { return d.getStatus() })
	}()
	return nil
}

func (d *Daemon) reload() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout())
	defer cancel()
	return d.comp.Reload(ctx)
}

func (d *Daemon) shutdownViaControl() error {
	d.mu.RLock()
	cancel := d.cancelCtx
	d.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	cancel()
	return nil
}

func (d *Daemon) getStatus() map[string]interface{} {
	d.mu.RLock()
	uptime := time.Since(d.started)
	d.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id":    d.cfg.InstanceID,
		"uptime_seconds": int64(uptime.Seconds()),
		"compositor":     d.comp.Stats(),
		"segmentation":   d.seg.Stats(),
		"preview":        d.hub.Stats(),
	}
	if d.device != nil {
		status["device"] = d.device.Stats()
	}
	if d.reporter != nil {
		status["status_reports"] = d.reporter.Stats()
	}
	return status
}

// Shutdown stops every component: control plane, render loop and helpers,
// layer workers, preview and device, then the broker connection.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancelCtx
	d.mu.Unlock()

	slog.Info("shutting down caman service")

	if d.control != nil {
		if err := d.control.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	if cancel != nil {
		cancel()
	}
	slog.Info("waiting for goroutines to finish")
	d.wg.Wait()

	var errs []error
	if err := d.comp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("compositor: %w", err))
	}
	if d.preview != nil {
		if err := d.preview.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.device != nil {
		if err := d.device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device: %w", err))
		}
	}
	if d.mqtt != nil && d.mqtt.IsConnected() {
		d.mqtt.Disconnect(250)
		slog.Info("mqtt disconnected")
	}

	d.mu.Lock()
	uptime := time.Since(d.started)
	d.isRunning = false
	d.mu.Unlock()

	slog.Info("caman service shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}

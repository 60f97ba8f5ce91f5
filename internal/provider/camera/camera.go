// Package camera is a GStreamer-backed V4L2 capture source for provider chains.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/mPyKen/Caman/internal/frame"
	"github.com/mPyKen/Caman/internal/provider"
)

// Camera streams frames from a capture device. A pipeline error or end of
// stream exhausts the source; Reset rebuilds the pipeline.
type Camera struct {
	cfg Config

	mu       sync.Mutex
	dim      frame.Size
	elements *cameraPipeline
	frames   chan capturedFrame
	failed   chan error
	cancel   context.CancelFunc
	monitor  sync.WaitGroup

	seq     uint64
	dropped uint64
}

var _ provider.Provider = (*Camera)(nil)

// New opens the device and starts the pipeline.
func New(cfg Config, dim frame.Size) (*Camera, error) {
	if cfg.Device == "" {
		cfg.Device = "/dev/video0"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	c := &Camera{cfg: cfg, dim: dim}
	if err := c.Reset(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reset tears down any running pipeline and starts a fresh one.
func (c *Camera) Reset() error {
	_ = c.Stop()

	elements, err := createCameraPipeline(c.cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", provider.ErrOpen, err)
	}

	frames := make(chan capturedFrame, 1)
	sctx := &sampleContext{
		frames:  frames,
		seq:     &c.seq,
		dropped: &c.dropped,
		width:   c.cfg.Width,
		height:  c.cfg.Height,
	}
	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return onNewSample(sink, sctx)
		},
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		_ = elements.destroy()
		return fmt.Errorf("%w: camera %s: start pipeline: %w", provider.ErrOpen, c.cfg.Device, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	failed := make(chan error, 1)

	c.mu.Lock()
	c.elements, c.frames, c.failed, c.cancel = elements, frames, failed, cancel
	c.mu.Unlock()

	c.monitor.Add(1)
	go func() {
		defer c.monitor.Done()
		if err := c.watchBus(ctx, elements.Pipeline); err != nil {
			failed <- err
		}
	}()

	slog.Info("camera: pipeline started",
		"device", c.cfg.Device,
		"width", c.cfg.Width,
		"height", c.cfg.Height,
		"fps", c.cfg.FPS,
	)
	return nil
}

// watchBus polls the pipeline bus until EOS, error or cancellation.
func (c *Camera) watchBus(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("camera: end of stream",
				"device", c.cfg.Device,
				"uptime", time.Since(started),
				"frames", atomic.LoadUint64(&c.seq),
			)
			return fmt.Errorf("camera: end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyError(gerr.Error(), gerr.DebugString())
			slog.Error("camera: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"device", c.cfg.Device,
				"frames", atomic.LoadUint64(&c.seq),
				"dropped", atomic.LoadUint64(&c.dropped),
			)
			return fmt.Errorf("camera: pipeline error [%s]: %s", category, gerr.Error())
		}
	}
}

func (c *Camera) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	c.mu.Lock()
	frames, failed := c.frames, c.failed
	c.mu.Unlock()
	if frames == nil {
		return nil, nil, false
	}

	select {
	case f := <-frames:
		return c.fit(f.img), nil, true
	case <-failed:
		return nil, nil, false
	case <-ctx.Done():
		return nil, nil, true
	}
}

func (c *Camera) fit(img *frame.Image) *frame.Image {
	c.mu.Lock()
	t := c.dim.Resolve(img.Size())
	c.mu.Unlock()
	if !t.Resolved() || t == img.Size() {
		return img
	}
	return frame.Resize(img, t.W, t.H)
}

// Stop halts the pipeline and the bus monitor. Idempotent.
func (c *Camera) Stop() error {
	c.mu.Lock()
	elements, cancel := c.elements, c.cancel
	c.elements, c.frames, c.failed, c.cancel = nil, nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.monitor.Wait()
	return elements.destroy()
}

func (c *Camera) SetParams(p provider.Params) {
	if p.Dimension == nil {
		return
	}
	c.mu.Lock()
	c.dim = *p.Dimension
	c.mu.Unlock()
}

func (c *Camera) Command(provider.Event) bool { return false }

// Dropped returns the number of frames discarded because the consumer was busy.
func (c *Camera) Dropped() uint64 { return atomic.LoadUint64(&c.dropped) }

package compositor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mPyKen/Caman/internal/frame"
)

// Sink consumes every rendered frame synchronously, like the virtual camera
// device.
type Sink interface {
	WriteFrame(img *frame.Image) error
}

// Publisher receives rendered frames for previews. Publish must not block.
type Publisher interface {
	Publish(f *Frame)
}

// Frame is one rendered tick.
type Frame struct {
	Seq     uint64
	TraceID string
	At      time.Time
	Image   *frame.Image
}

// Last returns the most recently rendered frame, or nil before the first
// tick.
func (c *Compositor) Last() *Frame { return c.last.Load() }

// Tick renders one frame, writes it to sink and hands it to pub. Either may
// be nil.
func (c *Compositor) Tick(sink Sink, pub Publisher) *Frame {
	start := time.Now()
	f := &Frame{
		Seq:     c.seq.Add(1),
		TraceID: uuid.New().String(),
		At:      start,
		Image:   c.Render(),
	}
	c.last.Store(f)

	if sink != nil {
		if err := sink.WriteFrame(f.Image); err != nil {
			n := c.stats.sinkError()
			if n == 1 || n%100 == 0 {
				slog.Warn("compositor: sink write failed",
					"error", err,
					"seq", f.Seq,
					"trace_id", f.TraceID,
					"failures", n,
				)
			}
		}
	}
	if pub != nil {
		pub.Publish(f)
	}
	c.stats.record(start, time.Since(start))
	return f
}

// Run ticks at the configured rate until ctx is done.
func (c *Compositor) Run(ctx context.Context, sink Sink, pub Publisher) error {
	interval := time.Duration(float64(time.Second) / c.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("compositor: render loop started",
		"width", c.cfg.Width,
		"height", c.cfg.Height,
		"fps", c.cfg.FPS,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("compositor: render loop stopped", "frames", c.seq.Load())
			return ctx.Err()
		case <-ticker.C:
			c.Tick(sink, pub)
		}
	}
}

// StartStatsLogger logs render statistics every interval until ctx is done.
func (c *Compositor) StartStatsLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.Stats()
			slog.Info("compositor: render stats",
				"frames", s.Frames,
				"fps_mean", s.FPS.Mean,
				"fps_stddev", s.FPS.StdDev,
				"jitter_max_ms", s.FPS.JitterMax*1000,
				"render_ms", s.RenderMeanMS,
				"sink_errors", s.SinkErrors,
				"layers", len(s.Layers),
			)
		}
	}
}

// Package compositor flattens a set of layers over a background into one
// canvas-sized frame, and owns the layers' lifecycle.
//
// The compositor is the single owner of every layer worker: Reload stops and
// joins the whole previous set before the loader builds the next one, and
// Shutdown joins whatever is left.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mPyKen/Caman/internal/frame"
	"github.com/mPyKen/Caman/internal/layer"
)

// ErrClosed is returned by operations on a compositor after Shutdown.
var ErrClosed = errors.New("compositor: closed")

// Scene is what a loader produces for a canvas: a background and the layers
// in load order.
type Scene struct {
	Background *frame.Image
	Layers     []*layer.Layer
}

// Loader builds a scene for the given canvas size.
type Loader interface {
	Load(ctx context.Context, width, height int) (*Scene, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, width, height int) (*Scene, error)

func (f LoaderFunc) Load(ctx context.Context, width, height int) (*Scene, error) {
	return f(ctx, width, height)
}

// Config is the fixed canvas geometry and tick rate.
type Config struct {
	Width  int
	Height int
	FPS    float64

	// JoinTimeout bounds how long Reload and Shutdown wait for one worker.
	JoinTimeout time.Duration
}

// Compositor renders layers onto the canvas.
type Compositor struct {
	cfg    Config
	loader Loader

	// base outlives individual reload requests; workers run under it.
	base   context.Context
	cancel context.CancelFunc

	// reloadMu serializes Reload and Shutdown.
	reloadMu sync.Mutex
	closed   bool

	mu         sync.RWMutex
	background *frame.Image
	layers     []*layer.Layer

	edit editor

	stats   *renderStats
	last    atomic.Pointer[Frame]
	seq     atomic.Uint64
	reloads atomic.Uint64
}

// New creates a compositor with a plain background. Call Reload to load the
// first scene.
func New(cfg Config, loader Loader) *Compositor {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Compositor{
		cfg:        cfg,
		loader:     loader,
		base:       base,
		cancel:     cancel,
		background: frame.NewImage(cfg.Width, cfg.Height),
		stats:      newRenderStats(statsWindow),
	}
}

// Size returns the canvas geometry.
func (c *Compositor) Size() frame.Size {
	return frame.Size{W: c.cfg.Width, H: c.cfg.Height}
}

// Layers returns the current layer set in load order.
func (c *Compositor) Layers() []*layer.Layer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.layers)
}

// Layer looks a layer up by name.
func (c *Compositor) Layer(name string) (*layer.Layer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, l := range c.layers {
		if l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

// SetLayerEnabled toggles a layer by name.
func (c *Compositor) SetLayerEnabled(name string, on bool) error {
	l, ok := c.Layer(name)
	if !ok {
		return fmt.Errorf("compositor: unknown layer %q", name)
	}
	l.SetEnabled(on)
	return nil
}

// Reload replaces the whole scene. Every worker of the previous set is
// stopped and joined before the loader runs. If a worker cannot be joined
// the new set is not started. A loader failure leaves the canvas with the
// previous background and no layers.
func (c *Compositor) Reload(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()
	if c.closed {
		return ErrClosed
	}

	start := time.Now()
	c.edit.cancel()

	c.mu.Lock()
	old := c.layers
	c.layers = nil
	c.mu.Unlock()

	if err := c.stopAll(ctx, old); err != nil {
		return fmt.Errorf("compositor: reload: %w", err)
	}

	scene, err := c.loader.Load(ctx, c.cfg.Width, c.cfg.Height)
	if err != nil {
		return fmt.Errorf("compositor: reload: load scene: %w", err)
	}

	bg := c.fitBackground(scene.Background)
	for _, l := range scene.Layers {
		if err := l.Start(c.base); err != nil {
			slog.Warn("compositor: layer failed to start, disabling",
				"layer", l.Name(),
				"error", err,
			)
			l.Disable()
		}
	}

	c.mu.Lock()
	c.background = bg
	c.layers = scene.Layers
	c.mu.Unlock()

	c.reloads.Add(1)
	slog.Info("compositor: reload complete",
		"layers", len(scene.Layers),
		"stopped", len(old),
		"duration", time.Since(start),
	)
	return nil
}

// stopAll signals every layer, then joins each one. Signalling first lets
// workers wind down in parallel.
func (c *Compositor) stopAll(ctx context.Context, layers []*layer.Layer) error {
	for _, l := range layers {
		l.Stop()
	}
	var errs []error
	for _, l := range layers {
		wctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
		err := l.Wait(wctx)
		cancel()
		if err != nil {
			slog.Error("compositor: worker did not stop", "layer", l.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fitBackground scales bg to the canvas. nil yields black.
func (c *Compositor) fitBackground(bg *frame.Image) *frame.Image {
	if !bg.Valid() {
		return frame.NewImage(c.cfg.Width, c.cfg.Height)
	}
	if bg.W != c.cfg.Width || bg.H != c.cfg.Height {
		return frame.Resize(bg, c.cfg.Width, c.cfg.Height)
	}
	return bg
}

// Shutdown stops and joins every worker. Further reloads fail with
// ErrClosed.
func (c *Compositor) Shutdown(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.edit.cancel()

	c.mu.Lock()
	layers := c.layers
	c.layers = nil
	c.mu.Unlock()

	err := c.stopAll(ctx, layers)
	c.cancel()
	slog.Info("compositor: shutdown complete", "layers", len(layers))
	return err
}

// ordered returns enabled layers in ascending z, ties in load order.
func (c *Compositor) ordered() (*frame.Image, []*layer.Layer) {
	c.mu.RLock()
	bg := c.background
	ls := make([]*layer.Layer, 0, len(c.layers))
	for _, l := range c.layers {
		if l.Enabled() {
			ls = append(ls, l)
		}
	}
	c.mu.RUnlock()

	slices.SortStableFunc(ls, func(a, b *layer.Layer) int { return a.Z() - b.Z() })
	return bg, ls
}

// Render composes one frame: a copy of the background, then every enabled
// layer in ascending z. Layers are read one at a time; there is no
// cross-layer snapshot.
func (c *Compositor) Render() *frame.Image {
	bg, ls := c.ordered()
	out := bg.Clone()
	canvas := out.Bounds()
	for _, l := range ls {
		c.drawLayer(out, canvas, l)
	}
	return out
}

func (c *Compositor) drawLayer(dst *frame.Image, canvas image.Rectangle, l *layer.Layer) {
	src := l.ReadImage()
	if src == nil {
		return
	}
	w := l.ReadMask()
	if w != nil && (w.W != src.W || w.H != src.H) {
		// writer is between image and mask; skip this tick
		return
	}

	pos := l.Position()
	r := image.Rect(pos.X, pos.Y, pos.X+src.W, pos.Y+src.H).Intersect(canvas)
	if r.Empty() {
		slog.Warn("compositor: layer outside canvas, disabling", "layer", l.Name(), "position", pos)
		l.Disable()
		return
	}

	sx, sy := r.Min.X-pos.X, r.Min.Y-pos.Y
	n := r.Dx() * frame.Channels
	for y := 0; y < r.Dy(); y++ {
		di := dst.Offset(r.Min.X, r.Min.Y+y)
		si := src.Offset(sx, sy+y)
		if w == nil {
			copy(dst.Pix[di:di+n], src.Pix[si:si+n])
			continue
		}
		blendRow(dst.Pix[di:di+n], src.Pix[si:si+n], w, (sy+y)*src.W+sx)
	}
}

// blendRow applies dst = src*a + dst*(1-a) per channel. mi indexes the
// first weight of the row.
func blendRow(dst, src []uint8, w *frame.Weights, mi int) {
	for i := 0; i < len(dst); i += frame.Channels {
		a, inv := w.Alpha[mi], w.Inv[mi]
		mi++
		switch {
		case a >= 1:
			dst[i], dst[i+1], dst[i+2] = src[i], src[i+1], src[i+2]
		case a <= 0:
		default:
			for ch := 0; ch < frame.Channels; ch++ {
				dst[i+ch] = uint8(float32(src[i+ch])*a + float32(dst[i+ch])*inv + 0.5)
			}
		}
	}
}

// FindLayerAt returns the topmost enabled layer containing (x, y).
func (c *Compositor) FindLayerAt(x, y int) (*layer.Layer, bool) {
	_, ls := c.ordered()
	p := image.Pt(x, y)
	for i := len(ls) - 1; i >= 0; i-- {
		if p.In(ls[i].Rect()) {
			return ls[i], true
		}
	}
	return nil, false
}

// Reloads returns how many reloads completed.
func (c *Compositor) Reloads() uint64 { return c.reloads.Load() }

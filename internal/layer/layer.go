// Package layer holds positioned, z-ordered image slots fed by provider chains.
//
// A Layer's image and mask are written by one producer (its worker, or the
// loader for static layers) and read by many consumers (render loop, editor,
// relays). Each buffer has its own short-held lock around copy-in/copy-out.
package layer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mPyKen/Caman/internal/frame"
	"github.com/mPyKen/Caman/internal/provider"
)

// ErrDegenerate is returned for a resize target with zero or negative area.
var ErrDegenerate = errors.New("layer: degenerate rectangle")

// Config describes a layer at load time.
type Config struct {
	Name     string
	Position image.Point
	Size     frame.Size // frame.Auto dimensions are resolved from the first frame
	Z        int
}

// Layer is a positioned slot holding the latest image and mask of a provider
// chain.
type Layer struct {
	name string
	prov provider.Provider

	geoMu   sync.RWMutex
	pos     image.Point
	size    frame.Size
	z       int
	enabled bool

	imgMu sync.Mutex
	img   *frame.Image

	maskMu  sync.Mutex
	weights *frame.Weights

	published atomic.Uint64
	lastAt    atomic.Int64

	// set for animated layers
	w *worker
}

// New creates a static layer. Call Load to pull its image.
func New(cfg Config, prov provider.Provider) *Layer {
	return &Layer{
		name:    cfg.Name,
		prov:    prov,
		pos:     cfg.Position,
		size:    cfg.Size,
		z:       cfg.Z,
		enabled: true,
	}
}

// Name returns the configured name.
func (l *Layer) Name() string { return l.name }

// Provider returns the head of the layer's chain.
func (l *Layer) Provider() provider.Provider { return l.prov }

// Z returns the stacking order. It is remembered while disabled.
func (l *Layer) Z() int {
	l.geoMu.RLock()
	defer l.geoMu.RUnlock()
	return l.z
}

// SetZ changes the stacking order.
func (l *Layer) SetZ(z int) {
	l.geoMu.Lock()
	defer l.geoMu.Unlock()
	l.z = z
}

// Enabled reports whether the layer takes part in rendering.
func (l *Layer) Enabled() bool {
	l.geoMu.RLock()
	defer l.geoMu.RUnlock()
	return l.enabled
}

// SetEnabled toggles the layer without touching its z-order.
func (l *Layer) SetEnabled(on bool) {
	l.geoMu.Lock()
	changed := l.enabled != on
	l.enabled = on
	l.geoMu.Unlock()
	if changed {
		slog.Info("layer: enabled changed", "layer", l.name, "enabled", on)
	}
}

// Disable is shorthand for SetEnabled(false).
func (l *Layer) Disable() { l.SetEnabled(false) }

// Position returns the top-left corner in canvas coordinates.
func (l *Layer) Position() image.Point {
	l.geoMu.RLock()
	defer l.geoMu.RUnlock()
	return l.pos
}

// Size returns the configured size, possibly still unresolved.
func (l *Layer) Size() frame.Size {
	l.geoMu.RLock()
	defer l.geoMu.RUnlock()
	return l.size
}

// Rect returns the layer rectangle in canvas coordinates. Unresolved sizes
// fall back to the current image size.
func (l *Layer) Rect() image.Rectangle {
	l.geoMu.RLock()
	pos, size := l.pos, l.size
	l.geoMu.RUnlock()

	if !size.Resolved() {
		l.imgMu.Lock()
		if l.img != nil {
			size = size.Resolve(l.img.Size())
		}
		l.imgMu.Unlock()
	}
	if !size.Resolved() {
		return image.Rectangle{Min: pos, Max: pos}
	}
	return image.Rect(pos.X, pos.Y, pos.X+size.W, pos.Y+size.H)
}

// Move translates the layer without resizing it.
func (l *Layer) Move(pos image.Point) {
	l.geoMu.Lock()
	defer l.geoMu.Unlock()
	l.pos = pos
}

// WriteImage publishes img. The layer takes ownership.
func (l *Layer) WriteImage(img *frame.Image) {
	l.imgMu.Lock()
	defer l.imgMu.Unlock()
	l.img = img
}

// WriteMask publishes mask as normalized weights. nil clears the mask and
// its complement.
func (l *Layer) WriteMask(mask *frame.Mask) {
	w := frame.NewWeights(mask)
	l.maskMu.Lock()
	defer l.maskMu.Unlock()
	l.weights = w
}

// ReadImage returns a copy of the current image, or nil.
func (l *Layer) ReadImage() *frame.Image {
	l.imgMu.Lock()
	defer l.imgMu.Unlock()
	return l.img.Clone()
}

// ReadMask returns a copy of the current weights, or nil for fully opaque.
func (l *Layer) ReadMask() *frame.Weights {
	l.maskMu.Lock()
	defer l.maskMu.Unlock()
	return l.weights.Clone()
}

// publish writes a produced frame, scaling it to the layer size when the
// size is resolved and differs.
func (l *Layer) publish(img *frame.Image, mask *frame.Mask) {
	size := l.Size()
	if size.Resolved() && img.Size() != size {
		img = frame.Resize(img, size.W, size.H)
		if mask != nil {
			mask = frame.ResizeMask(mask, size.W, size.H)
		}
	}
	if mask != nil && mask.Size() != img.Size() {
		mask = frame.ResizeMask(mask, img.W, img.H)
	}
	l.WriteImage(img)
	l.WriteMask(mask)
	l.published.Add(1)
	l.lastAt.Store(time.Now().UnixNano())
}

// resolveFrom fills unresolved dimensions from a produced frame and pushes
// the result into the chain. It reports whether anything changed.
func (l *Layer) resolveFrom(native frame.Size) bool {
	l.geoMu.Lock()
	if l.size.Resolved() {
		l.geoMu.Unlock()
		return false
	}
	l.size = l.size.Resolve(native)
	size := l.size
	l.geoMu.Unlock()

	l.prov.SetParams(provider.WithDimension(size))
	slog.Debug("layer: size resolved", "layer", l.name, "size", size.String())
	return true
}

// Load pulls one frame synchronously. A static layer is loaded once and on
// every resize; an exhausted provider disables the layer.
func (l *Layer) Load(ctx context.Context) error {
	img, mask, ok := l.prov.Next(ctx)
	if !ok {
		l.Disable()
		return fmt.Errorf("layer %s: provider exhausted on load", l.name)
	}
	if img == nil {
		return nil
	}
	l.resolveFrom(img.Size())
	l.publish(img, mask)
	return nil
}

// Resize moves and resizes the layer. Auto dimensions are derived from the
// current image. A degenerate target disables the layer and leaves the
// image untouched. Otherwise the cached image and mask are rescaled to
// exactly the target and the new dimension is pushed into the chain.
func (l *Layer) Resize(pos image.Point, size frame.Size) error {
	if l.w != nil {
		l.w.gate.pause()
		defer l.w.gate.resume()
	}
	return l.resize(pos, size)
}

func (l *Layer) resize(pos image.Point, size frame.Size) error {
	if size.Degenerate() {
		l.Disable()
		slog.Warn("layer: degenerate resize, disabling", "layer", l.name, "size", size.String())
		return fmt.Errorf("%w: %s", ErrDegenerate, size)
	}

	l.imgMu.Lock()
	var native frame.Size
	if l.img != nil {
		native = l.img.Size()
	}
	l.imgMu.Unlock()

	target := size
	if native.Resolved() {
		target = size.Resolve(native)
	}

	l.geoMu.Lock()
	l.pos = pos
	l.size = target
	l.geoMu.Unlock()

	if target.Resolved() {
		l.imgMu.Lock()
		if l.img != nil && l.img.Size() != target {
			l.img = frame.Resize(l.img, target.W, target.H)
		}
		l.imgMu.Unlock()

		l.maskMu.Lock()
		if l.weights != nil && (l.weights.W != target.W || l.weights.H != target.H) {
			l.weights = frame.NewWeights(frame.ResizeMask(l.weights.Mask(), target.W, target.H))
		}
		l.maskMu.Unlock()
	}

	l.prov.SetParams(provider.WithDimension(target))

	if l.w == nil {
		img, mask, ok := l.prov.Next(context.Background())
		if ok && img != nil {
			l.publish(img, mask)
		}
	}
	return nil
}

// Command routes a controller event into the chain.
func (l *Layer) Command(ev provider.Event) bool {
	return l.prov.Command(ev)
}

// Stats is a snapshot of per-layer counters.
type Stats struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Z         int       `json:"z"`
	Animated  bool      `json:"animated"`
	Running   bool      `json:"running"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Published uint64    `json:"frames_published"`
	LastFrame time.Time `json:"last_frame,omitempty"`
}

// Stats returns the current counters and geometry.
func (l *Layer) Stats() Stats {
	r := l.Rect()
	s := Stats{
		Name:      l.name,
		Enabled:   l.Enabled(),
		Z:         l.Z(),
		Animated:  l.w != nil,
		Running:   l.Running(),
		X:         r.Min.X,
		Y:         r.Min.Y,
		Width:     r.Dx(),
		Height:    r.Dy(),
		Published: l.published.Load(),
	}
	if ns := l.lastAt.Load(); ns > 0 {
		s.LastFrame = time.Unix(0, ns)
	}
	return s
}

package provider

import (
	"context"
	"sync/atomic"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/mPyKen/Caman/internal/frame"
)

// Filter applies an image transform to its child's frames while toggled on.
// Each press of its key flips the toggle; odd press counts mean on.
type Filter struct {
	decorator
	name    string
	key     int
	apply   func(*frame.Image) *frame.Image
	presses atomic.Int64
}

// Active reports whether the filter is currently applied.
func (f *Filter) Active() bool { return f.presses.Load()%2 == 1 }

// Name identifies the filter in logs and status output.
func (f *Filter) Name() string { return f.name }

func (f *Filter) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	img, mask, ok := f.child.Next(ctx)
	if img == nil || !f.Active() {
		return img, mask, ok
	}
	return f.apply(img), mask, ok
}

func (f *Filter) Command(ev Event) bool {
	if ev.Key == f.key {
		f.presses.Add(1)
		return true
	}
	return f.child.Command(ev)
}

func newFilter(name string, child Provider, key int, on bool, apply func(*frame.Image) *frame.Image) *Filter {
	f := &Filter{decorator: decorator{child: child}, name: name, key: key, apply: apply}
	if on {
		f.presses.Store(1)
	}
	return f
}

// DefaultSmoothingRadius is the Gaussian radius used by NewSmoothing.
const DefaultSmoothingRadius = 3.0

// NewSmoothing blurs frames with a Gaussian kernel.
func NewSmoothing(child Provider, key int, on bool) *Filter {
	return newFilter("smoothing", child, key, on, func(img *frame.Image) *frame.Image {
		return frame.FromRGBA(blur.Gaussian(img.RGBA(), DefaultSmoothingRadius))
	})
}

// NewInvert inverts every channel.
func NewInvert(child Provider, key int, on bool) *Filter {
	return newFilter("invert", child, key, on, func(img *frame.Image) *frame.Image {
		return frame.FromRGBA(effect.Invert(img.RGBA()))
	})
}

// NewHologram applies Hologram.
func NewHologram(child Provider, key int, on bool) *Filter {
	return newFilter("hologram", child, key, on, Hologram)
}

const (
	holoBandLength = 2
	holoBandGap    = 3
	holoBandFactor = 0.2
	holoGhostShift = 5
)

// winter maps luma to the blue-to-green "winter" palette, stored as B,G,R.
var winter = func() (lut [256][3]uint8) {
	from := colorful.Color{R: 0, G: 0, B: 1}
	to := colorful.Color{R: 0, G: 1, B: 0.5}
	for i := range lut {
		c := from.BlendRgb(to, float64(i)/255).Clamped()
		r, g, b := c.RGB255()
		lut[i] = [3]uint8{b, g, r}
	}
	return lut
}()

// Hologram tints a frame with the winter palette, darkens every
// holoBandLength rows out of holoBandLength+holoBandGap, blends two offset
// ghosts of the tint and adds the result over the original.
func Hologram(img *frame.Image) *frame.Image {
	w, h := img.W, img.H
	gray := img.Gray()

	holo := make([]float32, len(img.Pix))
	for y := 0; y < h; y++ {
		factor := float32(1)
		if y%(holoBandLength+holoBandGap) < holoBandLength {
			factor = holoBandFactor
		}
		for x := 0; x < w; x++ {
			c := winter[gray.Pix[y*gray.Stride+x]]
			i := (y*w + x) * frame.Channels
			for k := 0; k < frame.Channels; k++ {
				holo[i+k] = float32(uint8(float32(c[k]) * factor))
			}
		}
	}

	at := func(x, y, k int) float32 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return holo[(y*w+x)*frame.Channels+k]
	}

	out := frame.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * frame.Channels
			for k := 0; k < frame.Channels; k++ {
				ghost := 0.2*holo[i+k] + 0.8*at(x-holoGhostShift, y-holoGhostShift, k)
				ghost = float32(saturate(ghost))
				ghost = 0.4*ghost + 0.6*at(x+holoGhostShift, y+holoGhostShift, k)
				ghost = float32(saturate(ghost))
				out.Pix[i+k] = saturate(0.5*float32(img.Pix[i+k]) + 0.6*ghost)
			}
		}
	}
	return out
}

func saturate(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

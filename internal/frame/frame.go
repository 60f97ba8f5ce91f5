// Package frame holds the pixel containers shared by providers, layers, the
// compositor and the device encoder.
//
// Images are dense 3-channel 8-bit buffers in B,G,R order. Transparency is
// carried next to the image as a Mask (8-bit, as produced by providers) or as
// Weights (normalized opacity plus its complement, as consumed by the
// compositor).
package frame

import (
	"image"
	"image/color"
)

// Channels is the fixed channel count of an Image.
const Channels = 3

// Image is a height x width x 3 BGR buffer with stride W*3.
type Image struct {
	W, H int
	Pix  []uint8
}

// NewImage allocates a black image.
func NewImage(w, h int) *Image {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return &Image{W: w, H: h, Pix: make([]uint8, w*h*Channels)}
}

// Filled allocates an image with every pixel set to (b, g, r).
func Filled(w, h int, b, g, r uint8) *Image {
	img := NewImage(w, h)
	for i := 0; i < len(img.Pix); i += Channels {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2] = b, g, r
	}
	return img
}

// Size returns the image geometry.
func (m *Image) Size() Size { return Size{W: m.W, H: m.H} }

// Valid reports whether the buffer length matches the geometry.
func (m *Image) Valid() bool {
	return m != nil && m.W > 0 && m.H > 0 && len(m.Pix) == m.W*m.H*Channels
}

// Clone returns a deep copy. Clone of nil is nil.
func (m *Image) Clone() *Image {
	if m == nil {
		return nil
	}
	c := &Image{W: m.W, H: m.H, Pix: make([]uint8, len(m.Pix))}
	copy(c.Pix, m.Pix)
	return c
}

// Equal reports pixel equality.
func (m *Image) Equal(o *Image) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.W != o.W || m.H != o.H || len(m.Pix) != len(o.Pix) {
		return false
	}
	for i := range m.Pix {
		if m.Pix[i] != o.Pix[i] {
			return false
		}
	}
	return true
}

// Offset returns the index of pixel (x, y) in Pix.
func (m *Image) Offset(x, y int) int { return (y*m.W + x) * Channels }

// BGR returns the channels of pixel (x, y).
func (m *Image) BGR(x, y int) (b, g, r uint8) {
	i := m.Offset(x, y)
	return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
}

// SetBGR writes the channels of pixel (x, y).
func (m *Image) SetBGR(x, y int, b, g, r uint8) {
	i := m.Offset(x, y)
	m.Pix[i], m.Pix[i+1], m.Pix[i+2] = b, g, r
}

// ColorModel implements image.Image.
func (m *Image) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (m *Image) Bounds() image.Rectangle { return image.Rect(0, 0, m.W, m.H) }

// At implements image.Image.
func (m *Image) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return color.RGBA{}
	}
	b, g, r := m.BGR(x, y)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

// Set implements draw.Image. Alpha is dropped.
func (m *Image) Set(x, y int, c color.Color) {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	m.SetBGR(x, y, n.B, n.G, n.R)
}

// Mask is an 8-bit opacity plane, 0 transparent and 255 opaque.
type Mask struct {
	W, H int
	Pix  []uint8
}

// NewMask allocates a fully transparent mask.
func NewMask(w, h int) *Mask {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return &Mask{W: w, H: h, Pix: make([]uint8, w*h)}
}

// OpaqueMask allocates a mask with every value set to 255.
func OpaqueMask(w, h int) *Mask {
	m := NewMask(w, h)
	for i := range m.Pix {
		m.Pix[i] = 0xff
	}
	return m
}

// Size returns the mask geometry.
func (m *Mask) Size() Size { return Size{W: m.W, H: m.H} }

// Clone returns a deep copy. Clone of nil is nil.
func (m *Mask) Clone() *Mask {
	if m == nil {
		return nil
	}
	c := &Mask{W: m.W, H: m.H, Pix: make([]uint8, len(m.Pix))}
	copy(c.Pix, m.Pix)
	return c
}

// Gray views the mask as an *image.Gray sharing the same buffer.
func (m *Mask) Gray() *image.Gray {
	return &image.Gray{Pix: m.Pix, Stride: m.W, Rect: image.Rect(0, 0, m.W, m.H)}
}

// Weights is a normalized mask in [0,1] with its precomputed complement.
type Weights struct {
	W, H  int
	Alpha []float32
	Inv   []float32
}

// NewWeights normalizes an 8-bit mask. A nil mask yields nil weights.
func NewWeights(m *Mask) *Weights {
	if m == nil {
		return nil
	}
	w := &Weights{
		W:     m.W,
		H:     m.H,
		Alpha: make([]float32, len(m.Pix)),
		Inv:   make([]float32, len(m.Pix)),
	}
	for i, v := range m.Pix {
		a := float32(v) / 255
		w.Alpha[i] = a
		w.Inv[i] = 1 - a
	}
	return w
}

// Clone returns a deep copy. Clone of nil is nil.
func (w *Weights) Clone() *Weights {
	if w == nil {
		return nil
	}
	c := &Weights{
		W:     w.W,
		H:     w.H,
		Alpha: make([]float32, len(w.Alpha)),
		Inv:   make([]float32, len(w.Inv)),
	}
	copy(c.Alpha, w.Alpha)
	copy(c.Inv, w.Inv)
	return c
}

// Mask converts the weights back to an 8-bit plane.
func (w *Weights) Mask() *Mask {
	if w == nil {
		return nil
	}
	m := NewMask(w.W, w.H)
	for i, a := range w.Alpha {
		m.Pix[i] = uint8(a*255 + 0.5)
	}
	return m
}

package frame

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// Resize resamples img to exactly w x h with bilinear interpolation. A
// same-size request returns a copy.
func Resize(img *Image, w, h int) *Image {
	if img == nil || w <= 0 || h <= 0 {
		return nil
	}
	if img.W == w && img.H == h {
		return img.Clone()
	}
	src := img.RGBA()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return FromRGBA(dst)
}

// ResizeMask resamples m to exactly w x h with bilinear interpolation.
func ResizeMask(m *Mask, w, h int) *Mask {
	if m == nil || w <= 0 || h <= 0 {
		return nil
	}
	if m.W == w && m.H == h {
		return m.Clone()
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), m.Gray(), m.Gray().Bounds(), draw.Src, nil)
	return &Mask{W: w, H: h, Pix: dst.Pix}
}

// RGBA converts to an opaque *image.RGBA.
func (m *Image) RGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, m.W, m.H))
	for i, j := 0, 0; i < len(m.Pix); i, j = i+Channels, j+4 {
		out.Pix[j] = m.Pix[i+2]
		out.Pix[j+1] = m.Pix[i+1]
		out.Pix[j+2] = m.Pix[i]
		out.Pix[j+3] = 0xff
	}
	return out
}

// FromRGBA converts an *image.RGBA, dropping alpha.
func FromRGBA(src *image.RGBA) *Image {
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy())
	for y := 0; y < out.H; y++ {
		row := src.Pix[(y)*src.Stride:]
		for x := 0; x < out.W; x++ {
			s := row[x*4:]
			out.SetBGR(x, y, s[2], s[1], s[0])
		}
	}
	return out
}

// Gray converts to luma with the BT.601 weights.
func (m *Image) Gray() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, m.W, m.H))
	for i, j := 0, 0; i < len(m.Pix); i, j = i+Channels, j+1 {
		b, g, r := float32(m.Pix[i]), float32(m.Pix[i+1]), float32(m.Pix[i+2])
		out.Pix[j] = uint8(0.299*r + 0.587*g + 0.114*b + 0.5)
	}
	return out
}

// FromImage splits any image into a BGR Image and a Mask taken from the alpha
// channel. The mask is nil when every pixel is opaque.
func FromImage(src image.Image) (*Image, *Mask) {
	b := src.Bounds()
	img := NewImage(b.Dx(), b.Dy())
	mask := NewMask(b.Dx(), b.Dy())
	opaque := true
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			img.SetBGR(x, y, c.B, c.G, c.R)
			mask.Pix[y*mask.W+x] = c.A
			if c.A != 0xff {
				opaque = false
			}
		}
	}
	if opaque {
		return img, nil
	}
	return img, mask
}

package provider

import (
	"context"
	"sync"

	"github.com/mPyKen/Caman/internal/frame"
)

// HorizontalShift scrolls its child's frame horizontally as an endless
// strip. The strip is scaled to the output height and padded on the right
// with transparent columns; the padded strip repeats with period
// max(stripWidth, outWidth) + int(outWidth*pad).
//
// The child always receives an unresolved dimension so it produces native
// frames.
type HorizontalShift struct {
	decorator

	mu     sync.Mutex
	dim    frame.Size
	speed  int
	pad    float64
	offset int
}

// NewHorizontalShift wraps child. speed is the advance in columns per frame
// and pad the padding as a fraction of the output width.
func NewHorizontalShift(child Provider, dim frame.Size, speed int, pad float64) *HorizontalShift {
	h := &HorizontalShift{decorator: decorator{child: child}, dim: dim, speed: speed, pad: pad}
	child.SetParams(WithDimension(frame.AutoSize))
	return h
}

func (h *HorizontalShift) SetParams(p Params) {
	h.mu.Lock()
	if p.Speed != nil {
		h.speed = *p.Speed
		p.Speed = nil
	}
	if p.Pad != nil {
		h.pad = *p.Pad
		p.Pad = nil
	}
	if p.Dimension != nil {
		h.dim = *p.Dimension
		auto := frame.AutoSize
		p.Dimension = &auto
	}
	h.mu.Unlock()
	if !p.Empty() {
		h.child.SetParams(p)
	}
}

// Offset returns the current scroll offset in columns.
func (h *HorizontalShift) Offset() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

func (h *HorizontalShift) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	img, mask, ok := h.child.Next(ctx)
	if img == nil {
		return img, mask, ok
	}

	h.mu.Lock()
	dim, speed, pad, offset := h.dim, h.speed, h.pad, h.offset
	h.offset += speed
	h.mu.Unlock()

	if dim.IsAuto() {
		return img, mask, ok
	}
	out := dim.Resolve(img.Size())
	if !out.Resolved() {
		return img, mask, ok
	}

	strip, smask := scaleToHeight(img, mask, out.H)
	period := max(strip.W, out.W) + int(float64(out.W)*pad)
	res, rmask := shiftWindow(strip, smask, out.W, offset, period)
	return res, rmask, ok
}

// scaleToHeight resizes keeping aspect ratio.
func scaleToHeight(img *frame.Image, mask *frame.Mask, h int) (*frame.Image, *frame.Mask) {
	w := img.W * h / img.H
	if w < 1 {
		w = 1
	}
	out := frame.Resize(img, w, h)
	if mask != nil {
		mask = frame.ResizeMask(mask, w, h)
	}
	return out, mask
}

// shiftWindow samples a width-wide window of the strip repeated with the
// given period, starting at column offset. Columns past the strip are
// transparent black. A nil strip mask is opaque.
func shiftWindow(strip *frame.Image, smask *frame.Mask, width, offset, period int) (*frame.Image, *frame.Mask) {
	h := strip.H
	res := frame.NewImage(width, h)
	rmask := frame.NewMask(width, h)
	if period <= 0 {
		return res, rmask
	}
	start := offset % period
	if start < 0 {
		start += period
	}
	for x := 0; x < width; x++ {
		sx := (start + x) % period
		if sx >= strip.W {
			continue
		}
		for y := 0; y < h; y++ {
			copy(res.Pix[res.Offset(x, y):res.Offset(x, y)+frame.Channels], strip.Pix[strip.Offset(sx, y):])
			a := uint8(0xff)
			if smask != nil {
				a = smask.Pix[y*smask.W+sx]
			}
			rmask.Pix[y*width+x] = a
		}
	}
	return res, rmask
}

package provider

import (
	"context"

	"github.com/mPyKen/Caman/internal/frame"
)

// Relayed is the read side of another layer.
type Relayed interface {
	ReadImage() *frame.Image
	ReadMask() *frame.Weights
	Enabled() bool
}

// Relay re-emits the current image and mask of another layer. It exhausts
// when that layer is disabled.
type Relay struct {
	src Relayed
	sizer
}

// NewRelay mirrors src.
func NewRelay(src Relayed, dim frame.Size) *Relay {
	return &Relay{src: src, sizer: sizer{dim: dim}}
}

func (r *Relay) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	if !r.src.Enabled() {
		return nil, nil, false
	}
	img := r.src.ReadImage()
	if img == nil {
		return nil, nil, true
	}
	var mask *frame.Mask
	if w := r.src.ReadMask(); w != nil && w.W == img.W && w.H == img.H {
		mask = w.Mask()
	}
	img, mask = r.fit(img, mask)
	return img, mask, true
}

func (r *Relay) Reset() error { return nil }

func (r *Relay) Stop() error { return nil }

func (r *Relay) SetParams(p Params) { r.setParams(p) }

func (r *Relay) Command(Event) bool { return false }

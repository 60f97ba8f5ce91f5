package provider

import (
	"context"
	"log/slog"

	"github.com/mPyKen/Caman/internal/frame"
)

// Segmenter returns a full-resolution foreground mask for a frame. It
// blocks until it succeeds or ctx is done.
type Segmenter interface {
	Segment(ctx context.Context, img *frame.Image) (*frame.Mask, error)
}

// Segmentation attaches a segmentation mask to every frame of its child.
// No frame is emitted without a mask.
type Segmentation struct {
	decorator
	seg Segmenter
	sizer
}

// NewSegmentation wraps child. The child is asked for native frames.
func NewSegmentation(child Provider, seg Segmenter, dim frame.Size) *Segmentation {
	s := &Segmentation{decorator: decorator{child: child}, seg: seg, sizer: sizer{dim: dim}}
	child.SetParams(WithDimension(frame.AutoSize))
	return s
}

func (s *Segmentation) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	img, _, ok := s.child.Next(ctx)
	if img == nil {
		return nil, nil, ok
	}
	mask, err := s.seg.Segment(ctx, img)
	if err != nil {
		slog.Debug("provider: segmentation abandoned", "error", err)
		return nil, nil, ok
	}
	img, mask = s.fit(img, mask)
	return img, mask, ok
}

func (s *Segmentation) SetParams(p Params) {
	if p.Dimension != nil {
		s.setParams(p)
		auto := frame.AutoSize
		p.Dimension = &auto
	}
	s.child.SetParams(p)
}

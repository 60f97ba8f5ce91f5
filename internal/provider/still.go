package provider

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/mPyKen/Caman/internal/frame"
)

// Still serves a decoded image file. It never exhausts.
type Still struct {
	path string
	sizer

	mu     sync.Mutex
	img    *frame.Image
	mask   *frame.Mask
	scaled frame.Size
	out    *frame.Image
	outM   *frame.Mask
}

// NewStill opens and decodes path.
func NewStill(path string, dim frame.Size) (*Still, error) {
	s := &Still{path: path, sizer: sizer{dim: dim}}
	if err := s.Reset(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStillImage serves an in-memory image (used for generated content).
func NewStillImage(img *frame.Image, mask *frame.Mask, dim frame.Size) *Still {
	return &Still{sizer: sizer{dim: dim}, img: img, mask: mask}
}

// LoadImage decodes any registered image format into image and alpha mask.
func LoadImage(path string) (*frame.Image, *frame.Mask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrOpen, path, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode %s: %w", ErrOpen, path, err)
	}
	img, mask := frame.FromImage(src)
	return img, mask, nil
}

func (s *Still) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img == nil {
		return nil, nil, false
	}
	t := s.target(s.img.Size())
	if s.out == nil || t != s.scaled {
		s.out, s.outM = s.fit(s.img, s.mask)
		s.scaled = t
	}
	return s.out.Clone(), s.outM.Clone(), true
}

func (s *Still) Reset() error {
	if s.path == "" {
		return nil
	}
	img, mask, err := LoadImage(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.img, s.mask, s.out, s.outM = img, mask, nil, nil
	s.mu.Unlock()
	return nil
}

func (s *Still) Stop() error { return nil }

func (s *Still) SetParams(p Params) { s.setParams(p) }

func (s *Still) Command(Event) bool { return false }

package provider

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"os"
	"sync"
	"time"

	"github.com/mPyKen/Caman/internal/frame"
)

const defaultGIFDelay = 100 * time.Millisecond

type gifFrame struct {
	img   *frame.Image
	mask  *frame.Mask
	delay time.Duration
}

// GIF plays an animated GIF once, honoring per-frame delays, then reports
// exhaustion. Wrap it in a Looper to repeat.
type GIF struct {
	path  string
	clock Clock
	sizer

	mu     sync.Mutex
	frames []gifFrame
	pos    int
	due    time.Time
}

// NewGIF decodes every frame of path up front.
func NewGIF(path string, dim frame.Size, clock Clock) (*GIF, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	g := &GIF{path: path, clock: clock, sizer: sizer{dim: dim}}
	if err := g.Reset(); err != nil {
		return nil, err
	}
	return g, nil
}

// decodeGIF composes frames onto a logical screen following the disposal
// method of each frame.
func decodeGIF(path string) ([]gifFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, path, err)
	}
	defer f.Close()

	anim, err := gif.DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrOpen, path, err)
	}
	if len(anim.Image) == 0 {
		return nil, fmt.Errorf("%w: %s: no frames", ErrOpen, path)
	}

	screen := image.Rect(0, 0, anim.Config.Width, anim.Config.Height)
	if screen.Empty() {
		screen = anim.Image[0].Bounds()
	}
	canvas := image.NewNRGBA(screen)

	frames := make([]gifFrame, 0, len(anim.Image))
	for i, pal := range anim.Image {
		var previous *image.NRGBA
		disposal := byte(0)
		if i < len(anim.Disposal) {
			disposal = anim.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			previous = image.NewNRGBA(screen)
			copy(previous.Pix, canvas.Pix)
		}

		draw.Draw(canvas, pal.Bounds(), pal, pal.Bounds().Min, draw.Over)
		img, mask := frame.FromImage(canvas)

		delay := defaultGIFDelay
		if i < len(anim.Delay) && anim.Delay[i] > 0 {
			delay = time.Duration(anim.Delay[i]) * 10 * time.Millisecond
		}
		frames = append(frames, gifFrame{img: img, mask: mask, delay: delay})

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, pal.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = previous
		}
	}
	return frames, nil
}

func (g *GIF) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	g.mu.Lock()
	if g.pos >= len(g.frames) {
		g.mu.Unlock()
		return nil, nil, false
	}
	fr := g.frames[g.pos]
	due := g.due
	g.mu.Unlock()

	if !due.IsZero() {
		g.clock.Sleep(ctx, due.Sub(g.clock.Now()))
	}

	g.mu.Lock()
	g.pos++
	g.due = g.clock.Now().Add(fr.delay)
	g.mu.Unlock()

	img, mask := g.fit(fr.img, fr.mask)
	if img == fr.img {
		img, mask = img.Clone(), mask.Clone()
	}
	return img, mask, true
}

// Reset rewinds to the first frame, decoding the file on first use.
func (g *GIF) Reset() error {
	g.mu.Lock()
	loaded := g.frames != nil
	g.mu.Unlock()
	if !loaded {
		frames, err := decodeGIF(g.path)
		if err != nil {
			return err
		}
		g.mu.Lock()
		g.frames = frames
		g.mu.Unlock()
	}
	g.mu.Lock()
	g.pos = 0
	g.due = time.Time{}
	g.mu.Unlock()
	return nil
}

func (g *GIF) Stop() error { return nil }

func (g *GIF) SetParams(p Params) { g.setParams(p) }

func (g *GIF) Command(Event) bool { return false }

// Len returns the number of frames.
func (g *GIF) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.frames)
}

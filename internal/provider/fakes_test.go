package provider

import (
	"context"
	"sync"
	"time"

	"github.com/mPyKen/Caman/internal/frame"
)

// fakeClock advances only when slept on.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// seqSource yields n 1x1 frames whose blue channel is 1..n, then exhausts.
type seqSource struct {
	n       int
	pos     int
	resets  int
	stops   int
	params  []Params
	clock   *fakeClock
	step    time.Duration
	lastDim frame.Size
}

func (s *seqSource) Next(context.Context) (*frame.Image, *frame.Mask, bool) {
	if s.pos >= s.n {
		return nil, nil, false
	}
	s.pos++
	if s.clock != nil {
		s.clock.Advance(s.step)
	}
	return frame.Filled(1, 1, uint8(s.pos), 0, 0), nil, true
}

func (s *seqSource) Reset() error {
	s.resets++
	s.pos = 0
	return nil
}

func (s *seqSource) Stop() error {
	s.stops++
	return nil
}

func (s *seqSource) SetParams(p Params) {
	s.params = append(s.params, p)
	if p.Dimension != nil {
		s.lastDim = *p.Dimension
	}
}

func (s *seqSource) Command(Event) bool { return false }

// imageSource serves a fixed image forever.
type imageSource struct {
	img  *frame.Image
	mask *frame.Mask
}

func (s *imageSource) Next(context.Context) (*frame.Image, *frame.Mask, bool) {
	return s.img.Clone(), s.mask.Clone(), true
}

func (s *imageSource) Reset() error { return nil }

func (s *imageSource) Stop() error { return nil }

func (s *imageSource) SetParams(Params) {}

func (s *imageSource) Command(Event) bool { return false }

func blue(img *frame.Image) int {
	if img == nil {
		return -1
	}
	return int(img.Pix[0])
}

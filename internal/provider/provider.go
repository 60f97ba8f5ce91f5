// Package provider implements the frame provider chain: sources that produce
// BGR frames, decorators that time, loop, transform or record them, and
// toggleable filters.
//
// A chain is a tree. Every decorator owns exactly one child; nothing is shared.
// Chains are pulled by a single goroutine (the owning layer's worker), while
// Command and SetParams may arrive from the control goroutine, so providers
// guard the state those two touch.
package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mPyKen/Caman/internal/frame"
)

// Provider produces frames on demand.
//
// Next returns ok=false when the stream is exhausted. A nil image with ok=true
// means "nothing new yet". Reset (re)opens resources and may be called after
// Stop. Stop releases resources and is idempotent.
type Provider interface {
	Next(ctx context.Context) (img *frame.Image, mask *frame.Mask, ok bool)
	Reset() error
	Stop() error
	SetParams(p Params)
	Command(ev Event) bool
}

// Params is the closed set of runtime options. Nil fields are unset.
// Each decorator consumes the fields it owns and forwards the rest.
type Params struct {
	Dimension *frame.Size
	FPS       *float64
	Speed     *int
	Pad       *float64
	Text      *string
}

// Empty reports whether no field is set.
func (p Params) Empty() bool {
	return p.Dimension == nil && p.FPS == nil && p.Speed == nil && p.Pad == nil && p.Text == nil
}

// WithDimension is shorthand for a dimension-only update.
func WithDimension(s frame.Size) Params { return Params{Dimension: &s} }

// Event is a controller event routed down a chain.
type Event struct {
	Key int
}

// Key builds an event from a rune.
func Key(r rune) Event { return Event{Key: int(r)} }

var (
	// ErrOpen is wrapped by sources that cannot open their underlying resource.
	ErrOpen = errors.New("provider: open failed")
	// ErrStopped is returned by operations on a stopped source.
	ErrStopped = errors.New("provider: stopped")
)

// Clock abstracts time for pacing decorators.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration)
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// decorator forwards every call to its child. Decorators embed it and
// override what they change.
type decorator struct {
	child Provider
}

func (d *decorator) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	return d.child.Next(ctx)
}

func (d *decorator) Reset() error { return d.child.Reset() }

func (d *decorator) Stop() error { return d.child.Stop() }

func (d *decorator) SetParams(p Params) { d.child.SetParams(p) }

func (d *decorator) Command(ev Event) bool { return d.child.Command(ev) }

// Child returns the wrapped provider.
func (d *decorator) Child() Provider { return d.child }

// sizer tracks the requested output dimension of a source.
type sizer struct {
	mu  sync.Mutex
	dim frame.Size
}

func (s *sizer) setParams(p Params) {
	if p.Dimension == nil {
		return
	}
	s.mu.Lock()
	s.dim = *p.Dimension
	s.mu.Unlock()
}

func (s *sizer) target(native frame.Size) frame.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim.Resolve(native)
}

// fit scales img and mask to the requested dimension.
func (s *sizer) fit(img *frame.Image, mask *frame.Mask) (*frame.Image, *frame.Mask) {
	if img == nil {
		return nil, nil
	}
	t := s.target(img.Size())
	if !t.Resolved() || t == img.Size() {
		return img, mask
	}
	out := frame.Resize(img, t.W, t.H)
	if mask != nil {
		mask = frame.ResizeMask(mask, t.W, t.H)
	}
	return out, mask
}

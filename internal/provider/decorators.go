package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mPyKen/Caman/internal/frame"
)

// Frequency caps the output rate of its child. After each inner Next it
// sleeps until one frame interval has passed since the previous return.
type Frequency struct {
	decorator
	clock Clock

	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewFrequency wraps child at fps frames per second. fps <= 0 disables
// throttling.
func NewFrequency(child Provider, fps float64, clock Clock) *Frequency {
	if clock == nil {
		clock = SystemClock{}
	}
	f := &Frequency{decorator: decorator{child: child}, clock: clock}
	f.setFPS(fps)
	return f
}

func (f *Frequency) setFPS(fps float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interval = 0
	if fps > 0 {
		f.interval = time.Duration(float64(time.Second) / fps)
	}
}

func (f *Frequency) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	img, mask, ok := f.child.Next(ctx)

	f.mu.Lock()
	interval, last := f.interval, f.last
	f.mu.Unlock()

	if interval > 0 && !last.IsZero() {
		f.clock.Sleep(ctx, last.Add(interval).Sub(f.clock.Now()))
	}

	f.mu.Lock()
	f.last = f.clock.Now()
	f.mu.Unlock()
	return img, mask, ok
}

func (f *Frequency) SetParams(p Params) {
	if p.FPS != nil {
		f.setFPS(*p.FPS)
		p.FPS = nil
	}
	if !p.Empty() {
		f.child.SetParams(p)
	}
}

// Looper resets its child once when it reports exhaustion and retries.
type Looper struct {
	decorator
}

// NewLooper wraps child.
func NewLooper(child Provider) *Looper {
	return &Looper{decorator: decorator{child: child}}
}

func (l *Looper) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	img, mask, ok := l.child.Next(ctx)
	if ok {
		return img, mask, true
	}
	if err := l.child.Reset(); err != nil {
		slog.Warn("provider: looper reset failed", "error", err)
		return nil, nil, false
	}
	return l.child.Next(ctx)
}

// OnPress keeps its child idle until its key is pressed, then plays it from
// the start until it is exhausted. Each press restarts playback.
type OnPress struct {
	decorator
	key   int
	clock Clock

	mu      sync.Mutex
	pending bool
	playing bool
}

// idleDelay paces an idle OnPress so the worker does not spin.
const idleDelay = 33 * time.Millisecond

// NewOnPress wraps child, triggered by key.
func NewOnPress(child Provider, key int, clock Clock) *OnPress {
	if clock == nil {
		clock = SystemClock{}
	}
	return &OnPress{decorator: decorator{child: child}, key: key, clock: clock}
}

func (o *OnPress) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	o.mu.Lock()
	restart := o.pending
	o.pending = false
	if restart {
		o.playing = true
	}
	playing := o.playing
	o.mu.Unlock()

	if restart {
		if err := o.child.Reset(); err != nil {
			slog.Warn("provider: onpress reset failed", "error", err)
		}
	}
	if !playing {
		o.clock.Sleep(ctx, idleDelay)
		return nil, nil, true
	}

	img, mask, ok := o.child.Next(ctx)
	if !ok {
		o.mu.Lock()
		o.playing = false
		o.mu.Unlock()
		return nil, nil, true
	}
	return img, mask, true
}

func (o *OnPress) Command(ev Event) bool {
	if ev.Key == o.key {
		o.mu.Lock()
		o.pending = true
		o.mu.Unlock()
		return true
	}
	return o.child.Command(ev)
}

// Playing reports whether the child is currently being played.
func (o *OnPress) Playing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playing || o.pending
}

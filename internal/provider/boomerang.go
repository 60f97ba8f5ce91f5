package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mPyKen/Caman/internal/frame"
)

// BoomerangState is the replay state of a Boomerang.
type BoomerangState int

const (
	BoomerangInactive BoomerangState = iota
	BoomerangActive
	BoomerangTransition
)

func (s BoomerangState) String() string {
	switch s {
	case BoomerangActive:
		return "active"
	case BoomerangTransition:
		return "transition"
	default:
		return "inactive"
	}
}

// PingPong walks the indices of a history of length n back and forth,
// starting at 1 and repeating each end index once before turning:
// 1, 2, ..., n-1, n-1, ..., 1, 0, 0, 1, ...
type PingPong struct {
	n, pos, dir int
}

// NewPingPong starts a walk over n indices.
func NewPingPong(n int) PingPong {
	p := PingPong{n: n, pos: 1, dir: 1}
	if n <= 1 {
		p.pos = 0
	}
	return p
}

// Next returns the current index and advances.
func (p *PingPong) Next() int {
	cur := p.pos
	next := cur + p.dir
	if next < 0 || next >= p.n {
		p.dir = -p.dir
		next = cur
	}
	p.pos = next
	return cur
}

type recorded struct {
	img  *frame.Image
	mask *frame.Mask
	at   time.Time
}

// Boomerang records the last Duration of its child's output. A key press
// freezes that history and replays it back and forth at the recorded
// cadence; a second press keeps replaying for Grace before going live
// again, hiding the latency of the live feed resuming.
type Boomerang struct {
	decorator
	key      int
	duration time.Duration
	grace    time.Duration
	clock    Clock

	mu        sync.Mutex
	history   []recorded
	state     BoomerangState
	replay    []recorded
	walk      PingPong
	prev      int
	lastEmit  time.Time
	triggered time.Time
}

// DefaultBoomerangGrace is the replay window after the second key press.
const DefaultBoomerangGrace = time.Second

// NewBoomerang wraps child. grace <= 0 selects DefaultBoomerangGrace.
func NewBoomerang(child Provider, key int, duration, grace time.Duration, clock Clock) *Boomerang {
	if clock == nil {
		clock = SystemClock{}
	}
	if grace <= 0 {
		grace = DefaultBoomerangGrace
	}
	if duration <= 0 {
		duration = 2 * time.Second
	}
	return &Boomerang{
		decorator: decorator{child: child},
		key:       key,
		duration:  duration,
		grace:     grace,
		clock:     clock,
	}
}

// Next always pulls the child so the history and the live source keep
// moving while a replay is shown.
func (b *Boomerang) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	img, mask, ok := b.child.Next(ctx)
	now := b.clock.Now()

	b.mu.Lock()
	if img != nil {
		b.history = append(b.history, recorded{img: img, mask: mask, at: now})
		cut := 0
		for cut < len(b.history)-1 && b.history[cut].at.Add(b.duration).Before(now) {
			cut++
		}
		if cut > 0 {
			b.history = append(b.history[:0:0], b.history[cut:]...)
		}
	}

	if b.state == BoomerangTransition && now.Sub(b.triggered) >= b.grace {
		b.state = BoomerangInactive
		b.replay = nil
		slog.Debug("provider: boomerang live again")
	}
	if b.state == BoomerangInactive || len(b.replay) == 0 {
		b.mu.Unlock()
		return img, mask, ok
	}

	n := len(b.replay)
	i := b.walk.Next()
	rec := b.replay[n-1-i]
	var delay time.Duration
	if b.prev >= 0 {
		delay = rec.at.Sub(b.replay[n-1-b.prev].at)
		if delay < 0 {
			delay = -delay
		}
	}
	b.prev = i
	due := b.lastEmit.Add(delay)
	b.mu.Unlock()

	if delay > 0 {
		b.clock.Sleep(ctx, due.Sub(b.clock.Now()))
	}

	b.mu.Lock()
	b.lastEmit = b.clock.Now()
	b.mu.Unlock()
	return rec.img.Clone(), rec.mask.Clone(), true
}

func (b *Boomerang) Command(ev Event) bool {
	if ev.Key != b.key {
		return b.child.Command(ev)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BoomerangInactive, BoomerangTransition:
		b.state = BoomerangActive
		b.replay = append([]recorded(nil), b.history...)
		b.walk = NewPingPong(len(b.replay))
		b.prev = -1
		b.lastEmit = b.clock.Now()
	case BoomerangActive:
		b.state = BoomerangTransition
	}
	b.triggered = b.clock.Now()
	slog.Info("provider: boomerang state changed", "state", b.state.String(), "frames", len(b.replay))
	return true
}

// State returns the current replay state.
func (b *Boomerang) State() BoomerangState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HistoryLen returns the number of recorded frames.
func (b *Boomerang) HistoryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

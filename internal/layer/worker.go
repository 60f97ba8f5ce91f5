package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mPyKen/Caman/internal/provider"
)

// ErrStarted is returned by Start on a layer whose worker already ran.
var ErrStarted = errors.New("layer: worker already started")

// idleDelay throttles a worker whose provider has nothing new.
const idleDelay = 5 * time.Millisecond

// gate is a reentrant pause barrier. The worker marks itself busy for one
// loop iteration; pause waits for the busy flag to clear, so a returning
// pause means the worker is parked between iterations. A stopped gate never
// parks the worker again.
type gate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	depth   int
	busy    bool
	stopped bool
}

func newGate() *gate {
	g := &gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.depth++
	for g.busy {
		g.cond.Wait()
	}
}

func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depth == 0 {
		return
	}
	g.depth--
	if g.depth == 0 {
		g.cond.Broadcast()
	}
}

func (g *gate) paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth > 0
}

// enter parks the worker while paused and marks it busy. It reports false
// once the gate is stopped.
func (g *gate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.depth > 0 && !g.stopped {
		g.cond.Wait()
	}
	if g.stopped {
		return false
	}
	g.busy = true
	return true
}

func (g *gate) leave() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// stop releases a parked worker for good.
func (g *gate) stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

type worker struct {
	gate *gate

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	stopping atomic.Bool
	running  atomic.Bool
}

// NewAnimated creates a layer driven by its own worker goroutine.
func NewAnimated(cfg Config, prov provider.Provider) *Layer {
	l := New(cfg, prov)
	l.w = &worker{gate: newGate(), done: make(chan struct{})}
	return l
}

// Animated reports whether the layer has a worker.
func (l *Layer) Animated() bool { return l.w != nil }

// Start launches the worker. For a static layer it loads the first frame.
func (l *Layer) Start(ctx context.Context) error {
	if l.w == nil {
		return l.Load(ctx)
	}

	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	if l.w.started {
		return fmt.Errorf("%w: %s", ErrStarted, l.name)
	}
	l.w.started = true

	wctx, cancel := context.WithCancel(ctx)
	l.w.cancel = cancel
	l.w.running.Store(true)
	go l.run(wctx)

	slog.Debug("layer: worker started", "layer", l.name)
	return nil
}

// Stop asks the worker to exit after its current iteration, even while it
// is paused. A static layer releases its provider immediately. Stop is
// idempotent.
func (l *Layer) Stop() {
	if l.w == nil {
		if err := l.prov.Stop(); err != nil {
			slog.Warn("layer: provider stop failed", "layer", l.name, "error", err)
		}
		return
	}

	l.w.stopping.Store(true)
	l.w.gate.stop()
	l.w.mu.Lock()
	cancel, started := l.w.cancel, l.w.started
	l.w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !started {
		if err := l.prov.Stop(); err != nil {
			slog.Warn("layer: provider stop failed", "layer", l.name, "error", err)
		}
	}
}

// Wait blocks until the worker has exited or ctx is done. It returns
// immediately for static layers and workers that never started.
func (l *Layer) Wait(ctx context.Context) error {
	if l.w == nil {
		return nil
	}
	l.w.mu.Lock()
	started := l.w.started
	l.w.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-l.w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("layer %s: wait: %w", l.name, ctx.Err())
	}
}

// Pause parks the worker between iterations. It returns once the worker is
// parked and may be nested; each Pause needs a matching Resume.
func (l *Layer) Pause() {
	if l.w != nil {
		l.w.gate.pause()
	}
}

// Resume releases one Pause.
func (l *Layer) Resume() {
	if l.w != nil {
		l.w.gate.resume()
	}
}

// Paused reports whether at least one Pause is outstanding.
func (l *Layer) Paused() bool {
	return l.w != nil && l.w.gate.paused()
}

// Running reports whether the worker goroutine is alive.
func (l *Layer) Running() bool {
	return l.w != nil && l.w.running.Load()
}

func (l *Layer) run(ctx context.Context) {
	defer close(l.w.done)
	defer l.w.running.Store(false)
	defer func() {
		if err := l.prov.Stop(); err != nil {
			slog.Warn("layer: provider stop failed", "layer", l.name, "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("layer: worker panic, disabling",
				"layer", l.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			l.Disable()
		}
	}()

	for !l.w.stopping.Load() && ctx.Err() == nil {
		if !l.step(ctx) {
			break
		}
	}
	slog.Debug("layer: worker exited", "layer", l.name, "frames", l.published.Load())
}

// step runs one gated iteration and reports whether the loop continues.
func (l *Layer) step(ctx context.Context) bool {
	if !l.w.gate.enter() {
		return false
	}
	defer l.w.gate.leave()

	if l.w.stopping.Load() || ctx.Err() != nil {
		return false
	}

	img, mask, ok := l.prov.Next(ctx)
	if !ok {
		slog.Info("layer: provider exhausted, disabling", "layer", l.name)
		l.Disable()
		return false
	}
	if img == nil {
		if ctx.Err() == nil {
			time.Sleep(idleDelay)
		}
		return true
	}
	l.resolveFrom(img.Size())
	l.publish(img, mask)
	return true
}

package compositor

import (
	"errors"
	"image"
	"log/slog"
	"sync"

	"github.com/mPyKen/Caman/internal/frame"
	"github.com/mPyKen/Caman/internal/layer"
	"github.com/mPyKen/Caman/internal/provider"
)

// Handle is one of the nine grab zones of a layer rectangle, laid out as
// the thirds of the rectangle in reading order.
type Handle int

const (
	HandleTopLeft Handle = iota
	HandleTop
	HandleTopRight
	HandleLeft
	HandleMove
	HandleRight
	HandleBottomLeft
	HandleBottom
	HandleBottomRight
)

var handleNames = [...]string{
	"top-left", "top", "top-right",
	"left", "move", "right",
	"bottom-left", "bottom", "bottom-right",
}

func (h Handle) String() string {
	if h < 0 || int(h) >= len(handleNames) {
		return "unknown"
	}
	return handleNames[h]
}

// column and row of the handle in the 3x3 grid.
func (h Handle) col() int { return int(h) % 3 }
func (h Handle) row() int { return int(h) / 3 }

// HandleAt classifies p by the thirds of r it falls in.
func HandleAt(r image.Rectangle, p image.Point) Handle {
	third := func(v, lo, size int) int {
		switch {
		case 3*(v-lo) < size:
			return 0
		case 3*(v-lo) >= 2*size:
			return 2
		}
		return 1
	}
	return Handle(third(p.Y, r.Min.Y, r.Dy())*3 + third(p.X, r.Min.X, r.Dx()))
}

// Grab identifies one drag gesture.
type Grab struct {
	ID     uint64
	Handle Handle
}

// drag is an in-progress pointer gesture.
type drag struct {
	id     uint64
	layer  *layer.Layer
	handle Handle
	grab   image.Point
	orig   image.Rectangle
}

// editor state. Layers are paused and resumed outside mu: a pause waits
// for an in-flight Next, which may only return once the layer is stopped.
type editor struct {
	mu     sync.Mutex
	gen    uint64
	drag   *drag
	active *layer.Layer
}

// take detaches the current drag, if any. The caller resumes its layer.
func (e *editor) take() *drag {
	d := e.drag
	e.drag = nil
	return d
}

func (d *drag) release() {
	if d != nil {
		d.layer.Resume()
	}
}

// cancel ends any drag, forgets the active layer and invalidates grabs
// still waiting for their layer to park.
func (e *editor) cancel() {
	e.mu.Lock()
	e.gen++
	d := e.take()
	e.active = nil
	e.mu.Unlock()
	d.release()
}

// PointerDown grabs the topmost layer at (x, y). The grabbed layer becomes
// the active layer for key routing and its worker is paused until
// PointerUp or CancelDrag. It reports whether a layer was grabbed.
func (c *Compositor) PointerDown(x, y int) (Grab, bool) {
	l, ok := c.FindLayerAt(x, y)

	c.edit.mu.Lock()
	c.edit.gen++
	id := c.edit.gen
	prev := c.edit.take()
	if !ok {
		c.edit.active = nil
	}
	c.edit.mu.Unlock()
	prev.release()
	if !ok {
		return Grab{Handle: HandleMove}, false
	}

	r := l.Rect()
	p := image.Pt(x, y)
	h := HandleAt(r, p)
	l.Pause()

	c.edit.mu.Lock()
	if c.edit.gen != id || !c.holds(l) {
		// superseded by another grab or torn down while parking
		c.edit.mu.Unlock()
		l.Resume()
		return Grab{Handle: h}, false
	}
	c.edit.drag = &drag{id: id, layer: l, handle: h, grab: p, orig: r}
	c.edit.active = l
	c.edit.mu.Unlock()

	slog.Debug("compositor: layer grabbed", "layer", l.Name(), "handle", h.String(), "rect", r)
	return Grab{ID: id, Handle: h}, true
}

// holds reports whether l belongs to the current layer set.
func (c *Compositor) holds(l *layer.Layer) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cur := range c.layers {
		if cur == l {
			return true
		}
	}
	return false
}

// PointerMove applies the drag to the grabbed layer. A degenerate result
// disables the layer and ends the drag.
func (c *Compositor) PointerMove(x, y int) error {
	c.edit.mu.Lock()
	d := c.edit.drag
	if d == nil {
		c.edit.mu.Unlock()
		return nil
	}

	r := dragRect(d.orig, d.handle, image.Pt(x, y).Sub(d.grab))
	if d.handle == HandleMove {
		d.layer.Move(r.Min)
		c.edit.mu.Unlock()
		return nil
	}

	size := frame.Size{W: max(r.Dx(), 0), H: max(r.Dy(), 0)}
	err := d.layer.Resize(r.Min, size)
	var ended *drag
	if errors.Is(err, layer.ErrDegenerate) {
		ended = c.edit.take()
	}
	c.edit.mu.Unlock()
	ended.release()
	return err
}

// PointerUp releases the grabbed layer.
func (c *Compositor) PointerUp(x, y int) error {
	err := c.PointerMove(x, y)

	c.edit.mu.Lock()
	d := c.edit.take()
	c.edit.mu.Unlock()
	d.release()
	return err
}

// CancelDrag ends the drag started by the grab with the given id without
// moving the layer. It reports false when that drag is no longer current.
func (c *Compositor) CancelDrag(id uint64) bool {
	c.edit.mu.Lock()
	var d *drag
	if c.edit.drag != nil && c.edit.drag.id == id {
		d = c.edit.take()
	}
	c.edit.mu.Unlock()
	if d == nil {
		return false
	}
	d.release()
	slog.Debug("compositor: drag cancelled", "layer", d.layer.Name())
	return true
}

// Active returns the last grabbed layer, if any.
func (c *Compositor) Active() (*layer.Layer, bool) {
	c.edit.mu.Lock()
	defer c.edit.mu.Unlock()
	return c.edit.active, c.edit.active != nil
}

// dragRect computes the rectangle after dragging handle h of orig by delta.
// The result is not canonicalized: a side dragged past its opposite yields
// a non-positive width or height. Its Dx/Dy are therefore signed.
func dragRect(orig image.Rectangle, h Handle, delta image.Point) image.Rectangle {
	if h == HandleMove {
		return orig.Add(delta)
	}

	r := orig
	col, row := h.col(), h.row()
	if col != 1 && row != 1 {
		return cornerRect(orig, col, row, delta)
	}
	switch col {
	case 0:
		r.Min.X += delta.X
	case 2:
		r.Max.X += delta.X
	}
	switch row {
	case 0:
		r.Min.Y += delta.Y
	case 2:
		r.Max.Y += delta.Y
	}
	return r
}

// cornerRect moves the dragged corner to the point nearest to corner+delta
// on the line through the anchor (opposite corner) and the original corner.
// The rectangle keeps its aspect; dragging past the anchor collapses it.
func cornerRect(orig image.Rectangle, col, row int, delta image.Point) image.Rectangle {
	anchor, corner := orig.Max, orig.Min
	if col == 2 {
		anchor.X, corner.X = orig.Min.X, orig.Max.X
	}
	if row == 2 {
		anchor.Y, corner.Y = orig.Min.Y, orig.Max.Y
	}

	dx, dy := float64(corner.X-anchor.X), float64(corner.Y-anchor.Y)
	den := dx*dx + dy*dy
	if den == 0 {
		return image.Rectangle{Min: anchor, Max: anchor}
	}
	px := float64(corner.X + delta.X - anchor.X)
	py := float64(corner.Y + delta.Y - anchor.Y)
	t := (px*dx + py*dy) / den

	nc := image.Pt(anchor.X+round(t*dx), anchor.Y+round(t*dy))

	r := orig
	if col == 0 {
		r.Min.X, r.Max.X = nc.X, anchor.X
	} else {
		r.Min.X, r.Max.X = anchor.X, nc.X
	}
	if row == 0 {
		r.Min.Y, r.Max.Y = nc.Y, anchor.Y
	} else {
		r.Min.Y, r.Max.Y = anchor.Y, nc.Y
	}
	return r
}

func round(v float64) int {
	if v < 0 {
		return -int(-v + 0.5)
	}
	return int(v + 0.5)
}

// Command routes a key to the active layer's chain. Without an active layer
// the enabled layers are tried from the top until one consumes it.
func (c *Compositor) Command(ev provider.Event) bool {
	if l, ok := c.Active(); ok && l.Enabled() {
		return l.Command(ev)
	}
	_, ls := c.ordered()
	for i := len(ls) - 1; i >= 0; i-- {
		if ls[i].Command(ev) {
			slog.Debug("compositor: key consumed", "layer", ls[i].Name(), "key", ev.Key)
			return true
		}
	}
	return false
}

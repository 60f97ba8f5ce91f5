package provider

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/mPyKen/Caman/internal/frame"
)

// TextStyle controls text rendering. Colors are R,G,B.
type TextStyle struct {
	Size       float64
	Color      [3]uint8
	Background *[3]uint8 // nil renders glyph coverage as the mask
	Padding    int
}

// DefaultTextStyle is white 32pt text on a transparent background.
func DefaultTextStyle() TextStyle {
	return TextStyle{Size: 32, Color: [3]uint8{255, 255, 255}, Padding: 4}
}

var (
	regularOnce sync.Once
	regular     *opentype.Font
	regularErr  error
)

func regularFont() (*opentype.Font, error) {
	regularOnce.Do(func() {
		regular, regularErr = opentype.Parse(goregular.TTF)
	})
	return regular, regularErr
}

// RenderText draws one or more lines of text into an image and, without a
// background, a coverage mask.
func RenderText(text string, style TextStyle) (*frame.Image, *frame.Mask, error) {
	f, err := regularFont()
	if err != nil {
		return nil, nil, fmt.Errorf("provider: parse font: %w", err)
	}
	if style.Size <= 0 {
		style.Size = DefaultTextStyle().Size
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    style.Size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("provider: font face: %w", err)
	}
	defer face.Close()

	lines := strings.Split(text, "\n")
	metrics := face.Metrics()
	lineHeight := metrics.Height.Ceil()
	ascent := metrics.Ascent.Ceil()

	width := 1
	for _, line := range lines {
		if w := font.MeasureString(face, line).Ceil(); w > width {
			width = w
		}
	}
	w := width + 2*style.Padding
	h := lineHeight*len(lines) + 2*style.Padding

	coverage := image.NewAlpha(image.Rect(0, 0, w, h))
	d := &font.Drawer{Dst: coverage, Src: image.Opaque, Face: face}
	for i, line := range lines {
		d.Dot = fixed.P(style.Padding, style.Padding+ascent+i*lineHeight)
		d.DrawString(line)
	}

	if style.Background == nil {
		img := frame.Filled(w, h, style.Color[2], style.Color[1], style.Color[0])
		return img, &frame.Mask{W: w, H: h, Pix: coverage.Pix}, nil
	}

	bg := *style.Background
	dst := image.NewRGBA(coverage.Rect)
	draw.Draw(dst, dst.Rect, image.NewUniform(color.RGBA{R: bg[0], G: bg[1], B: bg[2], A: 255}), image.Point{}, draw.Src)
	fg := image.NewUniform(color.RGBA{R: style.Color[0], G: style.Color[1], B: style.Color[2], A: 255})
	draw.DrawMask(dst, dst.Rect, fg, image.Point{}, coverage, image.Point{}, draw.Over)
	return frame.FromRGBA(dst), nil, nil
}

// Text renders a string. Params.Text replaces the string at runtime.
type Text struct {
	style TextStyle
	sizer

	mu    sync.Mutex
	text  string
	dirty bool
	img   *frame.Image
	mask  *frame.Mask
}

// NewText renders text once and serves it until the text changes.
func NewText(text string, style TextStyle, dim frame.Size) *Text {
	return &Text{text: text, style: style, dirty: true, sizer: sizer{dim: dim}}
}

func (t *Text) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirty {
		img, mask, err := RenderText(t.text, t.style)
		if err != nil {
			slog.Error("provider: render text failed", "error", err)
			return nil, nil, true
		}
		t.img, t.mask, t.dirty = img, mask, false
	}
	img, mask := t.fit(t.img, t.mask)
	if img == t.img {
		img, mask = img.Clone(), mask.Clone()
	}
	return img, mask, true
}

// SetText replaces the rendered string.
func (t *Text) SetText(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s != t.text {
		t.text, t.dirty = s, true
	}
}

func (t *Text) Reset() error { return nil }

func (t *Text) Stop() error { return nil }

func (t *Text) SetParams(p Params) {
	t.setParams(p)
	if p.Text != nil {
		t.SetText(*p.Text)
	}
}

func (t *Text) Command(Event) bool { return false }

// CommandOutput renders the trimmed standard output of a shell-words command,
// re-running it at most once per interval.
type CommandOutput struct {
	*Text
	argv     []string
	interval time.Duration
	clock    Clock

	last time.Time
}

// NewCommandOutput parses line into argv. An empty or unparsable line is an error.
func NewCommandOutput(line string, interval time.Duration, style TextStyle, dim frame.Size, clock Clock) (*CommandOutput, error) {
	argv, err := shellwords.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("provider: parse command %q: %w", line, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("provider: empty command")
	}
	if interval <= 0 {
		interval = time.Second
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &CommandOutput{Text: NewText("", style, dim), argv: argv, interval: interval, clock: clock}, nil
}

func (c *CommandOutput) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	if now := c.clock.Now(); c.last.IsZero() || now.Sub(c.last) >= c.interval {
		c.last = now
		out, err := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...).Output()
		if err != nil {
			slog.Warn("provider: command failed", "argv", c.argv, "error", err)
		} else {
			c.SetText(strings.TrimRight(string(out), "\r\n"))
		}
	}
	return c.Text.Next(ctx)
}

// Reset forces the command to run on the next call.
func (c *CommandOutput) Reset() error {
	c.last = time.Time{}
	return nil
}

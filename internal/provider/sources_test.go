package provider

import (
	"context"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mPyKen/Caman/internal/frame"
)

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "still.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestStill(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 20, 10))
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+1], src.Pix[i+2], src.Pix[i+3] = 200, 100, 50, 255
	}
	src.SetNRGBA(0, 0, color.NRGBA{A: 0})
	path := writePNG(t, src)

	s, err := NewStill(path, frame.Size{W: 10, H: frame.Auto})
	require.NoError(t, err)

	img, mask, ok := s.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, frame.Size{W: 10, H: 5}, img.Size())
	require.NotNil(t, mask, "alpha channel becomes the mask")
	assert.Equal(t, img.Size(), mask.Size())

	s.SetParams(WithDimension(frame.Size{W: 4, H: 4}))
	img, _, _ = s.Next(context.Background())
	assert.Equal(t, frame.Size{W: 4, H: 4}, img.Size())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Reset())

	t.Run("missing file fails at open", func(t *testing.T) {
		_, err := NewStill(filepath.Join(t.TempDir(), "nope.png"), frame.AutoSize)
		assert.ErrorIs(t, err, ErrOpen)
	})
}

func TestGIF_PlaysOnceWithDelays(t *testing.T) {
	pal := color.Palette{color.Black, color.White, color.Transparent}
	anim := &gif.GIF{}
	for i := 0; i < 3; i++ {
		p := image.NewPaletted(image.Rect(0, 0, 4, 4), pal)
		for j := range p.Pix {
			p.Pix[j] = uint8(i % 2)
		}
		anim.Image = append(anim.Image, p)
		anim.Delay = append(anim.Delay, 5)
		anim.Disposal = append(anim.Disposal, gif.DisposalNone)
	}
	path := filepath.Join(t.TempDir(), "anim.gif")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, gif.EncodeAll(f, anim))
	require.NoError(t, f.Close())

	clock := newFakeClock()
	g, err := NewGIF(path, frame.AutoSize, clock)
	require.NoError(t, err)
	require.Equal(t, 3, g.Len())

	for i := 0; i < 3; i++ {
		img, _, ok := g.Next(context.Background())
		require.True(t, ok)
		assert.Equal(t, frame.Size{W: 4, H: 4}, img.Size())
	}
	_, _, ok := g.Next(context.Background())
	assert.False(t, ok, "exhausted after the last frame")

	// frames 2 and 3 wait for the 50ms delay of their predecessor
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, clock.sleeps)

	require.NoError(t, g.Reset())
	_, _, ok = g.Next(context.Background())
	assert.True(t, ok)
}

func TestText(t *testing.T) {
	txt := NewText("hi", DefaultTextStyle(), frame.AutoSize)
	img, mask, ok := txt.Next(context.Background())
	require.True(t, ok)
	require.NotNil(t, mask)
	assert.Equal(t, img.Size(), mask.Size())

	covered := 0
	for _, v := range mask.Pix {
		if v > 0 {
			covered++
		}
	}
	assert.Greater(t, covered, 0, "glyphs produce coverage")

	longer := "hello world"
	txt.SetParams(Params{Text: &longer})
	wide, _, _ := txt.Next(context.Background())
	assert.Greater(t, wide.W, img.W)

	t.Run("background makes it opaque", func(t *testing.T) {
		style := DefaultTextStyle()
		style.Background = &[3]uint8{0, 0, 0}
		_, mask, err := RenderText("x", style)
		require.NoError(t, err)
		assert.Nil(t, mask)
	})
}

func TestCommandOutput(t *testing.T) {
	clock := newFakeClock()
	c, err := NewCommandOutput(`echo "hello there"`, time.Minute, DefaultTextStyle(), frame.AutoSize, clock)
	require.NoError(t, err)

	img, _, ok := c.Next(context.Background())
	require.True(t, ok)
	require.NotNil(t, img)

	expected, _, err := RenderText("hello there", DefaultTextStyle())
	require.NoError(t, err)
	assert.True(t, img.Equal(expected))

	_, err = NewCommandOutput(`  `, time.Second, DefaultTextStyle(), frame.AutoSize, clock)
	assert.Error(t, err)
}

type fakeRelayed struct {
	img     *frame.Image
	enabled bool
}

func (f *fakeRelayed) ReadImage() *frame.Image { return f.img.Clone() }

func (f *fakeRelayed) ReadMask() *frame.Weights { return nil }

func (f *fakeRelayed) Enabled() bool { return f.enabled }

func TestRelay(t *testing.T) {
	src := &fakeRelayed{img: frame.Filled(2, 2, 1, 2, 3), enabled: true}
	r := NewRelay(src, frame.AutoSize)

	img, mask, ok := r.Next(context.Background())
	require.True(t, ok)
	assert.Nil(t, mask)
	assert.True(t, img.Equal(src.img))

	src.enabled = false
	_, _, ok = r.Next(context.Background())
	assert.False(t, ok)
}

func TestFilters(t *testing.T) {
	base := frame.NewImage(16, 16)
	for i := range base.Pix {
		base.Pix[i] = uint8(i * 7)
	}
	src := &imageSource{img: base}

	t.Run("invert toggles on odd presses", func(t *testing.T) {
		f := NewInvert(src, 'i', false)
		img, _, _ := f.Next(context.Background())
		assert.True(t, img.Equal(base))

		require.True(t, f.Command(Key('i')))
		img, _, _ = f.Next(context.Background())
		assert.Equal(t, 255-base.Pix[5], img.Pix[5])

		require.True(t, f.Command(Key('i')))
		img, _, _ = f.Next(context.Background())
		assert.True(t, img.Equal(base))
	})

	t.Run("smoothing keeps geometry", func(t *testing.T) {
		f := NewSmoothing(src, 's', true)
		img, _, _ := f.Next(context.Background())
		assert.Equal(t, base.Size(), img.Size())
	})

	t.Run("hologram is deterministic", func(t *testing.T) {
		a := Hologram(base)
		b := Hologram(base)
		assert.Equal(t, base.Size(), a.Size())
		assert.True(t, a.Equal(b))
	})

	t.Run("unknown key goes down the chain", func(t *testing.T) {
		inner := NewInvert(src, 'i', false)
		outer := NewHologram(inner, 'h', false)
		assert.True(t, outer.Command(Key('i')))
		assert.True(t, inner.Active())
		assert.False(t, outer.Active())
		assert.False(t, outer.Command(Key('z')))
	})
}

func TestWinterPalette(t *testing.T) {
	// B,G,R: blue at 0, green with half blue at 255
	assert.Equal(t, [3]uint8{255, 0, 0}, winter[0])
	assert.Equal(t, [3]uint8{128, 255, 0}, winter[255])
}
